package fault

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"stereocam/metrics"
	"stereocam/stream"
)

// Kind classifies runtime faults.
type Kind int

const (
	// KindSync is an image info pairing failure. The frame was delivered
	// unpaired.
	KindSync Kind = iota
	// KindConsumer is a callback that panicked. Delivery continued.
	KindConsumer
	// KindResource is a cache or queue growing past its configured limit.
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindConsumer:
		return "consumer"
	case KindResource:
		return "resource"
	default:
		return "unknown"
	}
}

// MarshalText lets faults serialize with readable kinds.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Fault is one runtime problem observed by the core.
type Fault struct {
	Kind    Kind
	Channel stream.ChannelID
	Err     error
	At      time.Time
}

func (f Fault) Error() string {
	return fmt.Sprintf("%v fault on %v: %v", f.Kind, f.Channel, f.Err)
}

func (f Fault) Unwrap() error {
	return f.Err
}

// Reporter logs faults, counts them and fans them out to listeners. Report
// never blocks: a listener whose channel is full misses the fault.
type Reporter struct {
	log     *log.Entry
	metrics *metrics.Metrics

	mu        sync.Mutex
	listeners map[string]chan Fault

	lost atomic.Int64
}

// NewReporter creates a Reporter. Both arguments may be nil.
func NewReporter(entry *log.Entry, m *metrics.Metrics) *Reporter {
	if entry == nil {
		entry = log.NewEntry(log.StandardLogger())
	}
	return &Reporter{
		log:       entry.WithField("component", "faults"),
		metrics:   m,
		listeners: make(map[string]chan Fault),
	}
}

// Report publishes a fault. A nil Reporter discards it.
func (r *Reporter) Report(kind Kind, id stream.ChannelID, err error) {
	if r == nil {
		return
	}
	f := Fault{Kind: kind, Channel: id, Err: err, At: time.Now()}
	r.log.WithFields(log.Fields{"kind": kind, "channel": id}).Warn(err)
	r.metrics.Fault(kind.String())

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.listeners {
		select {
		case c <- f:
		default:
			r.lost.Add(1)
		}
	}
}

// Listen registers a listener with room for buffer pending faults. The
// returned function unregisters it and closes the channel.
func (r *Reporter) Listen(buffer int) (<-chan Fault, func()) {
	if buffer < 1 {
		buffer = 1
	}
	id := uuid.NewString()
	c := make(chan Fault, buffer)

	r.mu.Lock()
	r.listeners[id] = c
	r.mu.Unlock()

	var once sync.Once
	return c, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
			close(c)
		})
	}
}

// Lost returns the number of faults that listeners missed.
func (r *Reporter) Lost() int64 {
	return r.lost.Load()
}
