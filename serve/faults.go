package serve

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"stereocam/fault"
	"stereocam/stream"
)

const (
	// Time allowed to write message to the client
	writeWait  = 10 * time.Second
	pingPeriod = 10 * time.Second

	// faultBuffer is how many faults a slow client may fall behind before
	// it misses some.
	faultBuffer = 64
)

// FaultMessage is the JSON form of a fault sent to websocket clients.
type FaultMessage struct {
	Kind    fault.Kind       `json:"kind"`
	Channel stream.ChannelID `json:"channel"`
	Error   string           `json:"error"`
	At      time.Time        `json:"at"`
}

// FaultStream pushes every runtime fault to connected websocket clients.
type FaultStream struct {
	upgrader websocket.Upgrader
	faults   *fault.Reporter
	log      *log.Entry
}

func NewFaultStream(faults *fault.Reporter, entry *log.Entry) *FaultStream {
	return &FaultStream{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		faults: faults,
		log:    entry,
	}
}

func (m *FaultStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if _, ok := err.(websocket.HandshakeError); !ok {
			m.log.WithField("addr", r.RemoteAddr).Errorf("Websocket handshake failed for fault stream: %v", err)
		}
		return
	}
	go m.serve(ws)
}

func (m *FaultStream) serve(ws *websocket.Conn) {
	clog := m.log.WithField("addr", ws.RemoteAddr())
	clog.Info("Connected to fault stream")
	faults, stop := m.faults.Listen(faultBuffer)
	defer func() {
		stop()
		ws.Close()
		clog.Info("Disconnected from fault stream")
	}()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	// Incoming messages are ignored, but reading processes control frames
	// and notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case f, ok := <-faults:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			msg := FaultMessage{Kind: f.Kind, Channel: f.Channel, Error: f.Err.Error(), At: f.At}
			if err := ws.WriteJSON(msg); err != nil {
				return
			}
		case <-pingTicker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}
