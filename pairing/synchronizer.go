// Package pairing joins image frames with their image info records.
//
// While pairing is enabled every frame waits for the info record with the
// same frame id. A match within the timestamp tolerance is delivered as one
// record (StreamItem.Info set). A record that finds no counterpart within the
// window, measured in frame ids, is delivered unpaired and reported as a sync
// fault. Delivery order per image type, and for info records, follows arrival
// order.
package pairing

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"stereocam/channel"
	"stereocam/fault"
	"stereocam/stream"
)

// pendingFactor caps how many unresolved frames one image type may hold,
// relative to the window, when frame ids stop advancing.
const pendingFactor = 4

// Sink receives the synchronizer's output.
type Sink interface {
	Stream(item stream.StreamItem)
	Info(item stream.InfoItem)
}

type frameEntry struct {
	item     stream.StreamItem
	resolved bool
}

type infoEntry struct {
	item  stream.InfoItem
	ready bool
}

// SyncState holds what one pairing session is waiting for.
type SyncState struct {
	frames map[stream.ImageType][]*frameEntry
	// infos indexes info records still eligible for pairing; infoOrder
	// holds the ones not yet delivered, in arrival order.
	infos     map[uint32]*infoEntry
	infoOrder []*infoEntry

	newest     uint32
	haveNewest bool
}

func newSyncState() *SyncState {
	return &SyncState{
		frames: make(map[stream.ImageType][]*frameEntry),
		infos:  make(map[uint32]*infoEntry),
	}
}

// Synchronizer implements channel.Lifecycle: enabling image info with a
// PairingConfig turns pairing on, disabling it turns pairing off.
//
// Output is handed to the sink without mu held, so sink consumers may read
// the synchronizer. Frames released by a reconfiguration are delivered by the
// next push, on the producer's goroutine.
type Synchronizer struct {
	// ExpectFrames, when set and returning false, lets info records through
	// without waiting for frames that will never come. Set it before use.
	ExpectFrames func() bool

	log    *log.Entry
	faults *fault.Reporter
	sink   Sink

	// emit serializes pushes end to end so output reaches the sink in the
	// order it was resolved.
	emit sync.Mutex

	mu       sync.Mutex
	cfg      *channel.PairingConfig
	state    *SyncState
	released []stream.StreamItem
}

// output is what one push resolved, in delivery order.
type output struct {
	frames []stream.StreamItem
	infos  []stream.InfoItem
}

func New(sink Sink, faults *fault.Reporter, entry *log.Entry) *Synchronizer {
	if entry == nil {
		entry = log.NewEntry(log.StandardLogger())
	}
	return &Synchronizer{
		log:    entry.WithField("component", "synchronizer"),
		faults: faults,
		sink:   sink,
		state:  newSyncState(),
	}
}

// Enabled reports whether frames are currently held for pairing.
func (s *Synchronizer) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg != nil
}

// Pending returns the number of frames not yet delivered and of undelivered
// info records.
func (s *Synchronizer) Pending() (frames, infos int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.state.frames {
		frames += len(q)
	}
	return frames + len(s.released), len(s.state.infoOrder)
}

func (s *Synchronizer) ChannelEnabled(id stream.ChannelID, cfg channel.Config) {
	switch id.Category {
	case stream.CategoryImageInfo:
		s.configure(cfg.Pairing)
	case stream.CategoryImageStream:
		// A re-enabled stream starts empty.
		s.drop(id)
	}
}

func (s *Synchronizer) ChannelDisabled(id stream.ChannelID) {
	switch id.Category {
	case stream.CategoryImageInfo:
		s.configure(nil)
	case stream.CategoryImageStream:
		s.drop(id)
	}
}

// drop forgets every frame of stream id that was not delivered yet.
func (s *Synchronizer) drop(id stream.ChannelID) {
	s.mu.Lock()
	n := len(s.state.frames[id.Image])
	delete(s.state.frames, id.Image)
	kept := s.released[:0]
	for _, item := range s.released {
		if item.Type != id.Image {
			kept = append(kept, item)
		} else {
			n++
		}
	}
	s.released = kept
	s.mu.Unlock()
	if n > 0 {
		s.log.WithFields(log.Fields{"channel": id, "frames": n}).Debug("Discarded pending frames")
	}
}

// configure starts a new pairing session. Frames still waiting from the
// previous session are released unpaired with the next push; pending info
// records are dropped along with the info channel they belonged to.
func (s *Synchronizer) configure(p *channel.PairingConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.state
	s.state = newSyncState()
	if p != nil {
		cp := *p
		s.cfg = &cp
	} else {
		s.cfg = nil
	}

	released := 0
	for _, t := range stream.ImageTypes {
		for _, e := range old.frames[t] {
			s.released = append(s.released, e.item)
			released++
		}
	}
	s.log.WithFields(log.Fields{
		"pairing":  s.cfg != nil,
		"released": released,
		"dropped":  len(old.infoOrder),
	}).Info("Pairing reconfigured")
}

// PushFrame accepts one frame. Without pairing it goes straight to the sink.
func (s *Synchronizer) PushFrame(item stream.StreamItem) {
	s.emit.Lock()
	defer s.emit.Unlock()
	s.deliver(s.pushFrame(item))
}

// PushInfo accepts one info record. Without pairing it goes straight to the
// sink.
func (s *Synchronizer) PushInfo(item stream.InfoItem) {
	s.emit.Lock()
	defer s.emit.Unlock()
	s.deliver(s.pushInfo(item))
}

func (s *Synchronizer) deliver(out output) {
	for _, f := range out.frames {
		s.sink.Stream(f)
	}
	for _, i := range out.infos {
		s.sink.Info(i)
	}
}

// start must be called with mu held. Frames released by a reconfiguration go
// out ahead of anything newer.
func (s *Synchronizer) start() output {
	out := output{frames: s.released}
	s.released = nil
	return out
}

func (s *Synchronizer) pushFrame(item stream.StreamItem) output {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.start()
	if s.cfg == nil {
		out.frames = append(out.frames, item)
		return out
	}
	st := s.state
	s.advance(item.FrameID)

	e := &frameEntry{item: item}
	if info, ok := st.infos[item.FrameID]; ok {
		s.pair(e, info)
	}
	st.frames[item.Type] = append(st.frames[item.Type], e)
	if limit := s.cfg.Window * pendingFactor; len(st.frames[item.Type]) > limit {
		s.expireFrame(st.frames[item.Type][0], "pending frames over limit")
	}

	s.expire()
	s.flush(&out)
	return out
}

func (s *Synchronizer) pushInfo(item stream.InfoItem) output {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.start()
	if s.cfg == nil {
		out.infos = append(out.infos, item)
		return out
	}
	st := s.state
	s.advance(item.FrameID)

	if _, dup := st.infos[item.FrameID]; dup {
		s.faults.Report(fault.KindSync, stream.ImageInfo,
			fmt.Errorf("%w: duplicate info for frame %d delivered unpaired", fault.ErrTimestampMismatch, item.FrameID))
		st.infoOrder = append(st.infoOrder, &infoEntry{item: item, ready: true})
		s.flush(&out)
		return out
	}

	info := &infoEntry{item: item}
	if s.ExpectFrames != nil && !s.ExpectFrames() {
		info.ready = true
	}
	st.infos[item.FrameID] = info
	st.infoOrder = append(st.infoOrder, info)
	for _, q := range st.frames {
		for _, e := range q {
			if !e.resolved && e.item.FrameID == item.FrameID {
				s.pair(e, info)
			}
		}
	}

	s.expire()
	s.flush(&out)
	return out
}

// advance moves the newest frame id forward, tolerating wrap-around.
func (s *Synchronizer) advance(id uint32) {
	st := s.state
	if !st.haveNewest || int32(id-st.newest) > 0 {
		st.newest = id
		st.haveNewest = true
	}
}

func (s *Synchronizer) expired(id uint32) bool {
	return int32(s.state.newest-id) >= int32(s.cfg.Window)
}

// pair resolves frame e against info. A timestamp mismatch leaves the frame
// unpaired.
func (s *Synchronizer) pair(e *frameEntry, info *infoEntry) {
	e.resolved = true
	info.ready = true
	if diff := absDiff(e.item.Timestamp, info.item.Timestamp); diff > s.cfg.Tolerance {
		s.faults.Report(fault.KindSync, stream.ImageStream(e.item.Type),
			fmt.Errorf("%w: frame %d differs by %dus (tolerance %dus)",
				fault.ErrTimestampMismatch, e.item.FrameID, diff, s.cfg.Tolerance))
		return
	}
	cp := info.item
	e.item.Info = &cp
}

func (s *Synchronizer) expireFrame(e *frameEntry, why string) {
	if e.resolved {
		return
	}
	e.resolved = true
	s.faults.Report(fault.KindSync, stream.ImageStream(e.item.Type),
		fmt.Errorf("%w: frame %d delivered without info (%s)", fault.ErrWindowExpired, e.item.FrameID, why))
}

// expire releases every record that has waited a full window.
func (s *Synchronizer) expire() {
	st := s.state
	for _, q := range st.frames {
		for _, e := range q {
			if !e.resolved && s.expired(e.item.FrameID) {
				s.expireFrame(e, "window elapsed")
			}
		}
	}
	for id, info := range st.infos {
		if !s.expired(id) {
			continue
		}
		delete(st.infos, id)
		if !info.ready {
			info.ready = true
			s.faults.Report(fault.KindSync, stream.ImageInfo,
				fmt.Errorf("%w: info for frame %d delivered without frame", fault.ErrWindowExpired, id))
		}
	}
}

// flush moves resolved records to out, stopping at the first unresolved one
// of each queue.
func (s *Synchronizer) flush(out *output) {
	st := s.state
	for _, t := range stream.ImageTypes {
		q := st.frames[t]
		n := 0
		for n < len(q) && q[n].resolved {
			out.frames = append(out.frames, q[n].item)
			n++
		}
		if n == len(q) {
			delete(st.frames, t)
		} else if n > 0 {
			st.frames[t] = append(q[:0], q[n:]...)
		}
	}

	n := 0
	for n < len(st.infoOrder) && st.infoOrder[n].ready {
		out.infos = append(out.infos, st.infoOrder[n].item)
		n++
	}
	if n > 0 {
		st.infoOrder = append(st.infoOrder[:0], st.infoOrder[n:]...)
	}
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
