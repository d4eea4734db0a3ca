package pairing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stereocam/channel"
	"stereocam/fault"
	"stereocam/stream"
)

type captureSink struct {
	streams []stream.StreamItem
	infos   []stream.InfoItem
}

func (c *captureSink) Stream(item stream.StreamItem) { c.streams = append(c.streams, item) }
func (c *captureSink) Info(item stream.InfoItem)     { c.infos = append(c.infos, item) }

func frame(t stream.ImageType, id uint32, ts uint64) stream.StreamItem {
	return stream.StreamItem{Type: t, FrameID: id, Timestamp: ts}
}

func info(id uint32, ts uint64) stream.InfoItem {
	return stream.InfoItem{FrameID: id, Timestamp: ts, ExposureTime: 10}
}

func newSynced(t *testing.T, window int, tolerance uint64) (*Synchronizer, *captureSink, <-chan fault.Fault) {
	t.Helper()
	sink := &captureSink{}
	faults := fault.NewReporter(nil, nil)
	c, stop := faults.Listen(64)
	t.Cleanup(stop)

	s := New(sink, faults, nil)
	s.ChannelEnabled(stream.ImageInfo, channel.Config{
		Pairing: &channel.PairingConfig{Window: window, Tolerance: tolerance},
	})
	require.True(t, s.Enabled())
	return s, sink, c
}

func drainFaults(c <-chan fault.Fault) []fault.Fault {
	var out []fault.Fault
	for {
		select {
		case f := <-c:
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestPassThroughWithoutPairing(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	s := New(sink, nil, nil)
	s.PushFrame(frame(stream.ImageLeftColor, 1, 10))
	s.PushInfo(info(1, 10))

	require.Len(t, sink.streams, 1)
	assert.False(t, sink.streams[0].Paired())
	assert.Len(t, sink.infos, 1)
}

func TestPairFrameThenInfo(t *testing.T) {
	t.Parallel()

	s, sink, faults := newSynced(t, 4, 0)
	s.PushFrame(frame(stream.ImageLeftColor, 5, 100))
	assert.Empty(t, sink.streams, "frame must wait for its info")

	s.PushInfo(info(5, 100))
	require.Len(t, sink.streams, 1)
	got := sink.streams[0]
	require.True(t, got.Paired())
	assert.Equal(t, uint32(5), got.Info.FrameID)
	assert.Equal(t, uint64(100), got.Info.Timestamp)
	assert.Len(t, sink.infos, 1)
	assert.Empty(t, drainFaults(faults))
}

func TestPairInfoThenBothEyes(t *testing.T) {
	t.Parallel()

	s, sink, _ := newSynced(t, 4, 0)
	s.PushInfo(info(5, 100))
	assert.Empty(t, sink.infos, "info waits for a frame while pairing")

	s.PushFrame(frame(stream.ImageLeftColor, 5, 100))
	s.PushFrame(frame(stream.ImageRightColor, 5, 100))

	require.Len(t, sink.streams, 2)
	for _, item := range sink.streams {
		assert.True(t, item.Paired())
	}
	assert.Len(t, sink.infos, 1, "info is delivered once")
}

func TestToleranceMismatchPassesThroughUnpaired(t *testing.T) {
	t.Parallel()

	s, sink, faults := newSynced(t, 4, 50)
	s.PushFrame(frame(stream.ImageLeftColor, 7, 1000))
	s.PushInfo(info(7, 1200))

	require.Len(t, sink.streams, 1)
	assert.False(t, sink.streams[0].Paired())

	fs := drainFaults(faults)
	require.Len(t, fs, 1)
	assert.Equal(t, fault.KindSync, fs[0].Kind)
	assert.True(t, errors.Is(fs[0], fault.ErrTimestampMismatch))
	assert.Equal(t, stream.ImageStream(stream.ImageLeftColor), fs[0].Channel)
}

func TestToleranceAccepted(t *testing.T) {
	t.Parallel()

	s, sink, faults := newSynced(t, 4, 50)
	s.PushFrame(frame(stream.ImageDepth, 7, 1000))
	s.PushInfo(info(7, 1040))

	require.Len(t, sink.streams, 1)
	assert.True(t, sink.streams[0].Paired())
	assert.Empty(t, drainFaults(faults))
}

func TestInfoWithoutFrameExpires(t *testing.T) {
	t.Parallel()

	s, sink, faults := newSynced(t, 2, 0)
	s.PushInfo(info(5, 100))
	s.PushFrame(frame(stream.ImageLeftColor, 6, 200))
	assert.Empty(t, sink.infos)

	s.PushFrame(frame(stream.ImageLeftColor, 7, 300))
	require.Len(t, sink.infos, 1)
	assert.Equal(t, uint32(5), sink.infos[0].FrameID)

	var expired int
	for _, f := range drainFaults(faults) {
		if errors.Is(f, fault.ErrWindowExpired) && f.Channel == stream.ImageInfo {
			expired++
		}
	}
	assert.Equal(t, 1, expired)
}

func TestFrameWithoutInfoExpiresInOrder(t *testing.T) {
	t.Parallel()

	s, sink, _ := newSynced(t, 2, 0)
	s.PushFrame(frame(stream.ImageLeftColor, 1, 10))
	s.PushFrame(frame(stream.ImageLeftColor, 2, 20))
	s.PushInfo(info(2, 20))
	assert.Empty(t, sink.streams, "frame 2 is held behind unresolved frame 1")

	s.PushFrame(frame(stream.ImageLeftColor, 3, 30))
	require.Len(t, sink.streams, 2)
	assert.Equal(t, uint32(1), sink.streams[0].FrameID)
	assert.False(t, sink.streams[0].Paired())
	assert.Equal(t, uint32(2), sink.streams[1].FrameID)
	assert.True(t, sink.streams[1].Paired())
}

func TestFrameIDWrapAround(t *testing.T) {
	t.Parallel()

	s, sink, _ := newSynced(t, 2, 0)
	s.PushFrame(frame(stream.ImageLeftColor, ^uint32(0), 10))
	s.PushFrame(frame(stream.ImageLeftColor, 0, 20))
	assert.Empty(t, sink.streams, "wrapped id is one newer, not four billion older")

	s.PushInfo(info(^uint32(0), 10))
	s.PushInfo(info(0, 20))
	require.Len(t, sink.streams, 2)
	assert.True(t, sink.streams[0].Paired())
	assert.True(t, sink.streams[1].Paired())
}

func TestPendingCapWhenIDsStall(t *testing.T) {
	t.Parallel()

	s, sink, _ := newSynced(t, 1, 0)
	for i := 0; i < 5; i++ {
		s.PushFrame(frame(stream.ImageLeftColor, 9, uint64(i)))
	}
	frames, _ := s.Pending()
	assert.LessOrEqual(t, frames, pendingFactor)
	assert.NotEmpty(t, sink.streams)
}

func TestDisablePairingReleasesFrames(t *testing.T) {
	t.Parallel()

	s, sink, _ := newSynced(t, 8, 0)
	s.PushFrame(frame(stream.ImageLeftColor, 1, 10))
	s.PushInfo(info(3, 30))
	frames, infos := s.Pending()
	assert.Equal(t, 1, frames)
	assert.Equal(t, 1, infos)

	s.ChannelDisabled(stream.ImageInfo)
	assert.False(t, s.Enabled())
	assert.Empty(t, sink.streams, "released frames wait for the producer")
	frames, infos = s.Pending()
	assert.Equal(t, 1, frames)
	assert.Equal(t, 0, infos)

	s.PushFrame(frame(stream.ImageLeftColor, 2, 20))
	require.Len(t, sink.streams, 2)
	assert.Equal(t, uint32(1), sink.streams[0].FrameID)
	assert.False(t, sink.streams[0].Paired())
	assert.Equal(t, uint32(2), sink.streams[1].FrameID)
	assert.Empty(t, sink.infos, "info channel is gone with its records")
}

func TestReleasedFramesDroppedWithTheirStream(t *testing.T) {
	t.Parallel()

	s, sink, _ := newSynced(t, 8, 0)
	s.PushFrame(frame(stream.ImageLeftColor, 1, 10))
	s.PushFrame(frame(stream.ImageDepth, 1, 10))
	s.ChannelDisabled(stream.ImageInfo)

	s.ChannelDisabled(stream.ImageStream(stream.ImageDepth))
	s.ChannelEnabled(stream.ImageStream(stream.ImageLeftColor), channel.Config{})
	frames, _ := s.Pending()
	assert.Zero(t, frames)

	s.PushInfo(info(2, 20))
	assert.Empty(t, sink.streams)
	assert.Len(t, sink.infos, 1)
}

// The sink may read the synchronizer while it is handed output.
func TestSinkMayReadSynchronizer(t *testing.T) {
	t.Parallel()

	var pending []int
	var s *Synchronizer
	sink := &readingSink{read: func() {
		f, i := s.Pending()
		pending = append(pending, f, i)
		s.Enabled()
	}}
	s = New(sink, nil, nil)

	s.PushFrame(frame(stream.ImageLeftColor, 1, 10))
	s.ChannelEnabled(stream.ImageInfo, channel.Config{Pairing: &channel.PairingConfig{Window: 4}})
	s.PushFrame(frame(stream.ImageLeftColor, 2, 20))
	s.PushInfo(info(2, 20))

	assert.Equal(t, 3, sink.calls)
	assert.Equal(t, []int{0, 0, 0, 0, 0, 0}, pending)
}

type readingSink struct {
	read  func()
	calls int
}

func (r *readingSink) Stream(stream.StreamItem) { r.calls++; r.read() }
func (r *readingSink) Info(stream.InfoItem)     { r.calls++; r.read() }

func TestDisableStreamDropsItsPendingFrames(t *testing.T) {
	t.Parallel()

	s, sink, _ := newSynced(t, 8, 0)
	s.PushFrame(frame(stream.ImageLeftColor, 1, 10))
	s.PushFrame(frame(stream.ImageDepth, 1, 10))

	s.ChannelDisabled(stream.ImageStream(stream.ImageDepth))
	s.PushInfo(info(1, 10))

	require.Len(t, sink.streams, 1)
	assert.Equal(t, stream.ImageLeftColor, sink.streams[0].Type)
}

func TestDuplicateInfoIsReported(t *testing.T) {
	t.Parallel()

	s, sink, faults := newSynced(t, 4, 0)
	s.PushFrame(frame(stream.ImageLeftColor, 1, 10))
	s.PushInfo(info(1, 10))
	s.PushInfo(info(1, 10))

	assert.Len(t, sink.infos, 2)
	fs := drainFaults(faults)
	require.Len(t, fs, 1)
	assert.Equal(t, fault.KindSync, fs[0].Kind)
}

func TestOtherChannelsIgnored(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	s := New(sink, nil, nil)
	s.ChannelEnabled(stream.Motion, channel.Config{})
	s.ChannelEnabled(stream.ImageStream(stream.ImageLeftColor), channel.Config{})
	assert.False(t, s.Enabled())
	s.ChannelDisabled(stream.Motion)
}

func TestInfoNotHeldWithoutStreams(t *testing.T) {
	t.Parallel()

	s, sink, faults := newSynced(t, 2, 0)
	s.ExpectFrames = func() bool { return false }
	s.PushInfo(info(1, 10))
	s.PushInfo(info(2, 20))
	s.PushInfo(info(3, 30))

	assert.Len(t, sink.infos, 3)
	assert.Empty(t, drainFaults(faults))
}
