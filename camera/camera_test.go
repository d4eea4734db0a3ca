package camera

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stereocam/cache"
	"stereocam/channel"
	"stereocam/device"
	"stereocam/dispatch"
	"stereocam/fault"
	"stereocam/stream"
)

func openCamera(t *testing.T, opts Options) *Camera {
	t.Helper()
	c := New(opts)
	require.NoError(t, c.Open(context.Background()))
	t.Cleanup(func() {
		if c.IsOpened() {
			assert.NoError(t, c.Close())
		}
	})
	return c
}

func rawFrame(t stream.ImageType, id uint32, ts uint64, fill byte) device.RawFrame {
	return device.RawFrame{
		Type:      t,
		FrameID:   id,
		Timestamp: ts,
		Width:     2,
		Height:    2,
		Format:    stream.FormatGray8,
		Data:      []byte{fill, fill, fill, fill},
	}
}

func TestBoundedStreamKeepsNewest(t *testing.T) {
	t.Parallel()

	c := openCamera(t, Options{Scheduler: dispatch.NewManualScheduler()})
	require.NoError(t, c.EnableStreamData(stream.ImageLeftColor, channel.Config{Capacity: 2}))

	in := c.Ingress()
	for i, fill := range []byte{'A', 'B', 'C'} {
		in.PutFrame(rawFrame(stream.ImageLeftColor, uint32(i+1), uint64(i*10), fill))
	}

	got := c.GetStreamDatas(stream.ImageLeftColor)
	require.Len(t, got, 2)
	assert.Equal(t, byte('B'), got[0].Image.Data[0])
	assert.Equal(t, byte('C'), got[1].Image.Data[0])
	assert.Empty(t, c.GetStreamDatas(stream.ImageLeftColor))
}

func TestUnboundedMotionKeepsEverything(t *testing.T) {
	t.Parallel()

	c := openCamera(t, Options{Scheduler: dispatch.NewManualScheduler()})
	require.NoError(t, c.EnableMotionDatas(-1))
	cfg, ok := c.GetConfig(stream.Motion)
	require.True(t, ok)
	assert.Equal(t, cache.Unbounded, cfg.Capacity)

	for i := 0; i < 1000; i++ {
		c.Ingress().PutMotion(device.RawMotion{Flag: stream.MotionAll, Timestamp: uint64(i)})
	}
	latest, ok := c.GetMotionData()
	require.True(t, ok)
	assert.Equal(t, uint64(999), latest.Timestamp)

	got := c.GetMotionDatas()
	require.Len(t, got, 1000)
	for i, m := range got {
		require.Equal(t, uint64(i), m.Timestamp)
	}
	assert.Empty(t, c.GetMotionDatas())
}

func TestMotionCallbackOnly(t *testing.T) {
	t.Parallel()

	c := openCamera(t, Options{Scheduler: dispatch.NewManualScheduler()})
	require.NoError(t, c.EnableMotionDatas(0))
	var n int
	require.NoError(t, c.SetMotionCallback(func(stream.MotionItem) { n++ }, false))

	c.Ingress().PutMotion(device.RawMotion{Timestamp: 1})
	c.Ingress().PutMotion(device.RawMotion{Timestamp: 2})
	assert.Equal(t, 2, n)
	assert.Empty(t, c.GetMotionDatas())
}

func TestDisableDrains(t *testing.T) {
	t.Parallel()

	c := openCamera(t, Options{Scheduler: dispatch.NewManualScheduler()})
	require.NoError(t, c.EnableStreamData(stream.ImageDepth, DefaultStreamConfig()))
	c.Ingress().PutFrame(rawFrame(stream.ImageDepth, 1, 0, 1))

	require.NoError(t, c.DisableStreamData(stream.ImageDepth))
	assert.Empty(t, c.GetStreamDatas(stream.ImageDepth))
	assert.False(t, c.IsStreamDataEnabled(stream.ImageDepth))

	c.Ingress().PutFrame(rawFrame(stream.ImageDepth, 2, 0, 1))
	assert.Empty(t, c.GetStreamDatas(stream.ImageDepth))
}

func TestIngressGates(t *testing.T) {
	t.Parallel()

	c := New(Options{Scheduler: dispatch.NewManualScheduler()})
	require.NoError(t, c.EnableStreamData(stream.ImageLeftColor, DefaultStreamConfig()))
	in := c.Ingress()
	assert.False(t, in.WantsFrames(), "closed camera wants nothing")
	in.PutFrame(rawFrame(stream.ImageLeftColor, 1, 0, 1))
	assert.Empty(t, c.GetStreamDatas(stream.ImageLeftColor))

	require.NoError(t, c.Open(context.Background()))
	defer c.Close()
	assert.True(t, in.WantsFrames())
	assert.True(t, in.WantsFrame(stream.ImageLeftColor))
	assert.False(t, in.WantsFrame(stream.ImageRightColor))

	require.NoError(t, c.DisableStreamData(stream.ImageLeftColor))
	assert.False(t, in.WantsFrames())
	assert.False(t, c.HasAnyStreamEnabled())
}

func TestPayloadIsCopied(t *testing.T) {
	t.Parallel()

	c := openCamera(t, Options{Scheduler: dispatch.NewManualScheduler()})
	require.NoError(t, c.EnableStreamData(stream.ImageLeftColor, DefaultStreamConfig()))

	f := rawFrame(stream.ImageLeftColor, 1, 0, 7)
	c.Ingress().PutFrame(f)
	f.Data[0] = 99

	got, ok := c.GetStreamData(stream.ImageLeftColor)
	require.True(t, ok)
	assert.Equal(t, byte(7), got.Image.Data[0])
}

func TestMalformedFrameDropped(t *testing.T) {
	t.Parallel()

	c := openCamera(t, Options{Scheduler: dispatch.NewManualScheduler()})
	require.NoError(t, c.EnableStreamData(stream.ImageLeftColor, DefaultStreamConfig()))

	f := rawFrame(stream.ImageLeftColor, 1, 0, 7)
	f.Data = f.Data[:3]
	c.Ingress().PutFrame(f)
	c.Ingress().PutFrame(device.RawFrame{Type: stream.ImageType(42)})
	assert.Empty(t, c.GetStreamDatas(stream.ImageLeftColor))
}

func TestSyncedInfoProducesCombinedRecord(t *testing.T) {
	t.Parallel()

	c := openCamera(t, Options{Scheduler: dispatch.NewManualScheduler()})
	require.NoError(t, c.EnableStreamData(stream.ImageLeftColor, DefaultStreamConfig()))
	require.NoError(t, c.EnableImageInfo(true))
	assert.True(t, c.IsImageInfoSynced())

	var frames []stream.StreamItem
	var infos []stream.InfoItem
	require.NoError(t, c.SetStreamCallback(stream.ImageLeftColor, func(s stream.StreamItem) { frames = append(frames, s) }, false))
	require.NoError(t, c.SetImgInfoCallback(func(i stream.InfoItem) { infos = append(infos, i) }, false))

	c.Ingress().PutFrame(rawFrame(stream.ImageLeftColor, 5, 100, 1))
	c.Ingress().PutInfo(device.RawInfo{FrameID: 5, Timestamp: 100, ExposureTime: 3})

	require.Len(t, frames, 1)
	require.True(t, frames[0].Paired())
	assert.Equal(t, uint16(3), frames[0].Info.ExposureTime)
	assert.Len(t, infos, 1)
}

func TestUnsyncedInfoIsIndependent(t *testing.T) {
	t.Parallel()

	c := openCamera(t, Options{Scheduler: dispatch.NewManualScheduler()})
	require.NoError(t, c.EnableStreamData(stream.ImageLeftColor, DefaultStreamConfig()))
	require.NoError(t, c.EnableImageInfo(false))
	assert.False(t, c.IsImageInfoSynced())

	c.Ingress().PutFrame(rawFrame(stream.ImageLeftColor, 5, 100, 1))
	c.Ingress().PutInfo(device.RawInfo{FrameID: 5, Timestamp: 100})

	got := c.GetStreamDatas(stream.ImageLeftColor)
	require.Len(t, got, 1)
	assert.False(t, got[0].Paired())
	assert.Len(t, c.GetImageInfos(), 1)
}

func TestUnmatchedInfoDeliveredAfterWindow(t *testing.T) {
	t.Parallel()

	c := openCamera(t, Options{Scheduler: dispatch.NewManualScheduler()})
	faults, stop := c.Faults().Listen(16)
	defer stop()

	require.NoError(t, c.EnableStreamData(stream.ImageLeftColor, DefaultStreamConfig()))
	require.NoError(t, c.EnableImageInfoWith(channel.Config{
		Capacity: 8,
		Pairing:  &channel.PairingConfig{Window: 2},
	}))

	in := c.Ingress()
	in.PutInfo(device.RawInfo{FrameID: 1, Timestamp: 10})
	assert.Empty(t, c.GetImageInfos())

	// Frames 2 and 3 arrive with their info; frame 1 never does.
	for id := uint32(2); id <= 3; id++ {
		in.PutFrame(rawFrame(stream.ImageLeftColor, id, uint64(id)*10, 1))
		in.PutInfo(device.RawInfo{FrameID: id, Timestamp: uint64(id) * 10})
	}

	infos := c.GetImageInfos()
	require.Len(t, infos, 3)
	assert.Equal(t, uint32(1), infos[0].FrameID)

	f := <-faults
	assert.Equal(t, fault.KindSync, f.Kind)
	assert.True(t, errors.Is(f, fault.ErrWindowExpired))
}

func TestAsyncCallbacksThroughScheduler(t *testing.T) {
	t.Parallel()

	sched := dispatch.NewManualScheduler()
	c := openCamera(t, Options{Scheduler: sched})
	require.NoError(t, c.EnableMotionDatas(0))
	var got []uint64
	require.NoError(t, c.SetMotionCallback(func(m stream.MotionItem) { got = append(got, m.Timestamp) }, true))

	for i := 0; i < 3; i++ {
		c.Ingress().PutMotion(device.RawMotion{Timestamp: uint64(i)})
	}
	assert.Empty(t, got)
	sched.RunUntilIdle()
	assert.Equal(t, []uint64{0, 1, 2}, got)
}

func TestPanickingCallbackDoesNotStallIngress(t *testing.T) {
	t.Parallel()

	c := openCamera(t, Options{Scheduler: dispatch.NewManualScheduler()})
	faults, stop := c.Faults().Listen(4)
	defer stop()

	require.NoError(t, c.EnableMotionDatas(10))
	require.NoError(t, c.SetMotionCallback(func(stream.MotionItem) { panic("boom") }, false))
	require.NoError(t, c.EnableStreamData(stream.ImageLeftColor, DefaultStreamConfig()))

	assert.NotPanics(t, func() {
		c.Ingress().PutMotion(device.RawMotion{Timestamp: 1})
		c.Ingress().PutFrame(rawFrame(stream.ImageLeftColor, 1, 0, 1))
	})
	assert.Len(t, c.GetMotionDatas(), 1)
	assert.Len(t, c.GetStreamDatas(stream.ImageLeftColor), 1)

	f := <-faults
	assert.Equal(t, fault.KindConsumer, f.Kind)
	assert.Equal(t, stream.Motion, f.Channel)
}

func TestConfigErrors(t *testing.T) {
	t.Parallel()

	c := New(Options{Scheduler: dispatch.NewManualScheduler()})

	err := c.EnableStreamData(stream.ImageType(9), DefaultStreamConfig())
	assert.True(t, fault.IsConfig(err))
	assert.True(t, errors.Is(err, fault.ErrInvalidChannel))

	err = c.EnableMotionDatasWith(channel.Config{Pairing: &channel.PairingConfig{Window: 1}})
	assert.True(t, errors.Is(err, fault.ErrConflictingConfig))

	err = c.EnableImageInfoWith(channel.Config{Pairing: &channel.PairingConfig{Window: 0}})
	assert.True(t, errors.Is(err, fault.ErrConflictingConfig))

	err = c.SetStreamCallback(stream.ImageDepth, func(stream.StreamItem) {}, false)
	assert.True(t, errors.Is(err, fault.ErrChannelDisabled))

	err = c.Disable(stream.ChannelID{Category: stream.Category(7)})
	assert.True(t, errors.Is(err, fault.ErrInvalidChannel))

	_, err = c.Drain(stream.ChannelID{Category: stream.Category(7)})
	assert.True(t, errors.Is(err, fault.ErrInvalidChannel))
}

func TestReEnableResetsChannel(t *testing.T) {
	t.Parallel()

	c := openCamera(t, Options{Scheduler: dispatch.NewManualScheduler()})
	require.NoError(t, c.EnableMotionDatas(8))
	var calls int
	require.NoError(t, c.SetMotionCallback(func(stream.MotionItem) { calls++ }, false))
	c.Ingress().PutMotion(device.RawMotion{Timestamp: 1})

	require.NoError(t, c.EnableMotionDatas(8))
	assert.Empty(t, c.GetMotionDatas())
	c.Ingress().PutMotion(device.RawMotion{Timestamp: 2})
	assert.Equal(t, 1, calls)
}

func TestGenericAccessors(t *testing.T) {
	t.Parallel()

	c := openCamera(t, Options{Scheduler: dispatch.NewManualScheduler()})
	require.NoError(t, c.Enable(stream.Motion, channel.Config{Capacity: 4}))
	assert.True(t, c.IsEnabled(stream.Motion))
	assert.Equal(t, []stream.ChannelID{stream.Motion}, c.EnabledChannels())

	_, ok := c.Latest(stream.Motion)
	assert.False(t, ok)
	c.Ingress().PutMotion(device.RawMotion{Timestamp: 5})

	item, ok := c.Latest(stream.Motion)
	require.True(t, ok)
	assert.Equal(t, uint64(5), item.(stream.MotionItem).Timestamp)

	items, err := c.Drain(stream.Motion)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestStats(t *testing.T) {
	t.Parallel()

	c := openCamera(t, Options{Scheduler: dispatch.NewManualScheduler()})
	require.NoError(t, c.EnableMotionDatas(2))
	require.NoError(t, c.EnableImageInfo(true))
	for i := 0; i < 3; i++ {
		c.Ingress().PutMotion(device.RawMotion{Timestamp: uint64(i)})
	}

	s := c.Stats()
	assert.Equal(t, c.ID(), s.ID)
	assert.True(t, s.Opened)
	require.Len(t, s.Channels, 2)
	assert.Equal(t, stream.ImageInfo, s.Channels[0].Channel)
	motion := s.Channels[1]
	assert.Equal(t, stream.Motion, motion.Channel)
	assert.Equal(t, 2, motion.Cached)
	assert.Equal(t, uint64(3), motion.Dispatched)
	assert.Equal(t, uint64(1), motion.Dropped)
}

func TestOpenCloseLifecycle(t *testing.T) {
	t.Parallel()

	c := New(Options{Scheduler: dispatch.NewManualScheduler()})
	assert.ErrorIs(t, c.Close(), fault.ErrNotOpened)

	require.NoError(t, c.Open(context.Background()))
	assert.ErrorIs(t, c.Open(context.Background()), fault.ErrAlreadyOpened)

	require.NoError(t, c.EnableMotionDatas(4))
	c.Ingress().PutMotion(device.RawMotion{Timestamp: 1})
	require.NoError(t, c.Close())
	assert.False(t, c.IsOpened())
	assert.False(t, c.IsMotionDatasEnabled(), "close resets every channel")
	assert.Empty(t, c.GetMotionDatas())

	require.NoError(t, c.Open(context.Background()))
	require.NoError(t, c.EnableMotionDatas(4))
	c.Ingress().PutMotion(device.RawMotion{Timestamp: 2})
	assert.Len(t, c.GetMotionDatas(), 1)
	require.NoError(t, c.Close())
}

type failingSource struct{ err error }

func (f failingSource) Run(context.Context, device.Sink) error { return f.err }

func TestSourceErrorSurfaces(t *testing.T) {
	t.Parallel()

	boom := errors.New("usb unplugged")
	c := New(Options{Source: failingSource{boom}, Scheduler: dispatch.NewManualScheduler()})
	require.NoError(t, c.Open(context.Background()))
	assert.ErrorIs(t, c.Wait(), boom)
	assert.ErrorIs(t, c.Close(), boom)
}

func TestCloseIsBarrierWithLiveSource(t *testing.T) {
	t.Parallel()

	c := New(Options{Source: &device.Sim{FrameRate: 2000, MotionPerFrame: 2}})
	require.NoError(t, c.EnableStreamData(stream.ImageLeftColor, channel.Config{Capacity: 1}))
	require.NoError(t, c.EnableStreamData(stream.ImageDepth, channel.Config{}))
	require.NoError(t, c.EnableImageInfo(true))
	require.NoError(t, c.EnableMotionDatas(16))

	var closed atomic.Bool
	var after, delivered atomic.Int64
	cb := func() {
		delivered.Add(1)
		if closed.Load() {
			after.Add(1)
		}
	}
	require.NoError(t, c.SetStreamCallback(stream.ImageLeftColor, func(stream.StreamItem) { cb() }, true))
	require.NoError(t, c.SetStreamCallback(stream.ImageDepth, func(stream.StreamItem) { cb() }, false))
	require.NoError(t, c.SetImgInfoCallback(func(stream.InfoItem) { cb() }, true))
	require.NoError(t, c.SetMotionCallback(func(stream.MotionItem) { cb() }, true))

	require.NoError(t, c.Open(context.Background()))
	assert.Eventually(t, func() bool { return delivered.Load() > 50 }, 5*time.Second, time.Millisecond)

	require.NoError(t, c.Close())
	closed.Store(true)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, after.Load())
	assert.Empty(t, c.EnabledChannels())
}

func TestConcurrentToggleDuringCapture(t *testing.T) {
	t.Parallel()

	c := New(Options{Source: &device.Sim{FrameRate: 1000}})
	require.NoError(t, c.EnableImageInfo(true))
	require.NoError(t, c.Open(context.Background()))

	var wg sync.WaitGroup
	for _, it := range stream.ImageTypes {
		wg.Add(1)
		go func(it stream.ImageType) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, c.EnableStreamData(it, DefaultStreamConfig()))
				assert.NoError(t, c.SetStreamCallback(it, func(stream.StreamItem) {}, i%2 == 0))
				c.GetStreamDatas(it)
				assert.NoError(t, c.DisableStreamData(it))
			}
		}(it)
	}
	wg.Wait()
	require.NoError(t, c.Close())
}

func TestCallbacksMayReadCamera(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name   string
		synced bool
		async  bool
	}{
		{"sync unpaired", false, false},
		{"sync paired", true, false},
		{"async unpaired", false, true},
		{"async paired", true, true},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			sched := dispatch.NewManualScheduler()
			c := openCamera(t, Options{Scheduler: sched})
			require.NoError(t, c.EnableStreamData(stream.ImageLeftColor, DefaultStreamConfig()))
			require.NoError(t, c.EnableImageInfo(tc.synced))

			var frames, infos atomic.Int32
			read := func() {
				c.Stats()
				c.GetStreamDatas(stream.ImageLeftColor)
				c.IsImageInfoSynced()
				c.HasAnyStreamEnabled()
			}
			require.NoError(t, c.SetStreamCallback(stream.ImageLeftColor, func(stream.StreamItem) {
				read()
				frames.Add(1)
			}, tc.async))
			require.NoError(t, c.SetImgInfoCallback(func(stream.InfoItem) {
				read()
				infos.Add(1)
			}, tc.async))

			done := make(chan struct{})
			go func() {
				defer close(done)
				c.Ingress().PutFrame(rawFrame(stream.ImageLeftColor, 1, 10, 1))
				c.Ingress().PutInfo(device.RawInfo{FrameID: 1, Timestamp: 10})
				sched.RunUntilIdle()
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("ingress blocked by a callback reading the camera")
			}
			assert.EqualValues(t, 1, frames.Load())
			assert.EqualValues(t, 1, infos.Load())
		})
	}
}

func TestSharedSchedulerClosesIndependently(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched := dispatch.NewGoroutineScheduler(ctx)

	a := New(Options{Scheduler: sched})
	b := New(Options{Scheduler: sched})
	require.NoError(t, a.Open(context.Background()))
	require.NoError(t, b.Open(context.Background()))

	var got atomic.Int32
	for _, c := range []*Camera{a, b} {
		require.NoError(t, c.EnableMotionDatas(0))
		require.NoError(t, c.SetMotionCallback(func(stream.MotionItem) { got.Add(1) }, true))
	}
	a.Ingress().PutMotion(device.RawMotion{Timestamp: 1})
	b.Ingress().PutMotion(device.RawMotion{Timestamp: 1})
	assert.Eventually(t, func() bool { return got.Load() == 2 }, 2*time.Second, time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- a.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("closing one camera waited for another camera's worker")
	}

	// b keeps delivering after a is gone.
	b.Ingress().PutMotion(device.RawMotion{Timestamp: 2})
	assert.Eventually(t, func() bool { return got.Load() == 3 }, 2*time.Second, time.Millisecond)
	require.NoError(t, b.Close())
}
