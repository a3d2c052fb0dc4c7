package render

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/stickercam/internal/anchor"
	"github.com/andresmejia3/stickercam/internal/capture"
	"github.com/andresmejia3/stickercam/internal/compositor"
	"github.com/andresmejia3/stickercam/internal/detector"
	"github.com/andresmejia3/stickercam/internal/registry"
	"github.com/andresmejia3/stickercam/internal/types"
)

var (
	gray  = color.RGBA{128, 128, 128, 255}
	red   = color.RGBA{255, 0, 0, 255}
	green = color.RGBA{0, 255, 0, 255}
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	capture.Solid(c)(img, 0)
	return img
}

// recorder keeps copies of presented frames; the originals are recycled after Present.
type recorder struct {
	mu     sync.Mutex
	frames []types.CompositedFrame
}

func (r *recorder) Present(f types.CompositedFrame) error {
	img := image.NewRGBA(f.Image.Rect)
	copy(img.Pix, f.Image.Pix)
	f.Image = img
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	return nil
}

func (r *recorder) all() []types.CompositedFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.CompositedFrame(nil), r.frames...)
}

func (r *recorder) last() (types.CompositedFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return types.CompositedFrame{}, false
	}
	return r.frames[len(r.frames)-1], true
}

type statusLog struct {
	mu    sync.Mutex
	kinds []StatusKind
	errs  []error
}

func (s *statusLog) record(st Status) {
	s.mu.Lock()
	s.kinds = append(s.kinds, st.Kind)
	s.errs = append(s.errs, st.Err)
	s.mu.Unlock()
}

func (s *statusLog) seen(k StatusKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, got := range s.kinds {
		if got == k {
			return true
		}
	}
	return false
}

func (s *statusLog) lastKind() StatusKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.kinds) == 0 {
		return -1
	}
	return s.kinds[len(s.kinds)-1]
}

func eyesAt(left, right types.Point) detector.Func {
	return func(ctx context.Context, frame types.Frame) (types.LandmarkSet, error) {
		return types.LandmarkSet{
			Points:     map[types.LandmarkID]types.Point{types.LeftEyeOuter: left, types.RightEyeOuter: right},
			Confidence: 0.9,
			Seq:        frame.Seq,
			Timestamp:  frame.Timestamp,
			DetectedAt: time.Now(),
		}, nil
	}
}

type harness struct {
	loop     *Loop
	src      *capture.SyntheticSource
	reg      *registry.Registry
	sink     *recorder
	statuses *statusLog
}

func newHarness(t *testing.T, det detector.Detector, mutate func(*Options)) *harness {
	t.Helper()
	log := quietLogger()
	cache := compositor.NewAssetCache(log)
	cache.Put("red.png", solid(10, 10, red))
	cache.Put("green.png", solid(10, 10, green))

	params := anchor.DefaultParams()

	h := &harness{
		src:      &capture.SyntheticSource{Width: 200, Height: 200, Interval: 5 * time.Millisecond, Fill: capture.Solid(gray)},
		reg:      registry.New(),
		sink:     &recorder{},
		statuses: &statusLog{},
	}
	opts := Options{
		Config:     Config{FPS: 100, Staleness: time.Second, Smoothing: 1},
		Source:     h.src,
		Detector:   det,
		Resolver:   anchor.NewResolver(params),
		Registry:   h.reg,
		Compositor: compositor.New(cache, log),
		Sink:       h.sink,
		Log:        log,
		OnStatus:   h.statuses.record,
	}
	if mutate != nil {
		mutate(&opts)
	}
	loop, err := New(opts)
	require.NoError(t, err)
	h.loop = loop
	t.Cleanup(loop.Stop)
	return h
}

func waitDone(t *testing.T, l *Loop) error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- l.Wait() }()
	select {
	case err := <-errc:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("render loop did not stop")
		return nil
	}
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	h := newHarness(t, eyesAt(types.Point{}, types.Point{}), nil)
	assert.Equal(t, Idle, h.loop.State())
}

// Eye-outer points at (100,100) and (140,100) put level glasses centred on (120,100),
// sized from the 40px eye distance.
func TestLoop_GlassesFollowEyes(t *testing.T) {
	h := newHarness(t, eyesAt(types.Point{X: 100, Y: 100}, types.Point{X: 140, Y: 100}), nil)
	h.reg.Add(types.StickerSpec{Asset: "red.png", Category: types.Glasses})

	require.NoError(t, h.loop.Start(context.Background()))
	assert.Equal(t, Running, h.loop.State())

	var drawn types.CompositedFrame
	require.Eventually(t, func() bool {
		for _, f := range h.sink.all() {
			if f.Drawn == 1 {
				drawn = f
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)
	h.loop.Stop()

	// Width = 40 * 1.6 = 64px square, centred on (120,100), no rotation
	img := drawn.Image
	assert.Equal(t, red, img.RGBAAt(120, 100))
	assert.Equal(t, red, img.RGBAAt(90, 70), "top-left corner")
	assert.Equal(t, red, img.RGBAAt(150, 130), "bottom-right corner")
	assert.Equal(t, gray, img.RGBAAt(85, 100))
	assert.Equal(t, gray, img.RGBAAt(155, 100))
	assert.Equal(t, gray, img.RGBAAt(120, 64))
	assert.True(t, h.statuses.seen(StatusTracking))

	require.NoError(t, waitDone(t, h.loop))
	assert.Equal(t, Stopped, h.loop.State())
	assert.Equal(t, StatusStopped, h.statuses.lastKind())
}

func TestLoop_NoFaceHidesAnchoredButDrawsFree(t *testing.T) {
	noFace := detector.Func(func(ctx context.Context, frame types.Frame) (types.LandmarkSet, error) {
		return types.LandmarkSet{}, types.ErrNoFaceDetected
	})
	h := newHarness(t, noFace, nil)
	h.reg.Add(types.StickerSpec{Asset: "red.png", Category: types.Glasses})
	h.reg.Add(types.StickerSpec{
		Asset:    "green.png",
		Category: types.Free,
		Pin:      types.AnchorTransform{X: 20, Y: 20, Scale: 10},
	})

	require.NoError(t, h.loop.Start(context.Background()))
	require.Eventually(t, func() bool { return len(h.sink.all()) >= 10 }, 3*time.Second, 5*time.Millisecond)
	h.loop.Stop()

	frames := h.sink.all()
	require.GreaterOrEqual(t, len(frames), 10)
	for i, f := range frames {
		assert.Equal(t, 1, f.Suppressed, "tick %d drew an anchored sticker", i)
		assert.Equal(t, 1, f.Drawn, "tick %d lost the free sticker", i)
		assert.Equal(t, green, f.Image.RGBAAt(20, 20))
	}
	assert.True(t, h.statuses.seen(StatusNoFace))
	assert.False(t, h.statuses.seen(StatusTracking))
}

func TestLoop_StaleLandmarksAreSuppressed(t *testing.T) {
	var calls sync.Mutex
	first := true
	// One good detection, then the detector hangs until cancelled
	stuck := detector.Func(func(ctx context.Context, frame types.Frame) (types.LandmarkSet, error) {
		calls.Lock()
		isFirst := first
		first = false
		calls.Unlock()
		if isFirst {
			return eyesAt(types.Point{X: 100, Y: 100}, types.Point{X: 140, Y: 100})(ctx, frame)
		}
		<-ctx.Done()
		return types.LandmarkSet{}, ctx.Err()
	})
	h := newHarness(t, stuck, func(o *Options) { o.Config.Staleness = 30 * time.Millisecond })
	h.reg.Add(types.StickerSpec{Asset: "red.png", Category: types.Glasses})

	require.NoError(t, h.loop.Start(context.Background()))
	require.Eventually(t, func() bool { return h.statuses.seen(StatusStale) }, 3*time.Second, 5*time.Millisecond)
	h.loop.Stop()

	f, ok := h.sink.last()
	require.True(t, ok)
	assert.Equal(t, 0, f.Drawn)
	assert.Equal(t, 1, f.Suppressed)
	assert.Equal(t, gray, f.Image.RGBAAt(120, 100))
	require.NoError(t, waitDone(t, h.loop), "stop must cancel the hung detection")
}

func TestLoop_StopWaitsForInFlightDetection(t *testing.T) {
	var inFlight atomic.Int32
	started := make(chan struct{}, 1)
	slow := detector.Func(func(ctx context.Context, frame types.Frame) (types.LandmarkSet, error) {
		inFlight.Add(1)
		defer inFlight.Add(-1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		// Still unwinding after cancellation
		time.Sleep(30 * time.Millisecond)
		return types.LandmarkSet{}, ctx.Err()
	})
	h := newHarness(t, slow, nil)

	require.NoError(t, h.loop.Start(context.Background()))
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("detection never started")
	}
	h.loop.Stop()
	assert.Equal(t, int32(0), inFlight.Load(), "detection goroutine outlived Stop")
	assert.Equal(t, Stopped, h.loop.State())
}

func TestLoop_DeviceErrorStops(t *testing.T) {
	h := newHarness(t, eyesAt(types.Point{X: 1}, types.Point{X: 2}), nil)
	h.src.FailAfter = 5

	require.NoError(t, h.loop.Start(context.Background()))
	err := waitDone(t, h.loop)
	require.Error(t, err)
	assert.True(t, types.IsDeviceError(err))
	assert.Equal(t, Stopped, h.loop.State())
	assert.Equal(t, StatusDeviceError, h.statuses.lastKind())

	// Stop on a stopped loop is harmless
	h.loop.Stop()
}

func TestLoop_OpenFailureIsDeviceError(t *testing.T) {
	h := newHarness(t, eyesAt(types.Point{}, types.Point{}), nil)
	h.src.Width = 0

	err := h.loop.Start(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsDeviceError(err))
	assert.Equal(t, Stopped, h.loop.State())
	assert.Equal(t, err, h.loop.Wait())
}

func TestLoop_RestartReopensSource(t *testing.T) {
	h := newHarness(t, eyesAt(types.Point{X: 100, Y: 100}, types.Point{X: 140, Y: 100}), nil)
	ctx := context.Background()

	require.NoError(t, h.loop.Start(ctx))
	assert.ErrorIs(t, h.loop.Start(ctx), ErrRunning)
	require.Eventually(t, func() bool { return h.loop.Ticks() > 0 }, 3*time.Second, 5*time.Millisecond)
	h.loop.Stop()
	assert.Equal(t, Stopped, h.loop.State())

	before := h.loop.Ticks()
	require.NoError(t, h.loop.Start(ctx))
	assert.Equal(t, Running, h.loop.State())
	assert.Equal(t, 2, h.src.Opens())
	require.Eventually(t, func() bool { return h.loop.Ticks() > before }, 3*time.Second, 5*time.Millisecond)
	h.loop.Stop()
	assert.NoError(t, h.loop.Wait())
}

func TestLoop_ContextCancelStops(t *testing.T) {
	h := newHarness(t, eyesAt(types.Point{}, types.Point{}), nil)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, h.loop.Start(ctx))
	cancel()
	assert.NoError(t, waitDone(t, h.loop))
	assert.Equal(t, Stopped, h.loop.State())
}

func TestLoop_SinkFailureStops(t *testing.T) {
	boom := errors.New("display gone")
	h := newHarness(t, eyesAt(types.Point{}, types.Point{}), func(o *Options) {
		o.Sink = FuncSink(func(types.CompositedFrame) error { return boom })
	})

	require.NoError(t, h.loop.Start(context.Background()))
	err := waitDone(t, h.loop)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StatusStopped, h.statuses.lastKind())
}

type countingObserver struct {
	mu        sync.Mutex
	captured  int
	rendered  int
	completed int
	skipped   int
	states    []State
}

func (o *countingObserver) FrameCaptured() {
	o.mu.Lock()
	o.captured++
	o.mu.Unlock()
}

func (o *countingObserver) TickRendered(drawn, suppressed int) {
	o.mu.Lock()
	o.rendered++
	o.mu.Unlock()
}

func (o *countingObserver) StateChanged(s State) {
	o.mu.Lock()
	o.states = append(o.states, s)
	o.mu.Unlock()
}

func (o *countingObserver) FramesSkipped(n int) {
	o.mu.Lock()
	o.skipped += n
	o.mu.Unlock()
}

func (o *countingObserver) TickSkipped()      {}
func (o *countingObserver) DetectionFailed()  {}
func (o *countingObserver) DetectionDropped() {}

func (o *countingObserver) DetectionCompleted(time.Duration, bool) {
	o.mu.Lock()
	o.completed++
	o.mu.Unlock()
}

func TestLoop_ReportsToObserver(t *testing.T) {
	obs := &countingObserver{}
	h := newHarness(t, eyesAt(types.Point{X: 100, Y: 100}, types.Point{X: 140, Y: 100}), func(o *Options) {
		o.Observer = obs
	})

	require.NoError(t, h.loop.Start(context.Background()))
	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		// Frames arrive every 5ms and ticks every 10ms, so some are never drawn
		return obs.rendered > 0 && obs.completed > 0 && obs.skipped > 0
	}, 3*time.Second, 5*time.Millisecond)
	h.loop.Stop()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Positive(t, obs.captured)
	assert.Equal(t, []State{Running, Stopped}, obs.states)
}
