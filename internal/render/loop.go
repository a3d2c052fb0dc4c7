// Package render drives the sticker pipeline at a fixed cadence.
//
// Three goroutines run while the loop is Running: the capture pump writes each camera
// frame into a single-slot cell, the async detector works on whichever frame it was last
// handed, and the render ticker composes the newest frame with the newest usable
// landmarks. The render goroutine never waits on the other two.
package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/stickercam/internal/anchor"
	"github.com/andresmejia3/stickercam/internal/capture"
	"github.com/andresmejia3/stickercam/internal/compositor"
	"github.com/andresmejia3/stickercam/internal/detector"
	"github.com/andresmejia3/stickercam/internal/latest"
	"github.com/andresmejia3/stickercam/internal/registry"
	"github.com/andresmejia3/stickercam/internal/types"
)

// ErrRunning is returned by Start when the loop is already running.
var ErrRunning = errors.New("render loop already running")

// Config holds the loop's timing knobs.
type Config struct {
	// FPS is the render cadence. Ticks that fall behind are dropped, not queued.
	FPS float64
	// Staleness is the maximum age of a detection, relative to the frame being drawn,
	// that may still anchor stickers.
	Staleness time.Duration
	// Smoothing is the EMA weight of each new anchor sample, in (0, 1]. 1 disables smoothing.
	Smoothing float64
}

// DefaultConfig renders at 30 fps and trusts landmarks for half a second.
func DefaultConfig() Config {
	return Config{FPS: 30, Staleness: 500 * time.Millisecond, Smoothing: 0.5}
}

// Observer receives per-tick counters, typically a metrics collector.
type Observer interface {
	FrameCaptured()
	TickRendered(drawn, suppressed int)
	TickSkipped()
	// FramesSkipped reports camera frames replaced before any tick drew them.
	FramesSkipped(n int)
	StateChanged(s State)
}

// Options wires a Loop's collaborators.
type Options struct {
	Config     Config
	Source     capture.FrameSource
	Detector   detector.Detector
	Resolver   anchor.Resolver
	Registry   *registry.Registry
	Compositor *compositor.Compositor
	Sink       Sink
	Log        logrus.FieldLogger
	// Observer may also implement detector.Observer to receive detection outcomes.
	Observer Observer
	// OnStatus is called from the render goroutine whenever the status kind changes.
	OnStatus func(Status)
}

// Loop is the render state machine.
type Loop struct {
	cfg      Config
	src      capture.FrameSource
	det      *detector.Async
	resolver anchor.Resolver
	smoother *anchor.Smoother
	reg      *registry.Registry
	comp     *compositor.Compositor
	sink     Sink
	log      logrus.FieldLogger
	observer Observer
	onStatus func(Status)

	state atomic.Int32
	ticks atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	// Owned by the render goroutine
	lastSubmitted uint64
	overwrites    uint64
	lastStatus    StatusKind
	statusSent    bool
}

// New builds a loop in the Idle state.
func New(opts Options) (*Loop, error) {
	if opts.Source == nil || opts.Detector == nil || opts.Registry == nil || opts.Compositor == nil {
		return nil, errors.New("render: source, detector, registry and compositor are required")
	}
	if opts.Config.FPS <= 0 {
		return nil, fmt.Errorf("render: fps must be positive, got %f", opts.Config.FPS)
	}
	if opts.Sink == nil {
		opts.Sink = DiscardSink{}
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}

	var detObs detector.Observer
	if o, ok := opts.Observer.(detector.Observer); ok {
		detObs = o
	}
	return &Loop{
		cfg:      opts.Config,
		src:      opts.Source,
		det:      detector.NewAsync(opts.Detector, opts.Log, detObs),
		resolver: opts.Resolver,
		smoother: anchor.NewSmoother(opts.Config.Smoothing),
		reg:      opts.Registry,
		comp:     opts.Compositor,
		sink:     opts.Sink,
		log:      opts.Log.WithField("component", "render"),
		observer: opts.Observer,
		onStatus: opts.OnStatus,
	}, nil
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Ticks returns how many frames have been presented since the loop was created.
func (l *Loop) Ticks() uint64 {
	return l.ticks.Load()
}

// Detector exposes the async detector's counters.
func (l *Loop) Detector() detector.Stats {
	return l.det.Stats()
}

// Start opens the frame source and begins rendering. It is valid from Idle and Stopped;
// a restart reopens the camera and clears smoothing history.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.State() == Running {
		return ErrRunning
	}
	if l.done != nil {
		// The previous run may still be delivering its final status
		<-l.done
	}
	if err := l.src.Open(ctx); err != nil {
		l.err = err
		l.setState(Stopped)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.err = nil
	l.smoother.Reset()
	l.lastSubmitted = 0
	l.overwrites = 0
	l.statusSent = false
	l.det.Start(runCtx)
	l.setState(Running)

	frames := latest.New[types.Frame]()
	go l.run(runCtx, frames, l.done)
	l.log.WithField("fps", l.cfg.FPS).Info("render loop started")
	return nil
}

// Stop cancels any in-flight detection, releases the camera and waits for the
// render goroutine to exit. Stopping a loop that isn't running is a no-op.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Wait blocks until the loop leaves Running and returns the fatal error, if any.
func (l *Loop) Wait() error {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done != nil {
		<-done
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Loop) run(ctx context.Context, frames *latest.Cell[types.Frame], done chan struct{}) {
	pumpErr := make(chan error, 1)
	go func() {
		pumpErr <- capture.Pump(ctx, l.src, frames, func(types.Frame) {
			if l.observer != nil {
				l.observer.FrameCaptured()
			}
		})
	}()

	interval := time.Duration(float64(time.Second) / l.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var fatal error
	pumpDone := false
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-pumpErr:
			pumpDone = true
			if err != nil {
				fatal = err
			}
			break loop
		case <-ticker.C:
			if err := l.tick(frames); err != nil {
				fatal = err
				break loop
			}
		}
	}

	// Cancel first so a detection finishing now can't publish, then free the camera
	l.det.Stop()
	l.mu.Lock()
	l.cancel()
	l.cancel = nil
	l.mu.Unlock()
	if err := l.src.Close(); err != nil {
		l.log.WithError(err).Warn("closing frame source")
	}
	if !pumpDone {
		<-pumpErr
	}
	frames.Close()
	// The detection was cancelled above; make sure its goroutine is gone before Stopped
	l.det.Wait()

	l.mu.Lock()
	l.err = fatal
	l.setState(Stopped)
	l.mu.Unlock()

	if fatal != nil && types.IsDeviceError(fatal) {
		l.log.WithError(fatal).Error("camera lost, render loop stopped")
		l.emit(Status{Kind: StatusDeviceError, Err: fatal})
	} else {
		if fatal != nil {
			l.log.WithError(fatal).Error("render loop stopped")
		}
		l.emit(Status{Kind: StatusStopped, Err: fatal})
	}
	close(done)
}

// tick renders one frame. Only sink failures are returned; everything else degrades.
func (l *Loop) tick(frames *latest.Cell[types.Frame]) error {
	frame, _, ok := frames.Load()
	if !ok {
		if l.observer != nil {
			l.observer.TickSkipped()
		}
		return nil
	}
	if n := frames.Overwrites(); n > l.overwrites {
		if l.observer != nil {
			l.observer.FramesSkipped(int(n - l.overwrites))
		}
		l.overwrites = n
	}

	// The detector lags the camera; hand it the newest frame when it is free
	if frame.Seq > l.lastSubmitted && l.det.Submit(frame) {
		l.lastSubmitted = frame.Seq
	}

	anchors, kind, known := l.anchors(frame)
	out := l.comp.Compose(frame, l.reg.Snapshot(), anchors)
	err := l.sink.Present(out)
	l.comp.Release(out)
	if err != nil {
		return fmt.Errorf("present frame %d: %w", frame.Seq, err)
	}

	l.ticks.Add(1)
	if l.observer != nil {
		l.observer.TickRendered(out.Drawn, out.Suppressed)
	}
	if known {
		l.emit(Status{Kind: kind})
	}
	return nil
}

// anchors picks the landmarks for this tick and smooths them. known is false until
// the first detection completes.
func (l *Loop) anchors(frame types.Frame) (anchor.Resolved, StatusKind, bool) {
	res, ok := l.det.Latest()
	switch {
	case !ok:
		return anchor.None(), 0, false
	case res.NoFace:
		l.smoother.Reset()
		return anchor.None(), StatusNoFace, true
	case l.cfg.Staleness > 0 && frame.Timestamp.Sub(res.Timestamp) > l.cfg.Staleness:
		l.smoother.Reset()
		return anchor.None(), StatusStale, true
	}

	resolved := l.resolver.ResolveAll(res.Set)
	// Staleness is judged against the frame the detector actually saw
	resolved.Seq, resolved.Timestamp = res.Seq, res.Timestamp
	for c, a := range resolved.ByCategory {
		if !a.OK {
			l.smoother.Forget(c)
			continue
		}
		a.Transform = l.smoother.Update(c, a.Transform)
		resolved.ByCategory[c] = a
	}
	return resolved, StatusTracking, true
}

func (l *Loop) emit(s Status) {
	if l.statusSent && s.Kind == l.lastStatus && s.Err == nil {
		return
	}
	l.lastStatus, l.statusSent = s.Kind, true
	if s.Kind != StatusTracking {
		l.log.WithField("status", s.Kind.String()).Debug("status changed")
	}
	if l.onStatus != nil {
		l.onStatus(s)
	}
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
	if l.observer != nil {
		l.observer.StateChanged(s)
	}
}
