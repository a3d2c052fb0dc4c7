// Package detector turns frames into facial landmarks.
//
// The landmark model itself is a black box behind the Detector interface. Async wraps a
// Detector so the render loop can hand it frames without ever waiting: at most one
// detection runs at a time, frames arriving meanwhile are dropped, and the newest
// result sits in a single-slot cell that readers poll.
package detector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/andresmejia3/stickercam/internal/latest"
	"github.com/andresmejia3/stickercam/internal/types"
)

// Detector finds landmarks in a frame. It returns types.ErrNoFaceDetected when
// no face meets the confidence threshold.
type Detector interface {
	Detect(ctx context.Context, frame types.Frame) (types.LandmarkSet, error)
}

// Func adapts a plain function to Detector.
type Func func(ctx context.Context, frame types.Frame) (types.LandmarkSet, error)

func (f Func) Detect(ctx context.Context, frame types.Frame) (types.LandmarkSet, error) {
	return f(ctx, frame)
}

// Result is one completed detection. Exactly one of Set or NoFace is meaningful.
type Result struct {
	Set    types.LandmarkSet
	NoFace bool
	// Seq and Timestamp of the frame the detection ran on.
	Seq       uint64
	Timestamp time.Time
	Latency   time.Duration
}

// Observer receives detection outcomes, typically a metrics collector.
type Observer interface {
	DetectionCompleted(latency time.Duration, noFace bool)
	DetectionFailed()
	DetectionDropped()
}

// Async runs a Detector off the caller's goroutine with at-most-one detection in flight.
type Async struct {
	det      Detector
	log      logrus.FieldLogger
	observer Observer
	results  *latest.Cell[Result]
	warn     *rate.Limiter

	inFlight atomic.Bool
	wg       sync.WaitGroup

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	gen     uint64
	running bool

	submitted atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewAsync wraps det. observer may be nil.
func NewAsync(det Detector, log logrus.FieldLogger, observer Observer) *Async {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Async{
		det:      det,
		log:      log.WithField("component", "detector"),
		observer: observer,
		results:  latest.New[Result](),
		// A broken model fails on every frame; one line every few seconds is plenty
		warn: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Start enables submissions and clears any previous result.
func (a *Async) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return
	}
	a.gen++
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.running = true
	a.results.Reset()
}

// Submit hands frame to the detector without blocking. It returns false when the
// frame was dropped because a detection is already running (or Async is stopped).
func (a *Async) Submit(frame types.Frame) bool {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return false
	}
	ctx, gen := a.ctx, a.gen
	a.mu.Unlock()

	if !a.inFlight.CompareAndSwap(false, true) {
		a.dropped.Add(1)
		if a.observer != nil {
			a.observer.DetectionDropped()
		}
		return false
	}

	a.submitted.Add(1)
	a.wg.Add(1)
	go a.run(ctx, gen, frame)
	return true
}

func (a *Async) run(ctx context.Context, gen uint64, frame types.Frame) {
	defer a.wg.Done()
	defer a.inFlight.Store(false)

	start := time.Now()
	set, err := a.det.Detect(ctx, frame)
	latency := time.Since(start)

	res := Result{Seq: frame.Seq, Timestamp: frame.Timestamp, Latency: latency}
	switch {
	case err == nil:
		res.Set = set
	case errors.Is(err, types.ErrNoFaceDetected):
		res.NoFace = true
	default:
		if ctx.Err() == nil {
			a.failed.Add(1)
			if a.observer != nil {
				a.observer.DetectionFailed()
			}
			if a.warn.Allow() {
				a.log.WithError(err).WithField("seq", frame.Seq).Warn("landmark detection failed")
			}
		}
		// No retry: the next submitted frame is the retry
		return
	}

	// Publish under the lock so Stop can't interleave between the check and the store
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen || ctx.Err() != nil {
		return // cancelled while in flight
	}
	a.results.Store(res)
	if a.observer != nil {
		a.observer.DetectionCompleted(latency, res.NoFace)
	}
}

// Latest returns the most recent completed detection without waiting.
func (a *Async) Latest() (Result, bool) {
	res, _, ok := a.results.Load()
	return res, ok
}

// Stop cancels the in-flight detection. Results that complete afterwards are discarded.
// It does not wait for the detector goroutine; use Wait for that.
func (a *Async) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return
	}
	a.running = false
	a.gen++
	a.cancel()
	a.results.Reset()
}

// Wait blocks until no detection goroutine is running.
func (a *Async) Wait() {
	a.wg.Wait()
}

// Stats are lifetime counters.
type Stats struct {
	Submitted uint64
	Dropped   uint64
	Failed    uint64
}

func (a *Async) Stats() Stats {
	return Stats{
		Submitted: a.submitted.Load(),
		Dropped:   a.dropped.Load(),
		Failed:    a.failed.Load(),
	}
}
