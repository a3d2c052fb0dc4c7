package capture

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/andresmejia3/stickercam/internal/types"
)

// SyntheticSource generates frames without a camera. It is used by tests and the --demo flag.
type SyntheticSource struct {
	Width, Height int
	// Interval between frames; zero means as fast as NextFrame is called.
	Interval time.Duration
	// FailAfter makes the source report a device error after that many frames (0 = never).
	FailAfter uint64
	// Fill paints a frame; nil paints a horizontal gradient.
	Fill func(img *image.RGBA, seq uint64)

	mu     sync.Mutex
	open   bool
	seq    uint64
	next   time.Time
	opened int
}

// Open resets the sequence. Reopening after Close starts a fresh stream.
func (s *SyntheticSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Width <= 0 || s.Height <= 0 {
		return &types.DeviceError{Device: "synthetic", Err: errors.New("invalid frame size")}
	}
	s.open = true
	s.seq = 0
	s.next = time.Now()
	s.opened++
	return nil
}

// NextFrame paces itself on Interval and returns a freshly allocated frame.
func (s *SyntheticSource) NextFrame(ctx context.Context) (types.Frame, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return types.Frame{}, &types.DeviceError{Device: "synthetic", Err: errors.New("source closed")}
	}
	if s.FailAfter > 0 && s.seq >= s.FailAfter {
		s.mu.Unlock()
		return types.Frame{}, &types.DeviceError{Device: "synthetic", Err: errors.New("device disconnected")}
	}
	wait := time.Until(s.next)
	s.next = s.next.Add(s.Interval)
	if wait < 0 {
		// Fell behind, don't try to catch up with a burst
		s.next = time.Now().Add(s.Interval)
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return types.Frame{}, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}

	img := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	if s.Fill != nil {
		s.Fill(img, seq)
	} else {
		gradient(img, seq)
	}
	return types.Frame{Image: img, Timestamp: time.Now(), Seq: seq}, nil
}

// Close marks the source closed; pending NextFrame calls fail with a device error.
func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	return nil
}

// Opens returns how many times Open succeeded.
func (s *SyntheticSource) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func gradient(img *image.RGBA, seq uint64) {
	b := img.Bounds()
	w := b.Dx()
	if w == 0 {
		return
	}
	shift := uint8(seq)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := uint8((x-b.Min.X)*255/w) + shift
			img.SetRGBA(x, y, color.RGBA{R: v, G: v / 2, B: 255 - v, A: 255})
		}
	}
}

// Solid returns a Fill func painting every pixel c.
func Solid(c color.RGBA) func(*image.RGBA, uint64) {
	return func(img *image.RGBA, _ uint64) {
		pix := img.Pix
		for i := 0; i+3 < len(pix); i += 4 {
			pix[i], pix[i+1], pix[i+2], pix[i+3] = c.R, c.G, c.B, c.A
		}
	}
}
