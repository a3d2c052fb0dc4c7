package render

import (
	"context"
	"fmt"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/stickercam/internal/types"
	"github.com/andresmejia3/stickercam/internal/utils"
)

// Sink presents composited frames. Present is called from the render goroutine and must
// not keep a reference to f.Image after returning: the buffer is recycled.
type Sink interface {
	Present(f types.CompositedFrame) error
}

// FuncSink adapts a function to Sink.
type FuncSink func(f types.CompositedFrame) error

func (fn FuncSink) Present(f types.CompositedFrame) error { return fn(f) }

// DiscardSink drops every frame.
type DiscardSink struct{}

func (DiscardSink) Present(types.CompositedFrame) error { return nil }

// MultiSink presents to every sink in order and stops at the first error.
type MultiSink []Sink

func (m MultiSink) Present(f types.CompositedFrame) error {
	for _, s := range m {
		if err := s.Present(f); err != nil {
			return err
		}
	}
	return nil
}

// FFmpegSink pipes frames to an ffmpeg encoder writing to a file or stream URL.
// The encoder is started on the first frame, once the frame size is known.
type FFmpegSink struct {
	Output string
	FPS    float64
	Log    logrus.FieldLogger

	// newCmd is swapped in tests
	newCmd func(ctx context.Context, output string, fps float64, width, height int) *utils.SafeCommand

	mu     sync.Mutex
	ctx    context.Context
	cmd    *utils.SafeCommand
	in     io.WriteCloser
	width  int
	height int
	row    []byte
}

// NewFFmpegSink returns a sink whose encoder lives as long as ctx.
func NewFFmpegSink(ctx context.Context, output string, fps float64, log logrus.FieldLogger) *FFmpegSink {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &FFmpegSink{
		Output: output,
		FPS:    fps,
		Log:    log.WithField("component", "encoder"),
		newCmd: utils.NewFFmpegEncoder,
		ctx:    ctx,
	}
}

func (s *FFmpegSink) Present(f types.CompositedFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := f.Image.Bounds()
	if s.cmd == nil {
		if err := s.start(b.Dx(), b.Dy()); err != nil {
			return err
		}
	}
	if b.Dx() != s.width || b.Dy() != s.height {
		return fmt.Errorf("encoder: frame size changed from %dx%d to %dx%d", s.width, s.height, b.Dx(), b.Dy())
	}

	// Write row by row so sub-images and padded strides come out tightly packed
	img := f.Image
	rowLen := s.width * 4
	if img.Stride == rowLen && len(img.Pix) >= rowLen*s.height {
		_, err := s.in.Write(img.Pix[:rowLen*s.height])
		return s.wrap(err)
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		copy(s.row, img.Pix[off:off+rowLen])
		if _, err := s.in.Write(s.row); err != nil {
			return s.wrap(err)
		}
	}
	return nil
}

func (s *FFmpegSink) start(width, height int) error {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	cmd := s.newCmd(ctx, s.Output, s.FPS, width, height)
	in, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("encoder: stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("encoder: start: %w", err)
	}
	s.cmd, s.in = cmd, in
	s.width, s.height = width, height
	s.row = make([]byte, width*4)
	s.Log.WithFields(logrus.Fields{"output": s.Output, "size": fmt.Sprintf("%dx%d", width, height)}).Info("encoder started")
	return nil
}

func (s *FFmpegSink) wrap(err error) error {
	if err == nil {
		return nil
	}
	if logs := s.cmd.Logs(); logs != "" {
		return fmt.Errorf("encoder: %w (ffmpeg: %s)", err, logs)
	}
	return fmt.Errorf("encoder: %w", err)
}

// Close flushes the encoder and waits for it to finish writing the output.
func (s *FFmpegSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return nil
	}
	s.in.Close()
	err := s.cmd.Wait()
	cmd := s.cmd
	s.cmd, s.in = nil, nil
	if err != nil {
		return fmt.Errorf("encoder process failed: %w (%s)", err, cmd.Logs())
	}
	return nil
}

// SnapshotSink writes every Nth frame as a PNG into Dir.
type SnapshotSink struct {
	Dir   string
	Every uint64

	count uint64
}

func (s *SnapshotSink) Present(f types.CompositedFrame) error {
	s.count++
	every := s.Every
	if every == 0 {
		every = 1
	}
	if (s.count-1)%every != 0 {
		return nil
	}
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	path := filepath.Join(s.Dir, fmt.Sprintf("frame_%08d.png", f.Seq))
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if err := png.Encode(out, f.Image); err != nil {
		out.Close()
		return fmt.Errorf("snapshot %s: %w", path, err)
	}
	return out.Close()
}
