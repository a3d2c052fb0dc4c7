// Package capture pulls raw video frames from a camera.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/stickercam/internal/latest"
	"github.com/andresmejia3/stickercam/internal/types"
	"github.com/andresmejia3/stickercam/internal/utils"
)

// FrameSource produces frames in strictly increasing sequence order.
type FrameSource interface {
	// Open acquires the device. It must be called before NextFrame.
	Open(ctx context.Context) error
	// NextFrame blocks until the next frame is available.
	// Camera loss is reported as *types.DeviceError.
	NextFrame(ctx context.Context) (types.Frame, error)
	// Close releases the device. Safe to call more than once.
	Close() error
}

// FFmpegSource reads raw RGBA frames from an ffmpeg child process attached to a camera.
type FFmpegSource struct {
	Input utils.CameraInput
	Log   logrus.FieldLogger

	// newCmd is swapped in tests
	newCmd func(ctx context.Context, in utils.CameraInput) *utils.SafeCommand

	mu     sync.Mutex
	cmd    *utils.SafeCommand
	out    io.ReadCloser
	cancel context.CancelFunc
	seq    uint64
	pool   sync.Pool
}

// NewFFmpegSource returns a source for the given camera.
func NewFFmpegSource(in utils.CameraInput, log logrus.FieldLogger) *FFmpegSource {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &FFmpegSource{
		Input:  in,
		Log:    log.WithField("component", "capture"),
		newCmd: utils.NewFFmpegCameraDecoder,
	}
}

// NewFFmpegFileSource replays a video file at its native rate as if it were a camera.
func NewFFmpegFileSource(path string, width, height int, fps float64, log logrus.FieldLogger) *FFmpegSource {
	src := NewFFmpegSource(utils.CameraInput{Device: path, Width: width, Height: height, FPS: fps}, log)
	src.newCmd = func(ctx context.Context, in utils.CameraInput) *utils.SafeCommand {
		return utils.NewFFmpegFileDecoder(ctx, in.Device, in.Width, in.Height, in.FPS)
	}
	return src
}

// Open starts ffmpeg. A failure to start is a device error: the UI decides whether to retry.
func (s *FFmpegSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return fmt.Errorf("capture: source already open")
	}
	if s.Input.Width <= 0 || s.Input.Height <= 0 {
		return &types.DeviceError{Device: s.Input.Device, Err: fmt.Errorf("invalid frame size %dx%d", s.Input.Width, s.Input.Height)}
	}

	// The child must outlive the Open call, so it gets its own cancel tied to Close
	cctx, cancel := context.WithCancel(ctx)
	cmd := s.newCmd(cctx, s.Input)
	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return &types.DeviceError{Device: s.Input.Device, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return &types.DeviceError{Device: s.Input.Device, Err: fmt.Errorf("start ffmpeg: %w", err)}
	}

	s.cmd = cmd
	s.out = out
	s.cancel = cancel
	s.seq = 0
	frameSize := s.Input.Width * s.Input.Height * 4
	s.pool.New = func() any { return make([]byte, frameSize) }

	s.Log.WithFields(logrus.Fields{
		"device": s.Input.Device,
		"size":   fmt.Sprintf("%dx%d", s.Input.Width, s.Input.Height),
		"fps":    s.Input.FPS,
	}).Info("camera opened")
	return nil
}

// NextFrame reads exactly one frame worth of bytes from ffmpeg.
// A short read means the device went away (unplugged, permission revoked, ffmpeg crashed).
func (s *FFmpegSource) NextFrame(ctx context.Context) (types.Frame, error) {
	s.mu.Lock()
	out, cmd := s.out, s.cmd
	s.mu.Unlock()
	if out == nil {
		return types.Frame{}, &types.DeviceError{Device: s.Input.Device, Err: errors.New("source not open")}
	}
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}

	// Frames are published to other stages and never reused, so the pool only
	// recycles buffers from frames we failed to read.
	buf := s.pool.Get().([]byte)
	if _, err := io.ReadFull(out, buf); err != nil {
		s.pool.Put(buf)
		if ctx.Err() != nil {
			return types.Frame{}, ctx.Err()
		}
		if logs := cmd.Logs(); logs != "" {
			err = fmt.Errorf("%w (ffmpeg: %s)", err, lastLine(logs))
		}
		return types.Frame{}, &types.DeviceError{Device: s.Input.Device, Err: err}
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	img := &image.RGBA{
		Pix:    buf,
		Stride: s.Input.Width * 4,
		Rect:   image.Rect(0, 0, s.Input.Width, s.Input.Height),
	}
	return types.Frame{Image: img, Timestamp: time.Now(), Seq: seq}, nil
}

// Close stops ffmpeg and releases the camera.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	cmd, out, cancel := s.cmd, s.out, s.cancel
	s.cmd, s.out, s.cancel = nil, nil, nil
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}
	out.Close() // Ensure pipe is closed to prevent leaks/zombies
	cancel()
	// Killed by our cancel: the exit status carries no information
	_ = cmd.Wait()
	s.Log.WithField("device", s.Input.Device).Info("camera released")
	return nil
}

func lastLine(s string) string {
	end := len(s)
	for end > 0 && (s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	start := end
	for start > 0 && s[start-1] != '\n' {
		start--
	}
	return s[start:end]
}

// Pump reads frames from src into cell until ctx is cancelled or the device fails.
// A device error is returned (and nothing else is published); cancellation returns nil.
func Pump(ctx context.Context, src FrameSource, cell *latest.Cell[types.Frame], onFrame func(types.Frame)) error {
	var last uint64
	for {
		frame, err := src.NextFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		// Sources promise ordering; enforce it so the render loop never goes backwards
		if frame.Seq <= last {
			continue
		}
		last = frame.Seq
		cell.Store(frame)
		if onFrame != nil {
			onFrame(frame)
		}
	}
}
