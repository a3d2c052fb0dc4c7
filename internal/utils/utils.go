package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python/FFmpeg logs)
// This ensures we don't lose critical crash information if a child process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *lockedBuffer
}

// lockedBuffer is a bytes.Buffer safe for the child's writer goroutine and our readers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Cap the log so a chatty child can't grow memory forever
	if b.buf.Len() > maxStderrBytes {
		b.buf.Reset()
		b.buf.WriteString("[... truncated ...]\n")
	}
	return b.buf.Write(p)
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const maxStderrBytes = 256 * 1024

// NewSafeCommand initializes a command bound to ctx and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Logs returns whatever the child wrote to stderr so far.
func (s *SafeCommand) Logs() string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	return s.Stderr.String()
}

// ShowError prints a formatted error box and dumps child process logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 STICKERCAM ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nCHILD PROCESS LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy for setup failures that leave nothing to clean up.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 2. Video Engine (Camera in, Composited video out) ---

// CameraInput describes the capture device handed to FFmpeg.
type CameraInput struct {
	Device string // e.g. /dev/video0, "0" (avfoundation), "video=Integrated Camera" (dshow)
	Format string // ffmpeg input format, empty = platform default
	Width  int
	Height int
	FPS    float64
}

// DefaultCameraFormat picks the FFmpeg demuxer for the local platform's webcams.
func DefaultCameraFormat() string {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation"
	case "windows":
		return "dshow"
	default:
		return "v4l2"
	}
}

// NewFFmpegCameraDecoder creates a decoder pipe for a live camera.
// It configures FFmpeg to output raw RGBA frames of exactly Width x Height to Stdout.
func NewFFmpegCameraDecoder(ctx context.Context, in CameraInput) *SafeCommand {
	format := in.Format
	if format == "" {
		format = DefaultCameraFormat()
	}
	fps := strconv.FormatFloat(in.FPS, 'f', -1, 64)
	size := fmt.Sprintf("%dx%d", in.Width, in.Height)

	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", format, "-framerate", fps, "-video_size", size, "-i", in.Device,
		// Scale anyway: some drivers ignore -video_size
		"-vf", fmt.Sprintf("scale=%d:%d,fps=%s", in.Width, in.Height, fps),
		"-f", "rawvideo", "-pix_fmt", "rgba", "-"}
	return NewSafeCommand(ctx, "ffmpeg", args...)
}

// NewFFmpegFileDecoder decodes a video file as if it were a camera (useful for demos and replays).
// -re throttles reading to the native frame rate.
func NewFFmpegFileDecoder(ctx context.Context, path string, width, height int, fps float64) *SafeCommand {
	f := strconv.FormatFloat(fps, 'f', -1, 64)
	return NewSafeCommand(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error", "-nostdin", "-re",
		"-i", path,
		"-vf", fmt.Sprintf("scale=%d:%d,fps=%s", width, height, f),
		"-f", "rawvideo", "-pix_fmt", "rgba", "-")
}

// NewFFmpegEncoder creates an encoder that reads raw RGBA frames on Stdin.
// The output may be a file path or any URL FFmpeg can mux to (rtmp://, udp://...).
func NewFFmpegEncoder(ctx context.Context, output string, fps float64, width, height int) *SafeCommand {
	return NewSafeCommand(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
		"-c:v", "libx264", "-preset", "ultrafast", "-tune", "zerolatency", "-pix_fmt", "yuv420p",
		output)
}

// CheckBinary verifies a required executable is on PATH.
func CheckBinary(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	return nil
}
