package utils

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewFFmpegCameraDecoder(t *testing.T) {
	cmd := NewFFmpegCameraDecoder(context.Background(), CameraInput{
		Device: "/dev/video2",
		Format: "v4l2",
		Width:  640,
		Height: 480,
		FPS:    30,
	})

	args := strings.Join(cmd.Args, " ")
	assert.Contains(t, args, "-f v4l2")
	assert.Contains(t, args, "-i /dev/video2")
	assert.Contains(t, args, "-video_size 640x480")
	assert.Contains(t, args, "scale=640:480,fps=30")
	// Output must be raw RGBA on stdout, the capture package reads fixed-size frames
	assert.True(t, strings.HasSuffix(args, "-f rawvideo -pix_fmt rgba -"), args)
}

func TestNewFFmpegCameraDecoder_DefaultFormat(t *testing.T) {
	cmd := NewFFmpegCameraDecoder(context.Background(), CameraInput{Device: "0", Width: 2, Height: 2, FPS: 15})
	assert.Contains(t, strings.Join(cmd.Args, " "), "-f "+DefaultCameraFormat())
}

func TestNewFFmpegEncoder(t *testing.T) {
	cmd := NewFFmpegEncoder(context.Background(), "out.mp4", 29.97, 320, 240)
	args := strings.Join(cmd.Args, " ")
	assert.Contains(t, args, "-s 320x240")
	assert.Contains(t, args, "-r 29.97")
	assert.True(t, strings.HasSuffix(args, "out.mp4"))
}

func TestLockedBufferTruncates(t *testing.T) {
	b := &lockedBuffer{}
	chunk := strings.Repeat("x", 64*1024)
	for i := 0; i < 10; i++ {
		_, _ = b.Write([]byte(chunk))
	}
	assert.LessOrEqual(t, b.Len(), maxStderrBytes+len(chunk)+64)
	assert.Contains(t, b.String(), "truncated")
}

func TestSafeCommandLogsNil(t *testing.T) {
	var s *SafeCommand
	assert.Equal(t, "", s.Logs())
}
