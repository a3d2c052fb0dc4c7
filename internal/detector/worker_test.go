package detector

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"io"
	"math"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/stickercam/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

type point struct {
	name    string
	x, y, z float32
}

func okPayload(conf float32, points ...point) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusOK)
	binary.Write(payload, binary.BigEndian, conf)
	binary.Write(payload, binary.BigEndian, uint32(len(points)))
	for _, p := range points {
		payload.WriteByte(byte(len(p.name)))
		payload.WriteString(p.name)
		binary.Write(payload, binary.BigEndian, [3]float32{p.x, p.y, p.z})
	}
	return payload.Bytes()
}

func newMockWorker(responses ...[]byte) (*PythonWorker, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	for _, r := range responses {
		binary.Write(dataPipeMock, binary.BigEndian, uint32(len(r)))
		dataPipeMock.Write(r)
	}
	// Cmd is nil because we aren't testing process management, just the protocol
	return &PythonWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}, stdinMock
}

func testFrame(w, h int, seq uint64) types.Frame {
	return types.Frame{Image: image.NewRGBA(image.Rect(0, 0, w, h)), Timestamp: time.Unix(100, 0), Seq: seq}
}

func TestDetect(t *testing.T) {
	w, stdin := newMockWorker(okPayload(0.93,
		point{"left_eye_outer", 100, 100, 0},
		point{"right_eye_outer", 140, 100, 0},
	))

	set, err := w.Detect(context.Background(), testFrame(4, 3, 7))
	require.NoError(t, err)

	// Verify Go sent the correct data TO Python: 4 len + 8 dims + 4*3*4 pixels
	sent := stdin.Bytes()
	require.Len(t, sent, 12+4*3*4)
	assert.Equal(t, uint32(8+48), binary.BigEndian.Uint32(sent[0:4]))
	assert.Equal(t, uint32(4), binary.BigEndian.Uint32(sent[4:8]))
	assert.Equal(t, uint32(3), binary.BigEndian.Uint32(sent[8:12]))

	// Verify Go read the correct data FROM Python
	assert.InDelta(t, 0.93, set.Confidence, 1e-6)
	assert.Equal(t, uint64(7), set.Seq)
	assert.Equal(t, time.Unix(100, 0), set.Timestamp)
	p, ok := set.Point(types.RightEyeOuter)
	require.True(t, ok)
	assert.Equal(t, 140.0, p.X)
}

func TestDetect_SubImageIsRepacked(t *testing.T) {
	w, stdin := newMockWorker(okPayload(1))
	full := image.NewRGBA(image.Rect(0, 0, 10, 10))
	sub := full.SubImage(image.Rect(2, 2, 5, 4)).(*image.RGBA)

	_, err := w.Detect(context.Background(), types.Frame{Image: sub, Seq: 1})
	require.NoError(t, err)
	assert.Len(t, stdin.Bytes(), 12+3*2*4)
}

func TestDetect_NoFace(t *testing.T) {
	w, _ := newMockWorker([]byte{statusNoFace})
	_, err := w.Detect(context.Background(), testFrame(2, 2, 1))
	assert.ErrorIs(t, err, types.ErrNoFaceDetected)
}

func TestDetect_Error(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusError)
	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	w, _ := newMockWorker(payload.Bytes())
	_, err := w.Detect(context.Background(), testFrame(2, 2, 1))
	require.Error(t, err)
	assert.Equal(t, "python worker error: "+errMsg, err.Error())
}

func TestDetect_DropsNaNPoints(t *testing.T) {
	nan := float32(math.NaN())
	w, _ := newMockWorker(okPayload(0.9,
		point{"nose_tip", nan, 3, 0},
		point{"chin", 5, 6, 0},
	))
	set, err := w.Detect(context.Background(), testFrame(2, 2, 1))
	require.NoError(t, err)
	assert.False(t, set.Has(types.NoseTip))
	assert.True(t, set.Has(types.Chin))
}

func TestDetect_CorruptPayloads(t *testing.T) {
	tests := []struct {
		name string
		resp []byte
	}{
		{"empty", []byte{}},
		{"unknown status", []byte{9}},
		{"count exceeds payload", func() []byte {
			b := okPayload(1)
			binary.BigEndian.PutUint32(b[5:9], 1000)
			return b
		}()},
		{"truncated error", []byte{statusError, 0, 0, 0, 50, 'x'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := newMockWorker(tt.resp)
			_, err := w.Detect(context.Background(), testFrame(2, 2, 1))
			assert.Error(t, err)
			assert.False(t, errors.Is(err, types.ErrNoFaceDetected))
		})
	}
}

func TestDetect_CrashedWorker(t *testing.T) {
	w, _ := newMockWorker() // nothing to read: the worker died
	_, err := w.Detect(context.Background(), testFrame(2, 2, 1))
	assert.Error(t, err)
}

func TestDetect_EmptyFrame(t *testing.T) {
	w, _ := newMockWorker()
	_, err := w.Detect(context.Background(), types.Frame{})
	assert.Error(t, err)
}

// fakeWorker answers each request with left_eye_outer.x set to the request's frame width.
// delay(n) is how long it sits on the n-th request (1-based) before replying.
func fakeWorker(t *testing.T, delay func(n int) time.Duration) *PythonWorker {
	t.Helper()
	reqR, reqW := io.Pipe()
	dataR, dataW, err := os.Pipe()
	require.NoError(t, err)

	go func() {
		defer dataW.Close()
		for n := 1; ; n++ {
			header := make([]byte, 12)
			if _, err := io.ReadFull(reqR, header); err != nil {
				return
			}
			width := binary.BigEndian.Uint32(header[4:8])
			if _, err := io.CopyN(io.Discard, reqR, int64(binary.BigEndian.Uint32(header[0:4])-8)); err != nil {
				return
			}
			time.Sleep(delay(n))
			resp := okPayload(1, point{"left_eye_outer", float32(width), 0, 0})
			binary.Write(dataW, binary.BigEndian, uint32(len(resp)))
			if _, err := dataW.Write(resp); err != nil {
				return
			}
		}
	}()

	w := &PythonWorker{ID: 1, Stdin: reqW, DataPipe: dataR}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestDetect_LateReplyIsNotMistakenForTheNextOne(t *testing.T) {
	w := fakeWorker(t, func(n int) time.Duration {
		if n == 1 {
			return 150 * time.Millisecond
		}
		return 0
	})
	w.ReadTimeout = 50 * time.Millisecond

	_, err := w.Detect(context.Background(), testFrame(11, 1, 1))
	require.Error(t, err, "first request must time out")

	set, err := w.Detect(context.Background(), testFrame(22, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), set.Seq)
	p, ok := set.Point(types.LeftEyeOuter)
	require.True(t, ok)
	assert.Equal(t, 22.0, p.X, "landmarks must come from the frame they are tagged with")

	// And the stream stays in step afterwards
	set, err = w.Detect(context.Background(), testFrame(33, 1, 3))
	require.NoError(t, err)
	p, _ = set.Point(types.LeftEyeOuter)
	assert.Equal(t, 33.0, p.X)
}

func TestDetect_CancelUnblocksWithoutTimeout(t *testing.T) {
	w := fakeWorker(t, func(int) time.Duration { return time.Hour })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	_, err := w.Detect(ctx, testFrame(4, 4, 1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDetect_AfterClose(t *testing.T) {
	w, _ := newMockWorker(okPayload(1))
	require.NoError(t, w.Close())
	_, err := w.Detect(context.Background(), testFrame(2, 2, 1))
	assert.Error(t, err)
}
