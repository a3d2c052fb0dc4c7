package detector

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/stickercam/internal/types"
	"github.com/andresmejia3/stickercam/internal/utils" // Using the SafeCommand wrapper
)

// Response status bytes written by the landmark worker.
const (
	statusOK     = 0
	statusError  = 1
	statusNoFace = 2
)

// maxResponseBytes guards against a corrupt length header making us allocate gigabytes.
const maxResponseBytes = 4 * 1024 * 1024

// WorkerConfig configures the python landmark worker.
type WorkerConfig struct {
	Script        string        // path to the worker script
	Python        string        // interpreter, default python3
	MinConfidence float64       // passed to the worker; faces below it are reported as "no face"
	ReadTimeout   time.Duration // max time to wait for one detection (0 = no limit)
}

// PythonWorker runs the landmark model in a long-lived python process.
//
// Protocol (stdin): [Len uint32][Width uint32][Height uint32][RGBA bytes]
// Protocol (FD 3):  [Len uint32][Status byte][Body]
//
//	Status 0: [Confidence float32][Count uint32] Count x ([NameLen uint8][Name][X f32][Y f32][Z f32])
//	Status 1: [MsgLen uint32][Msg]
//	Status 2: (empty) no face above threshold
type PythonWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration

	mu         sync.Mutex
	sent       uint64
	readerOnce sync.Once
	closeOnce  sync.Once
	replies    chan reply
	done       chan struct{}
	readErr    error // set before replies is closed
}

// NewPythonWorker starts the worker process. It is killed when ctx is cancelled.
func NewPythonWorker(ctx context.Context, id int, cfg WorkerConfig) (*PythonWorker, error) {
	python := cfg.Python
	if python == "" {
		python = "python3"
	}
	py := utils.NewSafeCommand(ctx, python, "-u", cfg.Script,
		"--min-confidence", strconv.FormatFloat(cfg.MinConfidence, 'f', -1, 64))

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}, nil
}

// Detect sends one frame and decodes the landmarks. Implements Detector.
//
// Replies are matched to requests by position. A request that times out or is
// cancelled still gets a reply from the worker later; that late reply is read and
// discarded before the next request's reply is returned.
func (w *PythonWorker) Detect(ctx context.Context, frame types.Frame) (types.LandmarkSet, error) {
	if !frame.Valid() {
		return types.LandmarkSet{}, errors.New("detect: empty frame")
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.readerOnce.Do(w.startReader)
	if err := w.send(frame); err != nil {
		return types.LandmarkSet{}, err
	}
	w.sent++
	resp, err := w.await(ctx, w.sent)
	if err != nil {
		return types.LandmarkSet{}, err
	}

	set, err := decodeLandmarks(resp)
	if err != nil {
		return types.LandmarkSet{}, err
	}
	set.Seq = frame.Seq
	set.Timestamp = frame.Timestamp
	set.DetectedAt = time.Now()
	return set, nil
}

func (w *PythonWorker) send(frame types.Frame) error {
	img := frame.Image
	b := img.Bounds()
	pix := img.Pix
	// Sub-images carry a stride wider than their width; repack those rows
	if img.Stride != b.Dx()*4 {
		pix = make([]byte, 0, b.Dx()*b.Dy()*4)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			off := img.PixOffset(b.Min.X, y)
			pix = append(pix, img.Pix[off:off+b.Dx()*4]...)
		}
	}

	header := make([]byte, 12)
	binary.BigEndian.PutUint32(header[0:4], uint32(8+len(pix)))
	binary.BigEndian.PutUint32(header[4:8], uint32(b.Dx()))
	binary.BigEndian.PutUint32(header[8:12], uint32(b.Dy()))
	if _, err := w.Stdin.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Stdin.Write(pix); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// await returns the body of reply number id, skipping replies to earlier requests
// that were abandoned.
func (w *PythonWorker) await(ctx context.Context, id uint64) ([]byte, error) {
	if w.replies == nil {
		return nil, fmt.Errorf("worker %d is closed", w.ID)
	}
	var timeout <-chan time.Time
	if w.ReadTimeout > 0 {
		t := time.NewTimer(w.ReadTimeout)
		defer t.Stop()
		timeout = t.C
	}
	for {
		select {
		case r, ok := <-w.replies:
			if !ok {
				return nil, w.readErr // This is where we catch worker crashes
			}
			if r.id < id {
				continue
			}
			return r.body, nil
		case <-timeout:
			return nil, fmt.Errorf("worker %d: no reply within %s", w.ID, w.ReadTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type reply struct {
	id   uint64
	body []byte
}

// startReader reads framed replies off the data pipe for the worker's lifetime.
// Reads never time out, so the framing stays intact whatever the callers do.
func (w *PythonWorker) startReader() {
	w.replies = make(chan reply, 1)
	w.done = make(chan struct{})
	go func() {
		defer close(w.replies)
		var id uint64
		for {
			body, err := readReply(w.DataPipe)
			if err != nil {
				w.readErr = err
				return
			}
			id++
			select {
			case w.replies <- reply{id: id, body: body}:
			case <-w.done:
				w.readErr = errors.New("worker closed")
				return
			}
		}
	}()
}

func readReply(r io.Reader) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, fmt.Errorf("read response header: %w", err)
	}
	respLen := binary.BigEndian.Uint32(lenBuf)
	if respLen > maxResponseBytes {
		return nil, fmt.Errorf("response too large: %d bytes", respLen)
	}
	resp := make([]byte, respLen)
	if _, err := io.ReadFull(r, resp); err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return resp, nil
}

func decodeLandmarks(resp []byte) (types.LandmarkSet, error) {
	if len(resp) == 0 {
		return types.LandmarkSet{}, errors.New("empty response from worker")
	}
	r := bytes.NewReader(resp[1:])

	switch resp[0] {
	case statusNoFace:
		return types.LandmarkSet{}, types.ErrNoFaceDetected
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return types.LandmarkSet{}, fmt.Errorf("read error length: %w", err)
		}
		if int(msgLen) > r.Len() {
			return types.LandmarkSet{}, fmt.Errorf("error message truncated")
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return types.LandmarkSet{}, fmt.Errorf("read error message: %w", err)
		}
		return types.LandmarkSet{}, fmt.Errorf("python worker error: %s", string(msg))
	case statusOK:
	default:
		return types.LandmarkSet{}, fmt.Errorf("unknown worker status %d", resp[0])
	}

	var conf float32
	if err := binary.Read(r, binary.BigEndian, &conf); err != nil {
		return types.LandmarkSet{}, fmt.Errorf("read confidence: %w", err)
	}
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return types.LandmarkSet{}, fmt.Errorf("read landmark count: %w", err)
	}
	// Each point needs at least 1+12 bytes; reject counts the payload can't hold
	if uint64(count)*13 > uint64(r.Len()) {
		return types.LandmarkSet{}, fmt.Errorf("landmark count %d exceeds payload", count)
	}

	set := types.LandmarkSet{
		Points:     make(map[types.LandmarkID]types.Point, count),
		Confidence: float64(conf),
	}
	for i := uint32(0); i < count; i++ {
		nameLen, err := r.ReadByte()
		if err != nil {
			return types.LandmarkSet{}, fmt.Errorf("read name length: %w", err)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return types.LandmarkSet{}, fmt.Errorf("read name: %w", err)
		}
		var xyz [3]float32
		if err := binary.Read(r, binary.BigEndian, &xyz); err != nil {
			return types.LandmarkSet{}, fmt.Errorf("read point %q: %w", name, err)
		}
		if isBad(xyz[0]) || isBad(xyz[1]) {
			continue // the model occasionally emits NaN for occluded points
		}
		set.Points[types.LandmarkID(name)] = types.Point{X: float64(xyz[0]), Y: float64(xyz[1]), Z: float64(xyz[2])}
	}
	return set, nil
}

func isBad(f float32) bool {
	v := float64(f)
	return math.IsNaN(v) || math.IsInf(v, 0)
}

// Close shuts the worker down and waits for it to exit.
func (w *PythonWorker) Close() error {
	w.closeOnce.Do(func() {
		// Also keeps a reader from starting after Close
		w.readerOnce.Do(func() {})
		if w.done != nil {
			close(w.done)
		}
	})
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
