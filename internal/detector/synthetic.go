package detector

import (
	"context"
	"math"
	"time"

	"github.com/andresmejia3/stickercam/internal/types"
)

// SyntheticFace is a Detector that "finds" a face drifting in a slow circle around the
// frame center, tilting as it goes. It exercises the whole pipeline without a model.
type SyntheticFace struct {
	// Period of one full orbit.
	Period time.Duration
	// Latency simulates model inference time.
	Latency time.Duration
	// Start anchors the orbit phase; zero means the first frame's timestamp.
	Start time.Time
}

func (s *SyntheticFace) Detect(ctx context.Context, frame types.Frame) (types.LandmarkSet, error) {
	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return types.LandmarkSet{}, ctx.Err()
		case <-timer.C:
		}
	}
	if !frame.Valid() {
		return types.LandmarkSet{}, types.ErrNoFaceDetected
	}
	if s.Start.IsZero() {
		s.Start = frame.Timestamp
	}
	period := s.Period
	if period <= 0 {
		period = 6 * time.Second
	}

	b := frame.Image.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	phase := 2 * math.Pi * float64(frame.Timestamp.Sub(s.Start)%period) / float64(period)
	cx := float64(b.Min.X) + w/2 + 0.15*w*math.Cos(phase)
	cy := float64(b.Min.Y) + h/2 + 0.10*h*math.Sin(phase)
	size := 0.3 * math.Min(w, h) // inter-eye distance ~ face width / 2.5
	roll := 0.25 * math.Sin(phase)

	// Face-local offsets in units of eye distance, +y down the face
	local := map[types.LandmarkID][2]float64{
		types.LeftEyeOuter:   {-0.5, 0},
		types.RightEyeOuter:  {0.5, 0},
		types.ForeheadCenter: {0, -0.6},
		types.NoseTip:        {0, 0.45},
		types.MouthCenter:    {0, 0.85},
		types.MouthLeft:      {-0.3, 0.85},
		types.MouthRight:     {0.3, 0.85},
		types.Chin:           {0, 1.4},
	}
	sin, cos := math.Sincos(roll)
	pts := make(map[types.LandmarkID]types.Point, len(local))
	for id, o := range local {
		x, y := o[0]*size, o[1]*size
		pts[id] = types.Point{X: cx + x*cos - y*sin, Y: cy + x*sin + y*cos}
	}
	return types.LandmarkSet{
		Points:     pts,
		Confidence: 0.99,
		Seq:        frame.Seq,
		Timestamp:  frame.Timestamp,
		DetectedAt: time.Now(),
	}, nil
}
