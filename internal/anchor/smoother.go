package anchor

import (
	"math"

	"github.com/andresmejia3/stickercam/internal/types"
)

// Smoother applies an exponential moving average to each category's transform so that
// landmark noise between detections doesn't make stickers jitter.
//
// Not safe for concurrent use; it belongs to the render loop goroutine.
type Smoother struct {
	alpha float64
	state map[types.Category]types.AnchorTransform
}

// NewSmoother returns a smoother with weight alpha for new samples.
// alpha is clamped to (0, 1]; 1 disables smoothing.
func NewSmoother(alpha float64) *Smoother {
	if alpha <= 0 || alpha > 1 {
		alpha = 1
	}
	return &Smoother{alpha: alpha, state: make(map[types.Category]types.AnchorTransform)}
}

// Update blends t into the category's running average and returns the result.
// The first sample after a reset is taken as-is.
func (s *Smoother) Update(c types.Category, t types.AnchorTransform) types.AnchorTransform {
	prev, ok := s.state[c]
	if !ok {
		s.state[c] = t
		return t
	}
	a := s.alpha
	out := types.AnchorTransform{
		X:     prev.X + a*(t.X-prev.X),
		Y:     prev.Y + a*(t.Y-prev.Y),
		Scale: prev.Scale + a*(t.Scale-prev.Scale),
		// Blend along the shortest arc so 179 and -179 degrees average to 180, not 0
		Rotation: wrapAngle(prev.Rotation + a*wrapAngle(t.Rotation-prev.Rotation)),
	}
	s.state[c] = out
	return out
}

// Forget drops a category's history, e.g. after its anchor went unavailable.
func (s *Smoother) Forget(c types.Category) {
	delete(s.state, c)
}

// Reset drops all history.
func (s *Smoother) Reset() {
	clear(s.state)
}

// wrapAngle maps an angle into [-pi, pi).
func wrapAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}
