// Package anchor converts detected landmarks into sticker placements.
package anchor

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/andresmejia3/stickercam/internal/types"
)

// ErrFreeCategory is returned for free stickers, which are placed by their pin instead.
var ErrFreeCategory = errors.New("free stickers are not anchored to landmarks")

// Params are the tunable per-category constants. Scales are multiples of a face
// measurement and yield the sticker width in frame pixels.
type Params struct {
	MinConfidence float64 `yaml:"min_confidence"`

	// Glasses: width = eye-outer distance * GlassesScale, centered on the eye midpoint and
	// optionally nudged down the face by GlassesDrop * distance.
	GlassesScale float64 `yaml:"glasses_scale"`
	GlassesDrop  float64 `yaml:"glasses_drop"`

	// Crown: raised CrownLift * faceHeight above the forehead, width = faceHeight * CrownScale.
	// Without a chin, faceHeight is estimated as CrownFallbackHeight * eye distance.
	CrownLift           float64 `yaml:"crown_lift"`
	CrownScale          float64 `yaml:"crown_scale"`
	CrownFallbackHeight float64 `yaml:"crown_fallback_height"`

	// Mustache: placed MustacheBias of the way from nose tip to mouth center,
	// width = mouth width * MustacheScale.
	MustacheScale float64 `yaml:"mustache_scale"`
	MustacheBias  float64 `yaml:"mustache_bias"`
}

// DefaultParams returns constants that look right on a frontal webcam face.
func DefaultParams() Params {
	return Params{
		MinConfidence:       0.5,
		GlassesScale:        1.6,
		GlassesDrop:         0,
		CrownLift:           0.35,
		CrownScale:          0.9,
		CrownFallbackHeight: 2.2,
		MustacheScale:       1.4,
		MustacheBias:        0.5,
	}
}

// Validate rejects parameters that would produce degenerate transforms.
func (p Params) Validate() error {
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be between 0.0 and 1.0, got %f", p.MinConfidence)
	}
	for name, v := range map[string]float64{
		"glasses_scale":         p.GlassesScale,
		"crown_scale":           p.CrownScale,
		"crown_fallback_height": p.CrownFallbackHeight,
		"mustache_scale":        p.MustacheScale,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", name, v)
		}
	}
	if p.MustacheBias < 0 || p.MustacheBias > 1 {
		return fmt.Errorf("mustache_bias must be between 0.0 and 1.0, got %f", p.MustacheBias)
	}
	return nil
}

// Anchor is a resolution outcome for one category.
type Anchor struct {
	Transform types.AnchorTransform
	OK        bool
}

// Resolved holds one tick's anchors plus the identity of the frame the landmarks came from,
// so consumers can enforce staleness.
type Resolved struct {
	ByCategory map[types.Category]Anchor
	Seq        uint64
	Timestamp  time.Time
}

// Get returns the anchor for c; missing categories are not OK.
func (r Resolved) Get(c types.Category) Anchor {
	return r.ByCategory[c]
}

// None is a Resolved with every anchored category unavailable.
func None() Resolved {
	return Resolved{}
}

// Resolver maps landmarks to transforms. It holds no state: the same inputs always
// give the same output.
type Resolver struct {
	Params Params
}

// NewResolver returns a resolver using p.
func NewResolver(p Params) Resolver {
	return Resolver{Params: p}
}

// Resolve computes the placement for category c. It returns types.ErrUnavailable when
// the landmarks it needs are missing or the detection is not confident enough;
// it never guesses.
func (r Resolver) Resolve(set types.LandmarkSet, c types.Category) (types.AnchorTransform, error) {
	if c == types.Free {
		return types.AnchorTransform{}, ErrFreeCategory
	}
	if set.Confidence < r.Params.MinConfidence {
		return types.AnchorTransform{}, types.ErrUnavailable
	}

	switch c {
	case types.Glasses:
		return r.glasses(set)
	case types.Crown:
		return r.crown(set)
	case types.Mustache:
		return r.mustache(set)
	}
	return types.AnchorTransform{}, fmt.Errorf("resolve: unknown category %v", c)
}

// ResolveAll resolves every anchored category.
func (r Resolver) ResolveAll(set types.LandmarkSet) Resolved {
	out := Resolved{
		ByCategory: make(map[types.Category]Anchor, len(types.AnchoredCategories)),
		Seq:        set.Seq,
		Timestamp:  set.Timestamp,
	}
	for _, c := range types.AnchoredCategories {
		t, err := r.Resolve(set, c)
		out.ByCategory[c] = Anchor{Transform: t, OK: err == nil}
	}
	return out
}

func (r Resolver) glasses(set types.LandmarkSet) (types.AnchorTransform, error) {
	l, okL := set.Point(types.LeftEyeOuter)
	rt, okR := set.Point(types.RightEyeOuter)
	if !okL || !okR {
		return types.AnchorTransform{}, types.ErrUnavailable
	}
	d := dist(l, rt)
	if d == 0 {
		return types.AnchorTransform{}, types.ErrUnavailable
	}
	angle := math.Atan2(rt.Y-l.Y, rt.X-l.X)
	mx, my := (l.X+rt.X)/2, (l.Y+rt.Y)/2
	// "Down the face" is the eye line rotated by +90 degrees
	dx, dy := -math.Sin(angle), math.Cos(angle)
	drop := r.Params.GlassesDrop * d
	return types.AnchorTransform{
		X:        mx + dx*drop,
		Y:        my + dy*drop,
		Scale:    d * r.Params.GlassesScale,
		Rotation: angle,
	}, nil
}

func (r Resolver) crown(set types.LandmarkSet) (types.AnchorTransform, error) {
	fh, ok := set.Point(types.ForeheadCenter)
	if !ok {
		return types.AnchorTransform{}, types.ErrUnavailable
	}
	l, okL := set.Point(types.LeftEyeOuter)
	rt, okR := set.Point(types.RightEyeOuter)
	chin, okChin := set.Point(types.Chin)

	var height, angle float64
	switch {
	case okChin:
		height = dist(fh, chin)
		// Chin-to-forehead points straight up (-90 degrees) on an upright face
		angle = math.Atan2(fh.Y-chin.Y, fh.X-chin.X) + math.Pi/2
	case okL && okR:
		height = dist(l, rt) * r.Params.CrownFallbackHeight
	default:
		return types.AnchorTransform{}, types.ErrUnavailable
	}
	// The eye line is a steadier roll estimate than the long forehead-chin axis
	if okL && okR && dist(l, rt) > 0 {
		angle = math.Atan2(rt.Y-l.Y, rt.X-l.X)
	}
	if height == 0 {
		return types.AnchorTransform{}, types.ErrUnavailable
	}

	ux, uy := math.Sin(angle), -math.Cos(angle) // "up the face"
	lift := r.Params.CrownLift * height
	return types.AnchorTransform{
		X:        fh.X + ux*lift,
		Y:        fh.Y + uy*lift,
		Scale:    height * r.Params.CrownScale,
		Rotation: angle,
	}, nil
}

func (r Resolver) mustache(set types.LandmarkSet) (types.AnchorTransform, error) {
	if !set.Has(types.NoseTip, types.MouthCenter, types.MouthLeft, types.MouthRight) {
		return types.AnchorTransform{}, types.ErrUnavailable
	}
	nose := set.Points[types.NoseTip]
	mouth := set.Points[types.MouthCenter]
	ml, mr := set.Points[types.MouthLeft], set.Points[types.MouthRight]

	width := dist(ml, mr)
	if width == 0 {
		return types.AnchorTransform{}, types.ErrUnavailable
	}
	b := r.Params.MustacheBias
	return types.AnchorTransform{
		X:        nose.X + (mouth.X-nose.X)*b,
		Y:        nose.Y + (mouth.Y-nose.Y)*b,
		Scale:    width * r.Params.MustacheScale,
		Rotation: math.Atan2(mr.Y-ml.Y, mr.X-ml.X),
	}, nil
}

func dist(a, b types.Point) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}
