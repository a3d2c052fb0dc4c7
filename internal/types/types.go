package types

import (
	"fmt"
	"image"
	"strings"
	"time"
)

// Frame is a single captured camera image. It must not be mutated once published.
type Frame struct {
	Image     *image.RGBA
	Timestamp time.Time
	Seq       uint64
}

// Age returns how old the frame is relative to now.
func (f Frame) Age(now time.Time) time.Duration {
	return now.Sub(f.Timestamp)
}

// Valid reports whether the frame carries pixel data.
func (f Frame) Valid() bool {
	return f.Image != nil && len(f.Image.Pix) > 0
}

// LandmarkID names a facial keypoint produced by the detector.
type LandmarkID string

const (
	LeftEyeOuter   LandmarkID = "left_eye_outer"
	RightEyeOuter  LandmarkID = "right_eye_outer"
	NoseTip        LandmarkID = "nose_tip"
	MouthCenter    LandmarkID = "mouth_center"
	MouthLeft      LandmarkID = "mouth_left"
	MouthRight     LandmarkID = "mouth_right"
	ForeheadCenter LandmarkID = "forehead_center"
	Chin           LandmarkID = "chin"
)

// Point is a coordinate in frame space. Z is zero for 2-D detectors.
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// LandmarkSet is the output of one successful detection.
type LandmarkSet struct {
	Points     map[LandmarkID]Point
	Confidence float64
	// Seq and Timestamp identify the frame the set was computed from.
	Seq        uint64
	Timestamp  time.Time
	DetectedAt time.Time
}

// Point returns the named landmark and whether it was detected.
func (l LandmarkSet) Point(id LandmarkID) (Point, bool) {
	p, ok := l.Points[id]
	return p, ok
}

// Has reports whether every listed landmark is present.
func (l LandmarkSet) Has(ids ...LandmarkID) bool {
	for _, id := range ids {
		if _, ok := l.Points[id]; !ok {
			return false
		}
	}
	return true
}

// Category selects the anchoring rule for a sticker.
type Category int

const (
	Glasses Category = iota
	Crown
	Mustache
	Free
)

// AllCategories lists every category in declaration order.
var AllCategories = []Category{Glasses, Crown, Mustache, Free}

// AnchoredCategories lists the categories placed from landmarks.
var AnchoredCategories = []Category{Glasses, Crown, Mustache}

func (c Category) String() string {
	switch c {
	case Glasses:
		return "glasses"
	case Crown:
		return "crown"
	case Mustache:
		return "mustache"
	case Free:
		return "free"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// Anchored reports whether the category depends on detected landmarks.
func (c Category) Anchored() bool {
	return c != Free
}

// ParseCategory is the inverse of Category.String.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "glasses":
		return Glasses, nil
	case "crown":
		return Crown, nil
	case "mustache", "moustache":
		return Mustache, nil
	case "free":
		return Free, nil
	}
	return 0, fmt.Errorf("unknown sticker category %q (want glasses, crown, mustache or free)", s)
}

// AnchorTransform places a sticker: center position, uniform scale and rotation in radians.
// Scale is the target sticker width in frame pixels.
type AnchorTransform struct {
	X        float64 `json:"x" yaml:"x"`
	Y        float64 `json:"y" yaml:"y"`
	Scale    float64 `json:"scale" yaml:"scale"`
	Rotation float64 `json:"rotation" yaml:"rotation"`
}

// StickerSpec is one active overlay. Pin is only used for Free stickers.
type StickerSpec struct {
	ID       string
	Asset    string
	Category Category
	Pin      AnchorTransform
}

// CompositedFrame is the render output for one tick.
type CompositedFrame struct {
	Image      *image.RGBA
	Seq        uint64
	Timestamp  time.Time
	Drawn      int
	Suppressed int
	// Shared is true when Image aliases the source frame's pixels.
	Shared bool
}
