package cmd

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/andresmejia3/stickercam/internal/types"
)

// parseStickerFlag parses "category:asset" with an optional "@x,y,scale,rotationDeg" pin,
// e.g. "crown:assets/crown.png" or "free:https://host/star.png@80,60,48,15".
func parseStickerFlag(s string) (types.StickerSpec, error) {
	cat, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return types.StickerSpec{}, fmt.Errorf("sticker %q: want category:asset[@x,y,scale,rot]", s)
	}
	category, err := types.ParseCategory(cat)
	if err != nil {
		return types.StickerSpec{}, err
	}

	spec := types.StickerSpec{Asset: rest, Category: category}
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		// Only treat the suffix as a pin if it parses; '@' may legitimately appear in a URL
		if pin, err := parsePin(strings.Split(rest[i+1:], ",")); err == nil {
			spec.Asset = rest[:i]
			spec.Pin = pin
		}
	}
	if spec.Asset == "" {
		return types.StickerSpec{}, fmt.Errorf("sticker %q: empty asset", s)
	}
	return spec, nil
}

// parsePin reads up to four numbers: x, y, scale (px width) and rotation (degrees).
func parsePin(fields []string) (types.AnchorTransform, error) {
	if len(fields) < 2 || len(fields) > 4 {
		return types.AnchorTransform{}, fmt.Errorf("pin wants x y [scale [rotation]], got %d values", len(fields))
	}
	vals := make([]float64, 4)
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return types.AnchorTransform{}, fmt.Errorf("pin value %q: %w", f, err)
		}
		vals[i] = v
	}
	return types.AnchorTransform{X: vals[0], Y: vals[1], Scale: vals[2], Rotation: vals[3] * math.Pi / 180}, nil
}
