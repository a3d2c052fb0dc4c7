package compositor

import (
	"image"
	"image/color"
	"io"
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/stickercam/internal/anchor"
	"github.com/andresmejia3/stickercam/internal/registry"
	"github.com/andresmejia3/stickercam/internal/types"
)

var (
	blue  = color.RGBA{0, 0, 255, 255}
	red   = color.RGBA{255, 0, 0, 255}
	green = color.RGBA{0, 255, 0, 255}
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func testFrame(ts time.Time) types.Frame {
	return types.Frame{Image: solid(100, 100, blue), Timestamp: ts, Seq: 1}
}

func newTestCompositor() (*Compositor, *AssetCache) {
	log := quietLogger()
	cache := NewAssetCache(log)
	cache.Put("red.png", solid(10, 10, red))
	cache.Put("green.png", solid(10, 10, green))
	cache.Put("clear.png", solid(10, 10, color.RGBA{}))
	cache.Put("bar.png", solid(20, 4, red))
	return New(cache, log), cache
}

func snapshotOf(specs ...types.StickerSpec) registry.Snapshot {
	r := registry.New()
	r.Load(specs)
	return r.Snapshot()
}

func pin(x, y, scale, rot float64) types.AnchorTransform {
	return types.AnchorTransform{X: x, Y: y, Scale: scale, Rotation: rot}
}

func TestCompose_EmptyRegistryIsIdentity(t *testing.T) {
	c, _ := newTestCompositor()
	frame := testFrame(time.Now())
	before := append([]byte(nil), frame.Image.Pix...)

	out := c.Compose(frame, registry.New().Snapshot(), anchor.None())
	assert.True(t, out.Shared)
	assert.Same(t, frame.Image, out.Image)
	assert.Equal(t, before, out.Image.Pix)
	assert.Equal(t, frame.Seq, out.Seq)
	assert.Zero(t, out.Drawn)
}

func TestCompose_FreeStickerDrawnAtPin(t *testing.T) {
	c, _ := newTestCompositor()
	frame := testFrame(time.Now())
	snap := snapshotOf(types.StickerSpec{ID: "1", Asset: "red.png", Category: types.Free, Pin: pin(50, 50, 20, 0)})

	out := c.Compose(frame, snap, anchor.None())
	require.False(t, out.Shared)
	assert.Equal(t, 1, out.Drawn)
	assert.Equal(t, red, out.Image.RGBAAt(50, 50))
	assert.Equal(t, red, out.Image.RGBAAt(41, 41))
	assert.Equal(t, blue, out.Image.RGBAAt(10, 10))
	assert.Equal(t, blue, out.Image.RGBAAt(65, 50))

	// The camera frame itself is never written to
	assert.Equal(t, blue, frame.Image.RGBAAt(50, 50))
	c.Release(out)
}

func TestCompose_FreeStickerNativeSize(t *testing.T) {
	c, _ := newTestCompositor()
	snap := snapshotOf(types.StickerSpec{ID: "1", Asset: "red.png", Category: types.Free, Pin: pin(50, 50, 0, 0)})

	out := c.Compose(testFrame(time.Now()), snap, anchor.None())
	assert.Equal(t, red, out.Image.RGBAAt(50, 50))
	assert.Equal(t, blue, out.Image.RGBAAt(58, 50), "10px asset must not be enlarged")
}

func TestCompose_UnavailableAnchorSuppressesSticker(t *testing.T) {
	c, _ := newTestCompositor()
	frame := testFrame(time.Now())
	before := append([]byte(nil), frame.Image.Pix...)
	snap := snapshotOf(types.StickerSpec{ID: "g", Asset: "red.png", Category: types.Glasses})

	out := c.Compose(frame, snap, anchor.None())
	assert.Equal(t, 1, out.Suppressed)
	assert.Zero(t, out.Drawn)
	assert.True(t, out.Shared, "nothing drawn, so no copy is made")
	assert.Equal(t, before, out.Image.Pix)
}

func TestCompose_AnchoredStickerFollowsAnchor(t *testing.T) {
	c, _ := newTestCompositor()
	now := time.Now()
	snap := snapshotOf(
		types.StickerSpec{ID: "g", Asset: "red.png", Category: types.Glasses},
		types.StickerSpec{ID: "m", Asset: "green.png", Category: types.Mustache},
	)
	anchors := anchor.Resolved{
		ByCategory: map[types.Category]anchor.Anchor{
			types.Glasses:  {Transform: pin(30, 30, 20, 0), OK: true},
			types.Mustache: {OK: false},
		},
		Timestamp: now,
	}

	out := c.Compose(testFrame(now), snap, anchors)
	assert.Equal(t, 1, out.Drawn)
	assert.Equal(t, 1, out.Suppressed)
	assert.Equal(t, red, out.Image.RGBAAt(30, 30))
}

func TestCompose_StaleAnchorsAreSuppressed(t *testing.T) {
	c, _ := newTestCompositor()
	c.Staleness = 200 * time.Millisecond
	now := time.Now()
	snap := snapshotOf(
		types.StickerSpec{ID: "g", Asset: "red.png", Category: types.Glasses},
		types.StickerSpec{ID: "f", Asset: "green.png", Category: types.Free, Pin: pin(80, 80, 10, 0)},
	)
	anchors := anchor.Resolved{
		ByCategory: map[types.Category]anchor.Anchor{types.Glasses: {Transform: pin(30, 30, 20, 0), OK: true}},
		Timestamp:  now.Add(-time.Second),
	}

	out := c.Compose(testFrame(now), snap, anchors)
	assert.Equal(t, 1, out.Suppressed)
	assert.Equal(t, 1, out.Drawn, "free stickers ignore landmark freshness")
	assert.Equal(t, blue, out.Image.RGBAAt(30, 30))
	assert.Equal(t, green, out.Image.RGBAAt(80, 80))

	anchors.Timestamp = now.Add(-50 * time.Millisecond)
	out = c.Compose(testFrame(now), snap, anchors)
	assert.Equal(t, 2, out.Drawn)
	assert.Equal(t, red, out.Image.RGBAAt(30, 30))
}

func TestCompose_RegistryOrderIsZOrder(t *testing.T) {
	c, _ := newTestCompositor()
	snap := snapshotOf(
		types.StickerSpec{ID: "1", Asset: "red.png", Category: types.Free, Pin: pin(50, 50, 20, 0)},
		types.StickerSpec{ID: "2", Asset: "green.png", Category: types.Free, Pin: pin(50, 50, 20, 0)},
	)
	out := c.Compose(testFrame(time.Now()), snap, anchor.None())
	assert.Equal(t, green, out.Image.RGBAAt(50, 50), "later sticker must be on top")
}

func TestCompose_TransparentPixelsKeepBase(t *testing.T) {
	c, _ := newTestCompositor()
	snap := snapshotOf(types.StickerSpec{ID: "1", Asset: "clear.png", Category: types.Free, Pin: pin(50, 50, 40, 0)})
	out := c.Compose(testFrame(time.Now()), snap, anchor.None())
	assert.Equal(t, blue, out.Image.RGBAAt(50, 50))
}

func TestCompose_Rotation(t *testing.T) {
	c, _ := newTestCompositor()
	// 20x4 horizontal bar turned a quarter turn becomes vertical
	snap := snapshotOf(types.StickerSpec{ID: "1", Asset: "bar.png", Category: types.Free, Pin: pin(50, 50, 20, math.Pi/2)})
	out := c.Compose(testFrame(time.Now()), snap, anchor.None())
	assert.Equal(t, red, out.Image.RGBAAt(50, 42))
	assert.Equal(t, blue, out.Image.RGBAAt(42, 50))
}

func TestCompose_AssetNotReadyIsSkipped(t *testing.T) {
	c, cache := newTestCompositor()
	snap := snapshotOf(types.StickerSpec{ID: "1", Asset: "/does/not/exist.png", Category: types.Free, Pin: pin(50, 50, 20, 0)})

	out := c.Compose(testFrame(time.Now()), snap, anchor.None())
	assert.Zero(t, out.Drawn)
	assert.True(t, out.Shared)

	cache.Wait()
	assert.Error(t, cache.Err("/does/not/exist.png"))
}

func TestRelease_ReusesBuffer(t *testing.T) {
	c, _ := newTestCompositor()
	snap := snapshotOf(types.StickerSpec{ID: "1", Asset: "red.png", Category: types.Free, Pin: pin(50, 50, 20, 0)})

	out := c.Compose(testFrame(time.Now()), snap, anchor.None())
	c.Release(out)
	out2 := c.Compose(testFrame(time.Now()), snap, anchor.None())
	assert.Equal(t, blue, out2.Image.RGBAAt(5, 5), "recycled buffer must be fully overwritten")

	// Shared frames are not pooled
	shared := types.CompositedFrame{Image: solid(2, 2, blue), Shared: true}
	assert.NotPanics(t, func() { c.Release(shared) })
}
