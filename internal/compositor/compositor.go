// Package compositor draws active stickers over camera frames.
package compositor

import (
	"image"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/andresmejia3/stickercam/internal/anchor"
	"github.com/andresmejia3/stickercam/internal/registry"
	"github.com/andresmejia3/stickercam/internal/types"
)

// Compositor merges a frame, the registry snapshot and the resolved anchors.
// Compose may be called from one goroutine at a time per output buffer; the
// buffer pool itself is shared safely.
type Compositor struct {
	// Staleness bounds how far the landmarks may lag the frame. Anchors older than
	// this are treated as unavailable. Zero disables the check.
	Staleness time.Duration

	assets *AssetCache
	log    logrus.FieldLogger
	interp draw.Interpolator

	// Buffer pool to reduce GC pressure: one output frame per tick
	pool sync.Pool
}

// New returns a compositor reading sticker images from assets.
func New(assets *AssetCache, log logrus.FieldLogger) *Compositor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Compositor{
		assets: assets,
		log:    log.WithField("component", "compositor"),
		interp: draw.BiLinear,
		pool: sync.Pool{
			New: func() interface{} { return make([]byte, 0, 1024*1024) },
		},
	}
}

// Compose draws the base frame and then every sticker in registry order.
// Anchored stickers whose category is missing from anchors (or not OK, or stale)
// are skipped; free stickers are always drawn at their pin. With no stickers the
// input frame is returned as-is without copying.
func (c *Compositor) Compose(frame types.Frame, snap registry.Snapshot, anchors anchor.Resolved) types.CompositedFrame {
	out := types.CompositedFrame{
		Image:     frame.Image,
		Seq:       frame.Seq,
		Timestamp: frame.Timestamp,
		Shared:    true,
	}
	if snap.Len() == 0 || !frame.Valid() {
		return out
	}

	if c.stale(frame, anchors) {
		anchors = anchor.None()
	}

	var dst *image.RGBA
	for _, s := range snap.Stickers {
		t, ok := c.placement(s, anchors)
		if !ok {
			out.Suppressed++
			continue
		}
		src, ready := c.assets.Get(s.Asset)
		if !ready {
			continue // still loading, or broken (already logged)
		}
		if t.Scale <= 0 {
			t.Scale = float64(src.Bounds().Dx())
		}

		// Copy-on-first-draw: a tick where everything is suppressed stays zero-copy
		if dst == nil {
			dst = c.copyFrame(frame.Image)
		}
		c.drawSticker(dst, src, t)
		out.Drawn++
	}

	if dst != nil {
		out.Image = dst
		out.Shared = false
	}
	return out
}

func (c *Compositor) stale(frame types.Frame, anchors anchor.Resolved) bool {
	if c.Staleness <= 0 || len(anchors.ByCategory) == 0 {
		return false
	}
	if anchors.Timestamp.IsZero() {
		return true
	}
	return frame.Timestamp.Sub(anchors.Timestamp) > c.Staleness
}

func (c *Compositor) placement(s types.StickerSpec, anchors anchor.Resolved) (types.AnchorTransform, bool) {
	if !s.Category.Anchored() {
		return s.Pin, true
	}
	a := anchors.Get(s.Category)
	if !a.OK {
		return types.AnchorTransform{}, false
	}
	return a.Transform, true
}

// drawSticker maps src so that its center lands on (t.X, t.Y), its width becomes
// t.Scale pixels and it is rotated by t.Rotation.
func (c *Compositor) drawSticker(dst, src *image.RGBA, t types.AnchorTransform) {
	sb := src.Bounds()
	k := t.Scale / float64(sb.Dx())
	sin, cos := math.Sincos(t.Rotation)
	cx := float64(sb.Min.X) + float64(sb.Dx())/2
	cy := float64(sb.Min.Y) + float64(sb.Dy())/2

	// dst = Translate(t) * Rotate * Scale * Translate(-center)
	a, b := k*cos, -k*sin
	d, e := k*sin, k*cos
	m := f64.Aff3{
		a, b, t.X - (a*cx + b*cy),
		d, e, t.Y - (d*cx + e*cy),
	}
	c.interp.Transform(dst, m, src, sb, draw.Over, nil)
}

func (c *Compositor) copyFrame(src *image.RGBA) *image.RGBA {
	buf := c.pool.Get().([]byte)
	if cap(buf) < len(src.Pix) {
		buf = make([]byte, len(src.Pix))
	}
	buf = buf[:len(src.Pix)]
	copy(buf, src.Pix)
	return &image.RGBA{Pix: buf, Stride: src.Stride, Rect: src.Rect}
}

// Release returns a composited frame's buffer to the pool once it has been presented.
// Frames that alias the camera frame are left alone.
func (c *Compositor) Release(f types.CompositedFrame) {
	if f.Shared || f.Image == nil {
		return
	}
	c.pool.Put(f.Image.Pix[:0])
}
