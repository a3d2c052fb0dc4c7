package compositor

import (
	"context"
	"fmt"
	"image"
	_ "image/gif" // register decoders for sticker assets
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
)

// maxAssetBytes caps downloads so a bad URL can't exhaust memory.
const maxAssetBytes = 16 * 1024 * 1024

type assetState int

const (
	assetLoading assetState = iota
	assetReady
	assetFailed
)

type assetEntry struct {
	state assetState
	img   *image.RGBA
	err   error
}

// AssetCache decodes sticker images once and serves them to the compositor without blocking.
// References are file paths or http(s) URLs.
type AssetCache struct {
	log    logrus.FieldLogger
	client *http.Client

	mu      sync.Mutex
	entries map[string]*assetEntry
	wg      sync.WaitGroup
}

// NewAssetCache returns an empty cache.
func NewAssetCache(log logrus.FieldLogger) *AssetCache {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AssetCache{
		log:     log.WithField("component", "assets"),
		client:  &http.Client{Timeout: 15 * time.Second},
		entries: make(map[string]*assetEntry),
	}
}

// Get returns a decoded asset if it is ready. It never does I/O: a miss starts a
// background load and reports ok=false until it finishes.
func (c *AssetCache) Get(ref string) (*image.RGBA, bool) {
	c.mu.Lock()
	e, found := c.entries[ref]
	if !found {
		e = &assetEntry{state: assetLoading}
		c.entries[ref] = e
		c.wg.Add(1)
		go c.load(context.Background(), ref, e)
	}
	ready := e.state == assetReady
	img := e.img
	c.mu.Unlock()
	return img, ready
}

// Prefetch starts loading ref in the background.
func (c *AssetCache) Prefetch(ref string) {
	c.Get(ref)
}

// LoadNow loads ref synchronously and reports decode errors. Used to validate user input.
// A ready asset is served from the cache; a failed one is fetched again.
func (c *AssetCache) LoadNow(ctx context.Context, ref string) error {
	c.mu.Lock()
	if e, ok := c.entries[ref]; ok && e.state == assetReady {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	img, err := c.fetch(ctx, ref)
	if err != nil {
		// Not cached: a later attempt may succeed once the file exists
		return err
	}
	c.mu.Lock()
	c.entries[ref] = &assetEntry{state: assetReady, img: img}
	c.mu.Unlock()
	return nil
}

// Put stores an already decoded image under ref.
func (c *AssetCache) Put(ref string, img image.Image) {
	rgba := toRGBA(img)
	c.mu.Lock()
	c.entries[ref] = &assetEntry{state: assetReady, img: rgba}
	c.mu.Unlock()
}

// Forget drops ref so it is reloaded on next use.
func (c *AssetCache) Forget(ref string) {
	c.mu.Lock()
	if e, ok := c.entries[ref]; ok && e.state != assetLoading {
		delete(c.entries, ref)
	}
	c.mu.Unlock()
}

// Err returns the load error for ref, if loading failed.
func (c *AssetCache) Err(ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[ref]; ok {
		return e.err
	}
	return nil
}

// Wait blocks until every background load has finished.
func (c *AssetCache) Wait() {
	c.wg.Wait()
}

func (c *AssetCache) load(ctx context.Context, ref string, e *assetEntry) {
	defer c.wg.Done()
	img, err := c.fetch(ctx, ref)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		e.state, e.err = assetFailed, err
		// Logged once per reference; the sticker stays invisible until removed
		c.log.WithError(err).WithField("asset", ref).Warn("failed to load sticker asset")
		return
	}
	e.state, e.img = assetReady, img
	c.log.WithField("asset", ref).Debug("sticker asset loaded")
}

func (c *AssetCache) fetch(ctx context.Context, ref string) (*image.RGBA, error) {
	var r io.ReadCloser
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", ref, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("download %s: status %s", ref, resp.Status)
		}
		r = resp.Body
	} else {
		f, err := os.Open(ref)
		if err != nil {
			return nil, err
		}
		r = f
	}
	defer r.Close()

	img, _, err := image.Decode(io.LimitReader(r, maxAssetBytes))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", ref, err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("decode %s: empty image", ref)
	}
	return toRGBA(img), nil
}

// toRGBA converts to premultiplied RGBA with bounds starting at the origin.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}
