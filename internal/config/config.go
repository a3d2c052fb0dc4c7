// Package config loads stickercam settings from YAML. Command-line flags are layered on
// top by the cmd package.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/stickercam/internal/anchor"
	"github.com/andresmejia3/stickercam/internal/types"
	"github.com/andresmejia3/stickercam/internal/utils"
)

type Camera struct {
	Device string  `yaml:"device"`
	Format string  `yaml:"format"`
	Width  int     `yaml:"width"`
	Height int     `yaml:"height"`
	FPS    float64 `yaml:"fps"`
	// Replay reads a video file instead of a camera.
	Replay string `yaml:"replay"`
	// Demo uses the built-in synthetic source.
	Demo bool `yaml:"demo"`
}

type Render struct {
	FPS       float64       `yaml:"fps"`
	Staleness time.Duration `yaml:"staleness"`
	Smoothing float64       `yaml:"smoothing"`
}

type Detector struct {
	Script  string        `yaml:"script"`
	Python  string        `yaml:"python"`
	Timeout time.Duration `yaml:"timeout"`
}

type Output struct {
	// Path is a file or stream URL for the ffmpeg encoder. Empty disables encoding.
	Path          string `yaml:"path"`
	SnapshotDir   string `yaml:"snapshot_dir"`
	SnapshotEvery uint64 `yaml:"snapshot_every"`
}

// Sticker is a sticker declared in the config file.
type Sticker struct {
	Asset    string  `yaml:"asset"`
	Category string  `yaml:"category"`
	X        float64 `yaml:"x"`
	Y        float64 `yaml:"y"`
	Scale    float64 `yaml:"scale"`
	Rotation float64 `yaml:"rotation"` // degrees
}

// Spec converts the entry to a registry spec.
func (s Sticker) Spec() (types.StickerSpec, error) {
	if s.Asset == "" {
		return types.StickerSpec{}, errors.New("sticker asset is required")
	}
	cat, err := types.ParseCategory(s.Category)
	if err != nil {
		return types.StickerSpec{}, err
	}
	return types.StickerSpec{
		Asset:    s.Asset,
		Category: cat,
		Pin:      types.AnchorTransform{X: s.X, Y: s.Y, Scale: s.Scale, Rotation: s.Rotation * degToRad},
	}, nil
}

const degToRad = math.Pi / 180

type Config struct {
	Camera      Camera        `yaml:"camera"`
	Render      Render        `yaml:"render"`
	Detector    Detector      `yaml:"detector"`
	Anchor      anchor.Params `yaml:"anchor"`
	Output      Output        `yaml:"output"`
	MetricsAddr string        `yaml:"metrics_addr"`
	LogLevel    string        `yaml:"log_level"`
	Stickers    []Sticker     `yaml:"stickers"`
}

// Default returns settings for a 640x480 webcam rendered at 30 fps.
func Default() Config {
	return Config{
		Camera: Camera{
			Device: "/dev/video0",
			Format: utils.DefaultCameraFormat(),
			Width:  640,
			Height: 480,
			FPS:    30,
		},
		Render: Render{
			FPS:       30,
			Staleness: 500 * time.Millisecond,
			Smoothing: 0.5,
		},
		Detector: Detector{
			Script:  "python/landmarks.py",
			Python:  "python3",
			Timeout: 5 * time.Second,
		},
		Anchor:   anchor.DefaultParams(),
		Output:   Output{SnapshotEvery: 30},
		LogLevel: "info",
	}
}

// Load reads path over the defaults. Keys missing from the file keep their default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("camera size must be positive, got %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.FPS <= 0 {
		return fmt.Errorf("camera fps must be positive, got %f", c.Camera.FPS)
	}
	if !c.Camera.Demo && c.Camera.Replay == "" && c.Camera.Device == "" {
		return errors.New("camera device is required (or use --demo / --replay)")
	}
	if c.Render.FPS <= 0 || c.Render.FPS > 240 {
		return fmt.Errorf("render fps must be in (0, 240], got %f", c.Render.FPS)
	}
	if c.Render.Staleness <= 0 {
		return fmt.Errorf("staleness must be positive, got %s", c.Render.Staleness)
	}
	if c.Render.Smoothing <= 0 || c.Render.Smoothing > 1 {
		return fmt.Errorf("smoothing must be in (0, 1], got %f", c.Render.Smoothing)
	}
	if c.Detector.Timeout < 0 {
		return fmt.Errorf("detector timeout must not be negative, got %s", c.Detector.Timeout)
	}
	if err := c.Anchor.Validate(); err != nil {
		return fmt.Errorf("anchor: %w", err)
	}
	for i, s := range c.Stickers {
		if _, err := s.Spec(); err != nil {
			return fmt.Errorf("stickers[%d]: %w", i, err)
		}
	}
	return nil
}

// StickerSpecs converts the configured stickers in file order.
func (c Config) StickerSpecs() ([]types.StickerSpec, error) {
	out := make([]types.StickerSpec, 0, len(c.Stickers))
	for i, s := range c.Stickers {
		spec, err := s.Spec()
		if err != nil {
			return nil, fmt.Errorf("stickers[%d]: %w", i, err)
		}
		out = append(out, spec)
	}
	return out, nil
}
