package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/stickercam/internal/anchor"
	"github.com/andresmejia3/stickercam/internal/capture"
	"github.com/andresmejia3/stickercam/internal/compositor"
	"github.com/andresmejia3/stickercam/internal/config"
	"github.com/andresmejia3/stickercam/internal/detector"
	"github.com/andresmejia3/stickercam/internal/metrics"
	"github.com/andresmejia3/stickercam/internal/registry"
	"github.com/andresmejia3/stickercam/internal/render"
	"github.com/andresmejia3/stickercam/internal/types"
	"github.com/andresmejia3/stickercam/internal/utils"
)

// RunOptions holds the flags of the run command. Flags that were set explicitly
// override the config file.
type RunOptions struct {
	ConfigPath    string
	Device        string
	Format        string
	Width         int
	Height        int
	CameraFPS     float64
	Replay        string
	Demo          bool
	RenderFPS     float64
	Staleness     time.Duration
	Smoothing     float64
	WorkerScript  string
	Python        string
	WorkerTimeout time.Duration
	MinConfidence float64
	Output        string
	SnapshotDir   string
	SnapshotEvery uint64
	MetricsAddr   string
	Preset        string
	Stickers      []string
	NoConsole     bool
}

var runOpts RunOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Capture the camera, track the face and composite stickers in real time",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadRunConfig(cmd, runOpts)
		if err != nil {
			utils.Die("Invalid configuration", err, nil)
		}
		runPipeline(cmd.Context(), cfg, runOpts)
	},
}

func init() {
	d := config.Default()
	f := runCmd.Flags()
	f.StringVarP(&runOpts.ConfigPath, "config", "c", "", "YAML config file (flags override it)")
	f.StringVarP(&runOpts.Device, "device", "d", d.Camera.Device, "Camera device handed to ffmpeg")
	f.StringVar(&runOpts.Format, "format", d.Camera.Format, "ffmpeg input format for the camera (v4l2, avfoundation, dshow)")
	f.IntVar(&runOpts.Width, "width", d.Camera.Width, "Frame width in pixels")
	f.IntVar(&runOpts.Height, "height", d.Camera.Height, "Frame height in pixels")
	f.Float64Var(&runOpts.CameraFPS, "camera-fps", d.Camera.FPS, "Capture frame rate")
	f.StringVar(&runOpts.Replay, "replay", "", "Read frames from a video file instead of the camera")
	f.BoolVar(&runOpts.Demo, "demo", false, "Use a synthetic camera and face (no ffmpeg or python needed)")
	f.Float64Var(&runOpts.RenderFPS, "fps", d.Render.FPS, "Render rate")
	f.DurationVar(&runOpts.Staleness, "staleness", d.Render.Staleness, "Hide anchored stickers when landmarks are older than this")
	f.Float64Var(&runOpts.Smoothing, "smoothing", d.Render.Smoothing, "Weight of each new anchor sample (1 = no smoothing)")
	f.StringVar(&runOpts.WorkerScript, "worker-script", d.Detector.Script, "Python landmark worker script")
	f.StringVar(&runOpts.Python, "python", d.Detector.Python, "Python interpreter")
	f.DurationVar(&runOpts.WorkerTimeout, "worker-timeout", d.Detector.Timeout, "Max time for one landmark detection")
	f.Float64VarP(&runOpts.MinConfidence, "min-confidence", "t", d.Anchor.MinConfidence, "Minimum face confidence (0.0-1.0)")
	f.StringVarP(&runOpts.Output, "output", "o", "", "Encode the composited video to a file or stream URL")
	f.StringVar(&runOpts.SnapshotDir, "snapshot-dir", "", "Write PNG snapshots of the output to this directory")
	f.Uint64Var(&runOpts.SnapshotEvery, "snapshot-every", d.Output.SnapshotEvery, "Snapshot every Nth rendered frame")
	f.StringVar(&runOpts.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	f.StringVarP(&runOpts.Preset, "preset", "p", "", "Load a saved sticker preset")
	f.StringArrayVarP(&runOpts.Stickers, "sticker", "s", nil, "Activate a sticker: category:asset[@x,y,scale,rot] (repeatable)")
	f.BoolVar(&runOpts.NoConsole, "no-console", false, "Don't read sticker commands from stdin")

	rootCmd.AddCommand(runCmd)
}

// loadRunConfig layers explicitly set flags over the config file (or the defaults).
func loadRunConfig(cmd *cobra.Command, opts RunOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(opts.ConfigPath); err != nil {
			return cfg, err
		}
	}

	set := cmd.Flags().Changed
	if set("device") {
		cfg.Camera.Device = opts.Device
	}
	if set("format") {
		cfg.Camera.Format = opts.Format
	}
	if set("width") {
		cfg.Camera.Width = opts.Width
	}
	if set("height") {
		cfg.Camera.Height = opts.Height
	}
	if set("camera-fps") {
		cfg.Camera.FPS = opts.CameraFPS
	}
	if set("replay") {
		cfg.Camera.Replay = opts.Replay
	}
	if set("demo") {
		cfg.Camera.Demo = opts.Demo
	}
	if set("fps") {
		cfg.Render.FPS = opts.RenderFPS
	}
	if set("staleness") {
		cfg.Render.Staleness = opts.Staleness
	}
	if set("smoothing") {
		cfg.Render.Smoothing = opts.Smoothing
	}
	if set("worker-script") {
		cfg.Detector.Script = opts.WorkerScript
	}
	if set("python") {
		cfg.Detector.Python = opts.Python
	}
	if set("worker-timeout") {
		cfg.Detector.Timeout = opts.WorkerTimeout
	}
	if set("min-confidence") {
		cfg.Anchor.MinConfidence = opts.MinConfidence
	}
	if set("output") {
		cfg.Output.Path = opts.Output
	}
	if set("snapshot-dir") {
		cfg.Output.SnapshotDir = opts.SnapshotDir
	}
	if set("snapshot-every") {
		cfg.Output.SnapshotEvery = opts.SnapshotEvery
	}
	if set("metrics-addr") {
		cfg.MetricsAddr = opts.MetricsAddr
	}
	return cfg, cfg.Validate()
}

// initialStickers gathers stickers from the config file, the preset and --sticker flags, in that order.
func initialStickers(ctx context.Context, cfg config.Config, opts RunOptions) ([]types.StickerSpec, error) {
	specs, err := cfg.StickerSpecs()
	if err != nil {
		return nil, err
	}
	if opts.Preset != "" {
		db, err := openDB(ctx)
		if err != nil {
			return nil, err
		}
		preset, err := db.LoadPreset(ctx, opts.Preset)
		if err != nil {
			return nil, err
		}
		specs = append(specs, preset...)
	}
	for _, s := range opts.Stickers {
		spec, err := parseStickerFlag(s)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func newFrameSource(cfg config.Config) (capture.FrameSource, string) {
	switch {
	case cfg.Camera.Demo:
		return &capture.SyntheticSource{
			Width:    cfg.Camera.Width,
			Height:   cfg.Camera.Height,
			Interval: time.Duration(float64(time.Second) / cfg.Camera.FPS),
		}, "demo"
	case cfg.Camera.Replay != "":
		return capture.NewFFmpegFileSource(cfg.Camera.Replay, cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS, log), cfg.Camera.Replay
	default:
		return capture.NewFFmpegSource(utils.CameraInput{
			Device: cfg.Camera.Device,
			Format: cfg.Camera.Format,
			Width:  cfg.Camera.Width,
			Height: cfg.Camera.Height,
			FPS:    cfg.Camera.FPS,
		}, log), cfg.Camera.Device
	}
}

// runPipeline wires every stage together and blocks until the loop stops.
func runPipeline(parent context.Context, cfg config.Config, opts RunOptions) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if !cfg.Camera.Demo {
		if err := utils.CheckBinary("ffmpeg"); err != nil {
			utils.Die("Missing dependency", err, nil)
		}
	}

	// 1. Stickers
	reg := registry.New()
	collector := metrics.New()
	reg.OnChange = collector.RegistrySize
	assets := compositor.NewAssetCache(log)

	specs, err := initialStickers(ctx, cfg, opts)
	if err != nil {
		utils.Die("Failed to load stickers", err, nil)
	}
	for _, s := range specs {
		assets.Prefetch(s.Asset)
	}
	if n := reg.Load(specs); n > 0 {
		fmt.Fprintf(os.Stderr, "🎨 %d stickers active\n", n)
	}

	// 2. Landmark detector
	var det detector.Detector
	var worker *detector.PythonWorker
	if cfg.Camera.Demo {
		det = &detector.SyntheticFace{Latency: 40 * time.Millisecond}
	} else {
		fmt.Fprintf(os.Stderr, "⚙️  Starting landmark worker (%s)...\n", cfg.Detector.Script)
		worker, err = detector.NewPythonWorker(ctx, 0, detector.WorkerConfig{
			Script:        cfg.Detector.Script,
			Python:        cfg.Detector.Python,
			MinConfidence: cfg.Anchor.MinConfidence,
			ReadTimeout:   cfg.Detector.Timeout,
		})
		if err != nil {
			utils.Die("Worker startup failed", err, nil)
		}
		defer worker.Close()
		det = worker
	}

	// 3. Output
	src, sourceName := newFrameSource(cfg)
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("🎥 Rendering"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
	sinks := render.MultiSink{render.FuncSink(func(types.CompositedFrame) error {
		return bar.Add(1)
	})}
	var encoder *render.FFmpegSink
	if cfg.Output.Path != "" {
		encoder = render.NewFFmpegSink(ctx, cfg.Output.Path, cfg.Render.FPS, log)
		sinks = append(sinks, encoder)
	}
	if cfg.Output.SnapshotDir != "" {
		sinks = append(sinks, &render.SnapshotSink{Dir: cfg.Output.SnapshotDir, Every: cfg.Output.SnapshotEvery})
	}

	// 4. Render loop
	comp := compositor.New(assets, log)
	comp.Staleness = cfg.Render.Staleness
	loop, err := render.New(render.Options{
		Config: render.Config{
			FPS:       cfg.Render.FPS,
			Staleness: cfg.Render.Staleness,
			Smoothing: cfg.Render.Smoothing,
		},
		Source:     src,
		Detector:   det,
		Resolver:   anchor.NewResolver(cfg.Anchor),
		Registry:   reg,
		Compositor: comp,
		Sink:       sinks,
		Log:        log,
		Observer:   collector,
		OnStatus: func(s render.Status) {
			bar.Describe(statusDescription(s))
		},
	})
	if err != nil {
		utils.Die("Failed to build pipeline", err, nil)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := collector.Serve(ctx, cfg.MetricsAddr, log); err != nil {
				log.WithError(err).Error("metrics server failed")
			}
		}()
	}

	// 5. Session bookkeeping is best-effort: a missing database never blocks rendering
	sessionID := uuid.NewString()
	recordSessions := databaseConfigured()
	if recordSessions {
		if db, err := openDB(ctx); err != nil {
			log.WithError(err).Warn("session history disabled")
			recordSessions = false
		} else if err := db.StartSession(ctx, sessionID, sourceName); err != nil {
			log.WithError(err).Warn("failed to record session start")
		}
	}

	fmt.Fprintf(os.Stderr, "📷 Opening %s (%dx%d @ %.0f fps)\n", sourceName, cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
	if err := loop.Start(ctx); err != nil {
		utils.Die("Failed to open camera", err, nil)
	}

	if !opts.NoConsole {
		con := &console{
			reg:      reg,
			assets:   assets,
			pipeline: loop,
			out:      os.Stdout,
			quit:     cancel,
		}
		if DB != nil {
			con.save = DB.SavePreset
		}
		fmt.Fprintln(os.Stderr, "⌨️  Type 'help' for sticker commands, 'quit' to stop.")
		go con.run(ctx, os.Stdin)
	}

	runErr := loop.Wait()
	bar.Finish()

	if encoder != nil {
		if err := encoder.Close(); err != nil {
			utils.ShowError("Encoder process failed", err, nil)
		}
	}
	if recordSessions {
		stats := loop.Detector()
		// The run context may be cancelled by now
		if err := DB.EndSession(context.Background(), sessionID, loop.Ticks(), stats.Submitted, stats.Dropped, runErr); err != nil {
			log.WithError(err).Warn("failed to record session end")
		}
	}

	if runErr != nil {
		var cmd *utils.SafeCommand
		if worker != nil {
			cmd = worker.Cmd
		}
		if types.IsDeviceError(runErr) {
			utils.Die("Camera lost", runErr, nil)
		}
		utils.Die("Rendering stopped", runErr, cmd)
	}
	fmt.Fprintf(os.Stderr, "\n🏁 Stopped. Rendered %d frames.\n", loop.Ticks())
}

func statusDescription(s render.Status) string {
	switch s.Kind {
	case render.StatusTracking:
		return "🎥 Tracking"
	case render.StatusNoFace:
		return "🙈 No face"
	case render.StatusStale:
		return "⏳ Waiting for landmarks"
	case render.StatusDeviceError:
		return "🚨 Camera lost"
	}
	if s.Err != nil && !errors.Is(s.Err, context.Canceled) {
		return "🛑 Stopped: " + s.Err.Error()
	}
	return "🛑 Stopped"
}
