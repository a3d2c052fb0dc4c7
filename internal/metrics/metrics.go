// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/stickercam/internal/render"
)

const namespace = "stickercam"

// Collector implements render.Observer and detector.Observer. Each Collector owns its
// registry so several pipelines (or tests) don't collide.
type Collector struct {
	Registry *prometheus.Registry

	framesCaptured prometheus.Counter
	ticks          prometheus.Counter
	ticksSkipped   prometheus.Counter
	framesSkipped  prometheus.Counter
	stickers       *prometheus.CounterVec
	detections     *prometheus.CounterVec
	detectLatency  prometheus.Histogram
	registrySize   prometheus.Gauge
	renderState    prometheus.Gauge
}

// New registers the pipeline collectors plus the Go and process collectors.
func New() *Collector {
	c := &Collector{
		Registry: prometheus.NewRegistry(),
		framesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "frames_total",
			Help:      "Frames read from the camera.",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "ticks_total",
			Help:      "Frames composited and presented.",
		}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "ticks_skipped_total",
			Help:      "Render ticks with no frame to draw.",
		}),
		framesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "frames_skipped_total",
			Help:      "Camera frames replaced before a tick drew them.",
		}),
		stickers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "stickers_total",
			Help:      "Sticker draws per tick, by outcome.",
		}, []string{"outcome"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "detections_total",
			Help:      "Landmark detections, by result.",
		}, []string{"result"}),
		detectLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "latency_seconds",
			Help:      "Time spent in the landmark detector.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}),
		registrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "stickers",
			Help:      "Active stickers.",
		}),
		renderState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "state",
			Help:      "Render loop state (0 idle, 1 running, 2 stopped).",
		}),
	}
	c.Registry.MustRegister(
		c.framesCaptured,
		c.ticks,
		c.ticksSkipped,
		c.framesSkipped,
		c.stickers,
		c.detections,
		c.detectLatency,
		c.registrySize,
		c.renderState,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return c
}

func (c *Collector) FrameCaptured() { c.framesCaptured.Inc() }

func (c *Collector) TickRendered(drawn, suppressed int) {
	c.ticks.Inc()
	c.stickers.WithLabelValues("drawn").Add(float64(drawn))
	c.stickers.WithLabelValues("suppressed").Add(float64(suppressed))
}

func (c *Collector) TickSkipped() { c.ticksSkipped.Inc() }

func (c *Collector) FramesSkipped(n int) { c.framesSkipped.Add(float64(n)) }

func (c *Collector) StateChanged(s render.State) { c.renderState.Set(float64(s)) }

func (c *Collector) DetectionCompleted(latency time.Duration, noFace bool) {
	result := "face"
	if noFace {
		result = "no_face"
	}
	c.detections.WithLabelValues(result).Inc()
	c.detectLatency.Observe(latency.Seconds())
}

func (c *Collector) DetectionFailed() { c.detections.WithLabelValues("error").Inc() }

func (c *Collector) DetectionDropped() { c.detections.WithLabelValues("dropped").Inc() }

// RegistrySize matches registry.Registry.OnChange.
func (c *Collector) RegistrySize(n int) { c.registrySize.Set(float64(n)) }

// Handler returns an HTTP handler exposing the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string, log logrus.FieldLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
