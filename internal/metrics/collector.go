// Package metrics implements a Prometheus collector for the overlay's
// operation counters and latency histograms, grounded on the teacher's
// metrics collector and trimmed to the operations this filesystem
// actually performs: opens, reads, template renders, and executable
// template invocations.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls whether the collector exports anything and where.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Collector holds the Prometheus instruments this filesystem updates as
// it services FUSE callbacks.
type Collector struct {
	config   *Config
	registry *prometheus.Registry

	opsTotal       *prometheus.CounterVec
	opDuration     *prometheus.HistogramVec
	renderBytes    prometheus.Histogram
	execExitStatus *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
	openHandles    prometheus.Gauge

	server *http.Server
}

// NewCollector builds a Collector. A disabled config returns a Collector
// whose Record* methods are all no-ops, so call sites never need to
// branch on whether metrics are turned on.
func NewCollector(cfg *Config) (*Collector, error) {
	if cfg == nil {
		cfg = &Config{Enabled: false}
	}
	if !cfg.Enabled {
		return &Collector{config: cfg}, nil
	}

	c := &Collector{
		config:   cfg,
		registry: prometheus.NewRegistry(),
	}
	c.opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "operations_total",
		Help:      "Total number of filesystem operations by kind and outcome.",
	}, []string{"operation", "status"})

	c.opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Name:      "operation_duration_seconds",
		Help:      "Duration of filesystem operations in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 18), // 100µs..~13s
	}, []string{"operation"})

	c.renderBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Name:      "render_output_bytes",
		Help:      "Size of synthesized template output in bytes.",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 12), // 64B..256MiB
	})

	c.execExitStatus = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "exec_template_exit_total",
		Help:      "Executable-template invocations by exit status bucket.",
	}, []string{"status"})

	c.errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "errors_total",
		Help:      "Errors surfaced to the kernel by operation and error code.",
	}, []string{"operation", "code"})

	c.openHandles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Name:      "open_handles",
		Help:      "Number of currently open file and directory handles.",
	})

	for _, m := range []prometheus.Collector{
		c.opsTotal, c.opDuration, c.renderBytes, c.execExitStatus, c.errorsTotal, c.openHandles,
	} {
		if err := c.registry.Register(m); err != nil {
			return nil, fmt.Errorf("metrics: registering collector: %w", err)
		}
	}
	return c, nil
}

// Start serves the Prometheus exposition endpoint in the background.
// A disabled collector returns immediately.
func (c *Collector) Start(ctx context.Context) error {
	if c.config == nil || !c.config.Enabled {
		return nil
	}
	path := c.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	c.server = &http.Server{
		Addr:              c.config.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = c.server.Shutdown(context.Background())
	}()
	return nil
}

// Stop shuts the exposition server down, if one was started.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// RecordOperation records one completed FUSE callback's outcome and
// latency; it is safe to call on a disabled Collector (as returned when
// metrics are disabled) and on a nil one.
func (c *Collector) RecordOperation(operation string, duration time.Duration, success bool) {
	if c == nil || c.config == nil || !c.config.Enabled {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	c.opsTotal.With(prometheus.Labels{"operation": operation, "status": status}).Inc()
	c.opDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
}

// RecordRender records the size of one synthesized template's output.
func (c *Collector) RecordRender(outputSize int) {
	if c == nil || c.config == nil || !c.config.Enabled {
		return
	}
	c.renderBytes.Observe(float64(outputSize))
}

// RecordExecExit records an executable template's exit status, bucketed
// into "zero" / "nonzero" / "signal" rather than one label per status
// code, to keep cardinality bounded.
func (c *Collector) RecordExecExit(exitStatus int, signaled bool) {
	if c == nil || c.config == nil || !c.config.Enabled {
		return
	}
	bucket := "nonzero"
	switch {
	case signaled:
		bucket = "signal"
	case exitStatus == 0:
		bucket = "zero"
	}
	c.execExitStatus.With(prometheus.Labels{"status": bucket}).Inc()
}

// RecordError records an error surfaced to the kernel, tagged with the
// structured error code so dashboards can break down failures by cause.
func (c *Collector) RecordError(operation, code string) {
	if c == nil || c.config == nil || !c.config.Enabled {
		return
	}
	c.errorsTotal.With(prometheus.Labels{"operation": operation, "code": code}).Inc()
}

// SetOpenHandles reports the handle store's current live-handle count.
func (c *Collector) SetOpenHandles(n int) {
	if c == nil || c.config == nil || !c.config.Enabled {
		return
	}
	c.openHandles.Set(float64(n))
}
