// Package daemon runs the long-lived elevation service: the sweep
// loop that times out overdue requests and the HTTP surface for
// submissions, approvals, and hook interception.
package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hoistsec/hoist/hook"
	"github.com/hoistsec/hoist/orchestrator"
	"github.com/hoistsec/hoist/telemetry"
)

// Config holds daemon configuration.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8440"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Daemon owns the serving loop around an orchestrator and interceptor.
type Daemon struct {
	cfg         Config
	orch        *orchestrator.Orchestrator
	interceptor *hook.Interceptor
	metrics     *Metrics
	server      *http.Server
	startTime   time.Time
	logger      *telemetry.Logger
}

// New wires a daemon. The interceptor may be nil when the deployment
// terminates hooks elsewhere; the intercept endpoint then returns 404.
func New(cfg Config, orch *orchestrator.Orchestrator, interceptor *hook.Interceptor) (*Daemon, error) {
	metrics, err := NewMetrics()
	if err != nil {
		return nil, err
	}
	d := &Daemon{
		cfg:         cfg.withDefaults(),
		orch:        orch,
		interceptor: interceptor,
		metrics:     metrics,
		startTime:   time.Now(),
		logger:      telemetry.NewLogger("daemon"),
	}
	d.server = &http.Server{
		Addr:              d.cfg.Addr,
		Handler:           d.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return d, nil
}

// Start resumes persisted pending requests, then runs the sweep loop
// and HTTP server until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	resumed, err := d.orch.Resume(ctx)
	if err != nil {
		return err
	}
	d.logger.WithContext(ctx).Info().
		Int("resumed", resumed).
		Str("addr", d.cfg.Addr).
		Msg("daemon starting")

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ticker := time.NewTicker(d.orch.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		case err := <-errCh:
			return err
		case <-ticker.C:
			start := time.Now()
			closed := d.orch.Sweep(ctx, time.Now().UTC())
			d.metrics.RecordSweep(ctx, closed, time.Since(start).Seconds())
		}
	}
}

func (d *Daemon) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
	defer cancel()

	err := d.server.Shutdown(ctx)
	d.orch.Close()
	d.logger.WithContext(ctx).Info().Msg("daemon stopped")
	return err
}

// Health reports daemon liveness.
func (d *Daemon) Health() HealthStatus {
	return HealthStatus{
		Status: "healthy",
		Uptime: int64(time.Since(d.startTime).Seconds()),
	}
}

// HealthStatus is the health endpoint payload.
type HealthStatus struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptime_seconds"`
}
