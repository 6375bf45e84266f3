// prober.go implements the per-account keep-alive prober: a periodic cheap
// liveness check that detects silent disconnects and hands dead connections
// to the registry's reconnect policy.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeConfig configures the keep-alive prober.
type ProbeConfig struct {
	// Interval is how often to probe.
	Interval time.Duration `yaml:"interval"`

	// Timeout bounds a single probe call.
	Timeout time.Duration `yaml:"timeout"`

	// FailureThreshold is how many consecutive failures declare the
	// connection dead.
	FailureThreshold int `yaml:"failure_threshold"`
}

// DefaultProbeConfig returns sensible defaults.
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		Interval:         30 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
	}
}

// ProbeDiagnostics is a snapshot of prober health for an account.
type ProbeDiagnostics struct {
	Running             bool      `json:"running"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccessAt       time.Time `json:"last_success_at"`
	LastProbeAt         time.Time `json:"last_probe_at"`
}

// Prober runs the keep-alive loop for one instance. Start and Stop are
// idempotent; the loop never blocks message sends.
type Prober struct {
	registry *Registry
	inst     *Instance
	cfg      ProbeConfig
	logger   *slog.Logger

	running  atomic.Bool
	failures atomic.Int32

	mu          sync.Mutex
	lastSuccess time.Time
	lastProbe   time.Time
	cancel      context.CancelFunc
}

// NewProber creates a prober bound to an instance. It does not start it.
func NewProber(r *Registry, inst *Instance, cfg ProbeConfig, logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	return &Prober{
		registry: r,
		inst:     inst,
		cfg:      cfg,
		logger:   logger.With("component", "prober", "account_id", inst.AccountID),
	}
}

// Start launches the probe loop. Starting twice is a no-op.
func (p *Prober) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	p.failures.Store(0)

	go func() {
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		p.logger.Info("keep-alive prober started", "interval", p.cfg.Interval)

		for {
			select {
			case <-loopCtx.Done():
				p.logger.Info("keep-alive prober stopped")
				return
			case <-ticker.C:
				p.probe(loopCtx)
			}
		}
	}()
}

// Stop halts the loop. Stopping an unstarted prober is a no-op.
func (p *Prober) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()
}

// Diagnostics returns a snapshot of prober health.
func (p *Prober) Diagnostics() ProbeDiagnostics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProbeDiagnostics{
		Running:             p.running.Load(),
		ConsecutiveFailures: int(p.failures.Load()),
		LastSuccessAt:       p.lastSuccess,
		LastProbeAt:         p.lastProbe,
	}
}

// probe issues one liveness check and acts on the outcome. Failures are
// reported here, never thrown across component boundaries.
func (p *Prober) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	err := p.inst.client.Ping(probeCtx)
	cancel()

	p.mu.Lock()
	p.lastProbe = time.Now()
	p.mu.Unlock()

	if err == nil {
		p.failures.Store(0)
		p.mu.Lock()
		p.lastSuccess = time.Now()
		p.mu.Unlock()
		p.registry.touchActivity(ctx, p.inst.AccountID, 0)
		return
	}

	failures := p.failures.Add(1)
	p.logger.Warn("keep-alive probe failed",
		"failures", failures,
		"threshold", p.cfg.FailureThreshold,
		"error", err)

	if int(failures) >= p.cfg.FailureThreshold {
		p.logger.Error("failure threshold crossed, declaring connection dead",
			"failures", failures)
		// declareDead stops this prober; run it off the probe goroutine.
		go p.registry.declareDead(p.inst)
	}
}
