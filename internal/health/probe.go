package health

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
	"github.com/vyrodovalexey/avllmrouter/internal/observability"
)

// ProbeFunc performs a lightweight health check of the backend identified by
// id. It must honor the context deadline. The monitor classifies a returned
// error to decide whether it counts toward the trip threshold.
type ProbeFunc func(ctx context.Context, id string) error

// ProbeResult is the outcome of a forced probe.
type ProbeResult struct {
	// Backend is the probed backend id.
	Backend string

	// Healthy is the probe outcome.
	Healthy bool

	// Latency is how long the probe took.
	Latency time.Duration

	// Err is the probe error, when unhealthy.
	Err error
}

// Start launches the background probe loop. The loop fires every
// ProbeInterval, probes every backend whose cached result is older than
// ProbeTTL with bounded concurrency, and stops only when Stop is called or
// ctx is cancelled. It is independent of any single request's cancellation.
func (m *Monitor) Start(ctx context.Context, probe ProbeFunc) {
	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		return
	}
	m.running = true
	m.runMu.Unlock()

	go m.run(ctx, probe)
}

// Stop terminates the background probe loop and waits for it to finish.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	m.runMu.Unlock()

	close(m.stopCh)
	<-m.stoppedCh
}

// run is the probe loop.
func (m *Monitor) run(ctx context.Context, probe ProbeFunc) {
	defer close(m.stoppedCh)

	interval := m.cfg.ProbeInterval
	if interval <= 0 {
		interval = DefaultConfig().ProbeInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.probeStale(ctx, probe)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.probeStale(ctx, probe)
		}
	}
}

// probeStale probes every backend with a stale result, bounded by
// ProbeConcurrency and the probe rate limiter.
func (m *Monitor) probeStale(ctx context.Context, probe ProbeFunc) {
	stale := m.staleBackends()
	if len(stale) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.ProbeConcurrency)

	for _, id := range stale {
		g.Go(func() error {
			_, _ = m.probeOne(gctx, probe, id, false)
			return nil
		})
	}

	_ = g.Wait()
}

// probeOne runs a single probe and feeds the result into the state machine.
// The second return value is false when the probe never ran.
func (m *Monitor) probeOne(ctx context.Context, probe ProbeFunc, id string, force bool) (ProbeResult, bool) {
	if !m.beginHalfOpenProbe(id, force) {
		return ProbeResult{Backend: id, Err: ErrProbeInFlight}, false
	}

	if err := m.limiter.Wait(ctx); err != nil {
		m.releaseProbeSlot(id)
		return ProbeResult{Backend: id, Err: err}, false
	}

	probeCtx := ctx
	if m.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		defer cancel()
	}

	start := time.Now()
	err := probe(probeCtx, id)
	latency := time.Since(start)

	healthy := err == nil
	m.applyProbeResult(id, healthy, latency, err == nil || backend.IsRetryable(err))

	if !healthy {
		m.logger.Debug("backend probe failed",
			observability.String("backend", id),
			observability.Duration("latency", latency),
			observability.Error(err),
		)
	}

	return ProbeResult{Backend: id, Healthy: healthy, Latency: latency, Err: err}, true
}

// ForceProbe runs an immediate out-of-band probe against one backend,
// bypassing the scheduled interval and an open backend's retry timer. It
// still respects the single-probe invariant: a concurrent probe yields
// ErrProbeInFlight.
func (m *Monitor) ForceProbe(ctx context.Context, probe ProbeFunc, id string) (ProbeResult, error) {
	m.mu.RLock()
	_, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return ProbeResult{}, ErrUnknownBackend
	}

	result, ran := m.probeOne(ctx, probe, id, true)
	if !ran {
		return ProbeResult{}, result.Err
	}
	return result, nil
}
