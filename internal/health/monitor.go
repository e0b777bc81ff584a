package health

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avllmrouter/internal/observability"
)

// State represents the circuit state of a backend.
type State int

const (
	// StateClosed indicates the backend is serving requests.
	StateClosed State = iota

	// StateOpen indicates the backend is skipped by routing.
	StateOpen

	// StateHalfOpen indicates the backend is being re-tested with a single
	// probe.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrProbeInFlight is returned when a probe is requested for a backend that
// already has one in flight.
var ErrProbeInFlight = errors.New("probe already in flight")

// ErrUnknownBackend is returned for ids the monitor does not track.
var ErrUnknownBackend = errors.New("unknown backend")

// latencyAlpha is the EWMA smoothing factor for the rolling latency and
// success-rate estimates.
const latencyAlpha = 0.3

// Record is an immutable snapshot of one backend's health state.
type Record struct {
	// Backend is the backend id.
	Backend string

	// State is the circuit state.
	State State

	// ConsecutiveFailures counts retryable failures since the last success.
	ConsecutiveFailures int

	// LastProbeTime is when the backend was last probed.
	LastProbeTime time.Time

	// LastProbeHealthy is the result of the last probe.
	LastProbeHealthy bool

	// Backoff is the recovery backoff applied on the next trip.
	Backoff time.Duration

	// NextRetryAt is when an open backend becomes eligible for a probe.
	NextRetryAt time.Time

	// AvgLatency is the rolling average call latency. Zero means no history.
	AvgLatency time.Duration

	// SuccessRate is the rolling success rate in [0, 1].
	SuccessRate float64

	// Samples counts outcomes folded into the rolling estimates.
	Samples int
}

// Config contains circuit breaker and probing settings.
type Config struct {
	// TripThreshold is the number of consecutive retryable failures that
	// opens the circuit.
	TripThreshold int

	// BackoffBase is the initial open-state backoff.
	BackoffBase time.Duration

	// BackoffMax caps the doubled backoff.
	BackoffMax time.Duration

	// ProbeInterval is how often the background probe loop fires.
	ProbeInterval time.Duration

	// ProbeTTL is how long a probe result stays fresh.
	ProbeTTL time.Duration

	// ProbeTimeout is the per-probe timeout.
	ProbeTimeout time.Duration

	// ProbeConcurrency bounds concurrent background probes.
	ProbeConcurrency int

	// ProbeRateLimit caps probes per second across all backends.
	ProbeRateLimit float64
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		TripThreshold:    5,
		BackoffBase:      5 * time.Minute,
		BackoffMax:       time.Hour,
		ProbeInterval:    30 * time.Second,
		ProbeTTL:         30 * time.Second,
		ProbeTimeout:     5 * time.Second,
		ProbeConcurrency: 4,
		ProbeRateLimit:   10,
	}
}

// record is the monitor's mutable state for one backend.
type record struct {
	Record
	probeInFlight bool
}

// Monitor owns all health records. It is safe for concurrent use; records
// are mutated only under the monitor's lock and exposed as copies.
type Monitor struct {
	cfg     Config
	logger  observability.Logger
	limiter *rate.Limiter

	mu      sync.RWMutex
	records map[string]*record

	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
	runMu     sync.Mutex
}

// NewMonitor creates a monitor tracking the given backend ids, all starting
// closed with no history.
func NewMonitor(cfg Config, backendIDs []string, logger observability.Logger) *Monitor {
	if cfg.TripThreshold < 1 {
		cfg.TripThreshold = DefaultConfig().TripThreshold
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.ProbeConcurrency < 1 {
		cfg.ProbeConcurrency = DefaultConfig().ProbeConcurrency
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	records := make(map[string]*record, len(backendIDs))
	for _, id := range backendIDs {
		records[id] = &record{Record: Record{
			Backend: id,
			State:   StateClosed,
			Backoff: cfg.BackoffBase,
		}}
		recordState(id, StateClosed)
	}

	limit := rate.Limit(cfg.ProbeRateLimit)
	if limit <= 0 {
		limit = rate.Inf
	}

	return &Monitor{
		cfg:       cfg,
		logger:    logger,
		limiter:   rate.NewLimiter(limit, 1),
		records:   records,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Snapshot returns an immutable copy of all records. Selectors read this;
// they never see the monitor's live state.
func (m *Monitor) Snapshot() map[string]Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := make(map[string]Record, len(m.records))
	for id, rec := range m.records {
		snapshot[id] = rec.Record
	}
	return snapshot
}

// Get returns a copy of one backend's record.
func (m *Monitor) Get(id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrUnknownBackend
	}
	return rec.Record, nil
}

// AllowAttempt reports whether a request may be sent to the backend, and
// reserves the half-open probe slot when it is. Closed backends always pass.
// A half-open backend admits exactly one in-flight attempt; an open backend
// admits none. Callers that receive true must follow up with ReportOutcome.
func (m *Monitor) AllowAttempt(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return false
	}

	switch rec.State {
	case StateClosed:
		return true
	case StateHalfOpen:
		if rec.probeInFlight {
			return false
		}
		rec.probeInFlight = true
		return true
	default:
		return false
	}
}

// ReportOutcome records the result of a dispatch attempt or probe. Only
// retryable failures advance the trip counter; permanent failures (auth,
// validation) are folded into the rolling estimates but never open the
// circuit on their own.
func (m *Monitor) ReportOutcome(id string, success bool, latency time.Duration, retryable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return
	}

	rec.probeInFlight = false
	m.observe(rec, success, latency)
	recordOutcome(id, success)

	if success {
		m.onSuccess(rec)
		return
	}
	m.onFailure(rec, retryable)
}

// observe folds an outcome into the rolling latency and success estimates.
func (m *Monitor) observe(rec *record, success bool, latency time.Duration) {
	outcome := 0.0
	if success {
		outcome = 1.0
	}

	if rec.Samples == 0 {
		rec.SuccessRate = outcome
		if success && latency > 0 {
			rec.AvgLatency = latency
		}
	} else {
		rec.SuccessRate = latencyAlpha*outcome + (1-latencyAlpha)*rec.SuccessRate
		if success && latency > 0 {
			if rec.AvgLatency == 0 {
				rec.AvgLatency = latency
			} else {
				rec.AvgLatency = time.Duration(latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(rec.AvgLatency))
			}
		}
	}
	rec.Samples++
}

// onSuccess applies a successful outcome to the state machine.
// Repeated successes on a closed backend are idempotent: the failure count
// stays at zero and no transition happens.
func (m *Monitor) onSuccess(rec *record) {
	rec.ConsecutiveFailures = 0

	if rec.State == StateHalfOpen {
		rec.Backoff = m.cfg.BackoffBase
		rec.NextRetryAt = time.Time{}
		m.transition(rec, StateClosed)
	}
}

// onFailure applies a failed outcome to the state machine.
func (m *Monitor) onFailure(rec *record, retryable bool) {
	if !retryable {
		return
	}

	rec.ConsecutiveFailures++

	switch rec.State {
	case StateClosed:
		if rec.ConsecutiveFailures >= m.cfg.TripThreshold {
			m.trip(rec)
		}
	case StateHalfOpen:
		// The recovery test failed: back to open with a doubled backoff.
		m.trip(rec)
	}
}

// trip opens the circuit and schedules the next recovery attempt. The
// backoff doubles on each consecutive trip, capped at BackoffMax.
func (m *Monitor) trip(rec *record) {
	rec.NextRetryAt = time.Now().Add(rec.Backoff)

	next := rec.Backoff * 2
	if next > m.cfg.BackoffMax {
		next = m.cfg.BackoffMax
	}
	rec.Backoff = next

	rec.ConsecutiveFailures = 0
	m.transition(rec, StateOpen)
}

// transition moves the record to a new state and records it.
func (m *Monitor) transition(rec *record, to State) {
	from := rec.State
	if from == to {
		return
	}
	rec.State = to

	recordStateChange(rec.Backend, from, to)

	m.logger.Info("circuit state changed",
		observability.String("backend", rec.Backend),
		observability.String("from", from.String()),
		observability.String("to", to.String()),
		observability.Time("next_retry_at", rec.NextRetryAt),
	)
}

// applyProbeResult records a completed probe and drives the state machine.
func (m *Monitor) applyProbeResult(id string, healthy bool, latency time.Duration, retryable bool) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if ok {
		rec.LastProbeTime = time.Now()
		rec.LastProbeHealthy = healthy
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.ReportOutcome(id, healthy, latency, retryable)
	recordProbe(id, healthy)
}

// beginHalfOpenProbe transitions an eligible open backend to half-open and
// reserves its probe slot. It returns false when the backend is not yet
// eligible or a probe is already in flight.
func (m *Monitor) beginHalfOpenProbe(id string, force bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return false
	}

	switch rec.State {
	case StateOpen:
		if !force && time.Now().Before(rec.NextRetryAt) {
			return false
		}
		m.transition(rec, StateHalfOpen)
		rec.probeInFlight = true
		return true
	case StateHalfOpen:
		if rec.probeInFlight {
			return false
		}
		rec.probeInFlight = true
		return true
	default:
		rec.probeInFlight = true
		return true
	}
}

// releaseProbeSlot undoes a reservation when the probe never ran.
func (m *Monitor) releaseProbeSlot(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		rec.probeInFlight = false
	}
}

// staleBackends returns ids whose probe result is older than ProbeTTL,
// including open backends that have reached their retry time.
func (m *Monitor) staleBackends() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var stale []string
	for id, rec := range m.records {
		if rec.probeInFlight {
			continue
		}
		if rec.State == StateOpen && now.Before(rec.NextRetryAt) {
			continue
		}
		if now.Sub(rec.LastProbeTime) >= m.cfg.ProbeTTL {
			stale = append(stale, id)
		}
	}
	return stale
}
