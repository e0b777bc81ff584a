package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
)

func TestMonitor_Start_ProbesStaleBackends(t *testing.T) {
	m := NewMonitor(Config{
		TripThreshold:    5,
		BackoffBase:      time.Minute,
		BackoffMax:       time.Hour,
		ProbeInterval:    10 * time.Millisecond,
		ProbeTTL:         time.Hour,
		ProbeConcurrency: 2,
	}, []string{"a", "b"}, nil)

	var calls atomic.Int32
	probe := func(_ context.Context, _ string) error {
		calls.Add(1)
		return nil
	}

	m.Start(context.Background(), probe)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	// Both probed healthy; results are fresh for an hour, so no re-probe.
	rec, err := m.Get("a")
	require.NoError(t, err)
	assert.True(t, rec.LastProbeHealthy)
	assert.False(t, rec.LastProbeTime.IsZero())
	assert.Equal(t, StateClosed, rec.State)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMonitor_Start_ZeroProbeConcurrencyStillProbes(t *testing.T) {
	// An un-set concurrency falls back to the default instead of stalling
	// the probe loop.
	m := NewMonitor(Config{
		ProbeInterval: 10 * time.Millisecond,
		ProbeTTL:      time.Hour,
	}, []string{"a"}, nil)

	assert.Equal(t, DefaultConfig().ProbeConcurrency, m.cfg.ProbeConcurrency)

	var calls atomic.Int32
	probe := func(_ context.Context, _ string) error {
		calls.Add(1)
		return nil
	}

	m.Start(context.Background(), probe)

	require.Eventually(t, func() bool {
		return calls.Load() >= 1
	}, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestMonitor_Start_FailingProbesTripCircuit(t *testing.T) {
	m := NewMonitor(Config{
		TripThreshold:    3,
		BackoffBase:      time.Hour,
		BackoffMax:       time.Hour,
		ProbeInterval:    5 * time.Millisecond,
		ProbeTTL:         0, // always stale
		ProbeConcurrency: 1,
	}, []string{"a"}, nil)

	probe := func(_ context.Context, _ string) error {
		return backend.NewRetryableError("a", errors.New("connection refused"))
	}

	m.Start(context.Background(), probe)
	defer m.Stop()

	require.Eventually(t, func() bool {
		rec, err := m.Get("a")
		return err == nil && rec.State == StateOpen
	}, time.Second, 5*time.Millisecond)
}

func TestMonitor_StartStop_Idempotent(t *testing.T) {
	m := newTestMonitor(t)

	probe := func(_ context.Context, _ string) error { return nil }
	m.Start(context.Background(), probe)
	m.Start(context.Background(), probe)

	m.Stop()
	m.Stop()
}

func TestMonitor_ForceProbe(t *testing.T) {
	m := newTestMonitor(t)

	// Trip the circuit; the retry time is a minute away.
	reportFailures(m, "backend-a", 5, true)

	result, err := m.ForceProbe(context.Background(), func(_ context.Context, _ string) error {
		return nil
	}, "backend-a")
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.Equal(t, "backend-a", result.Backend)

	// A healthy forced probe closes the circuit immediately.
	rec, err := m.Get("backend-a")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, rec.State)
}

func TestMonitor_ForceProbe_Failure(t *testing.T) {
	m := newTestMonitor(t)
	reportFailures(m, "backend-a", 5, true)

	probeErr := backend.NewRetryableError("backend-a", errors.New("still down"))
	result, err := m.ForceProbe(context.Background(), func(_ context.Context, _ string) error {
		return probeErr
	}, "backend-a")
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	assert.ErrorIs(t, result.Err, probeErr)

	// The failed recovery re-opens with a doubled backoff.
	rec, err := m.Get("backend-a")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, rec.State)
	assert.Equal(t, 4*time.Minute, rec.Backoff)
}

func TestMonitor_ForceProbe_Unknown(t *testing.T) {
	m := newTestMonitor(t)

	_, err := m.ForceProbe(context.Background(), func(_ context.Context, _ string) error {
		return nil
	}, "missing")
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestMonitor_ForceProbe_ConcurrentProbeRejected(t *testing.T) {
	m := newTestMonitor(t)

	// Simulate an in-flight recovery probe holding the half-open slot.
	reportFailures(m, "backend-a", 5, true)
	require.True(t, m.beginHalfOpenProbe("backend-a", true))

	_, err := m.ForceProbe(context.Background(), func(_ context.Context, _ string) error {
		return nil
	}, "backend-a")
	assert.ErrorIs(t, err, ErrProbeInFlight)
}
