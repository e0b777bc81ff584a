package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T, ids ...string) *Monitor {
	t.Helper()
	if len(ids) == 0 {
		ids = []string{"backend-a"}
	}
	return NewMonitor(Config{
		TripThreshold: 5,
		BackoffBase:   time.Minute,
		BackoffMax:    4 * time.Minute,
	}, ids, nil)
}

func reportFailures(m *Monitor, id string, n int, retryable bool) {
	for i := 0; i < n; i++ {
		m.ReportOutcome(id, false, 10*time.Millisecond, retryable)
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestMonitor_InitialState(t *testing.T) {
	m := newTestMonitor(t, "a", "b")

	snapshot := m.Snapshot()
	require.Len(t, snapshot, 2)
	for _, rec := range snapshot {
		assert.Equal(t, StateClosed, rec.State)
		assert.Zero(t, rec.ConsecutiveFailures)
		assert.Equal(t, time.Minute, rec.Backoff)
	}
}

func TestMonitor_Get_Unknown(t *testing.T) {
	m := newTestMonitor(t)

	_, err := m.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestMonitor_TripAfterConsecutiveRetryableFailures(t *testing.T) {
	m := newTestMonitor(t)

	reportFailures(m, "backend-a", 4, true)
	rec, err := m.Get("backend-a")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, rec.State)
	assert.Equal(t, 4, rec.ConsecutiveFailures)

	// The fifth consecutive retryable failure opens the circuit.
	reportFailures(m, "backend-a", 1, true)
	rec, err = m.Get("backend-a")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, rec.State)
	assert.False(t, rec.NextRetryAt.IsZero())
	assert.WithinDuration(t, time.Now().Add(time.Minute), rec.NextRetryAt, 5*time.Second)
}

func TestMonitor_PermanentFailuresNeverTrip(t *testing.T) {
	m := newTestMonitor(t)

	reportFailures(m, "backend-a", 20, false)

	rec, err := m.Get("backend-a")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, rec.State)
	assert.Zero(t, rec.ConsecutiveFailures)
}

func TestMonitor_SuccessResetsFailureCount(t *testing.T) {
	m := newTestMonitor(t)

	reportFailures(m, "backend-a", 4, true)
	m.ReportOutcome("backend-a", true, 50*time.Millisecond, false)
	reportFailures(m, "backend-a", 4, true)

	rec, err := m.Get("backend-a")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, rec.State)
	assert.Equal(t, 4, rec.ConsecutiveFailures)
}

func TestMonitor_SuccessOnClosedIsIdempotent(t *testing.T) {
	m := newTestMonitor(t)

	for i := 0; i < 3; i++ {
		m.ReportOutcome("backend-a", true, 50*time.Millisecond, false)
	}

	rec, err := m.Get("backend-a")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, rec.State)
	assert.Zero(t, rec.ConsecutiveFailures)
}

func TestMonitor_BackoffDoublesAndCaps(t *testing.T) {
	m := newTestMonitor(t)

	// First trip schedules the base backoff and pre-doubles for the next.
	reportFailures(m, "backend-a", 5, true)
	rec, err := m.Get("backend-a")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, rec.Backoff)

	// Failed recovery: open -> half-open -> failed probe trips again.
	require.True(t, m.beginHalfOpenProbe("backend-a", true))
	m.ReportOutcome("backend-a", false, 0, true)
	rec, err = m.Get("backend-a")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, rec.State)
	assert.Equal(t, 4*time.Minute, rec.Backoff)

	// The doubled backoff is capped at BackoffMax.
	require.True(t, m.beginHalfOpenProbe("backend-a", true))
	m.ReportOutcome("backend-a", false, 0, true)
	rec, err = m.Get("backend-a")
	require.NoError(t, err)
	assert.Equal(t, 4*time.Minute, rec.Backoff)
}

func TestMonitor_HalfOpenSuccessCloses(t *testing.T) {
	m := newTestMonitor(t)

	reportFailures(m, "backend-a", 5, true)
	require.True(t, m.beginHalfOpenProbe("backend-a", true))

	m.ReportOutcome("backend-a", true, 30*time.Millisecond, false)

	rec, err := m.Get("backend-a")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, rec.State)
	assert.Equal(t, time.Minute, rec.Backoff)
	assert.True(t, rec.NextRetryAt.IsZero())
}

func TestMonitor_AllowAttempt(t *testing.T) {
	m := newTestMonitor(t)

	// Closed admits everything.
	assert.True(t, m.AllowAttempt("backend-a"))
	assert.True(t, m.AllowAttempt("backend-a"))

	// Open admits nothing.
	reportFailures(m, "backend-a", 5, true)
	assert.False(t, m.AllowAttempt("backend-a"))

	// Half-open admits exactly one in-flight attempt.
	require.True(t, m.beginHalfOpenProbe("backend-a", true))
	m.releaseProbeSlot("backend-a")

	assert.True(t, m.AllowAttempt("backend-a"))
	assert.False(t, m.AllowAttempt("backend-a"))

	// Reporting the outcome frees the slot; a success closes the circuit.
	m.ReportOutcome("backend-a", true, 10*time.Millisecond, false)
	assert.True(t, m.AllowAttempt("backend-a"))

	// Unknown backends are never admitted.
	assert.False(t, m.AllowAttempt("missing"))
}

func TestMonitor_OpenRespectsRetryTimer(t *testing.T) {
	m := newTestMonitor(t)
	reportFailures(m, "backend-a", 5, true)

	// The retry time is a minute away: an unforced probe is not eligible.
	assert.False(t, m.beginHalfOpenProbe("backend-a", false))

	// Force bypasses the timer.
	assert.True(t, m.beginHalfOpenProbe("backend-a", true))
	rec, err := m.Get("backend-a")
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, rec.State)
}

func TestMonitor_RollingEstimates(t *testing.T) {
	m := newTestMonitor(t)

	m.ReportOutcome("backend-a", true, 100*time.Millisecond, false)
	rec, err := m.Get("backend-a")
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, rec.AvgLatency)
	assert.InDelta(t, 1.0, rec.SuccessRate, 1e-9)

	m.ReportOutcome("backend-a", false, 0, false)
	rec, err = m.Get("backend-a")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, rec.SuccessRate, 1e-9)
	// Failures do not move the latency estimate.
	assert.Equal(t, 100*time.Millisecond, rec.AvgLatency)

	m.ReportOutcome("backend-a", true, 200*time.Millisecond, false)
	rec, err = m.Get("backend-a")
	require.NoError(t, err)
	assert.InDelta(t, 0.79, rec.SuccessRate, 1e-9)
	assert.InDelta(t, float64(130*time.Millisecond), float64(rec.AvgLatency), float64(time.Microsecond))
	assert.Equal(t, 3, rec.Samples)
}

func TestMonitor_SnapshotIsACopy(t *testing.T) {
	m := newTestMonitor(t)

	snapshot := m.Snapshot()
	reportFailures(m, "backend-a", 5, true)

	assert.Equal(t, StateClosed, snapshot["backend-a"].State)
	assert.Equal(t, StateOpen, m.Snapshot()["backend-a"].State)
}
