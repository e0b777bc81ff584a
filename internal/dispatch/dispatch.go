// Package dispatch walks a ranked candidate list under a single absolute
// deadline, calling backend capabilities and reporting every outcome to the
// health monitor. Retry and fallback are expressed as an explicit ordered
// walk so the timeout budget stays auditable.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
	"github.com/vyrodovalexey/avllmrouter/internal/config"
	"github.com/vyrodovalexey/avllmrouter/internal/health"
	"github.com/vyrodovalexey/avllmrouter/internal/observability"
	"github.com/vyrodovalexey/avllmrouter/internal/registry"
	"github.com/vyrodovalexey/avllmrouter/internal/selector"
)

// dispatchTracerName is the OpenTelemetry tracer name for dispatch spans.
const dispatchTracerName = "avllmrouter/dispatch"

// ErrDeadlineExhausted marks candidates that were never attempted because
// the request deadline ran out first.
var ErrDeadlineExhausted = errors.New("request deadline exhausted")

// ErrAttemptNotAdmitted marks candidates the health monitor refused, e.g. a
// half-open backend whose single probe slot is taken.
var ErrAttemptNotAdmitted = errors.New("attempt not admitted by health monitor")

// Attempt is the diagnostic record of one backend attempt.
type Attempt struct {
	// Backend is the attempted backend id.
	Backend string

	// Classification tells how the failure was classified.
	Classification backend.Classification

	// Err is the failure.
	Err error

	// Elapsed is how long the attempt took.
	Elapsed time.Duration
}

// AllBackendsFailedError aggregates every attempt of an exhausted dispatch.
type AllBackendsFailedError struct {
	// Attempts holds the per-backend diagnostics in attempt order.
	Attempts []Attempt
}

// Error implements the error interface, enumerating which backends were
// tried and why each failed.
func (e *AllBackendsFailedError) Error() string {
	if len(e.Attempts) == 0 {
		return "all backends failed: no backend could be attempted"
	}

	var sb strings.Builder
	sb.WriteString("all backends failed: ")
	for i, a := range e.Attempts {
		if i > 0 {
			sb.WriteString("; ")
		}
		fmt.Fprintf(&sb, "%s (%s): %v", a.Backend, a.Classification, a.Err)
	}
	return sb.String()
}

// Result is a successful dispatch.
type Result struct {
	// Response is the backend's completion response.
	Response *backend.Response

	// Backend is the id of the backend that served the request.
	Backend string

	// Cost is the estimated cost of the call.
	Cost float64

	// Attempts counts backends tried, including the successful one.
	Attempts int
}

// Config contains dispatch timeout settings.
type Config struct {
	// SafetyMargin is subtracted from the remaining deadline for every
	// per-attempt timeout so the aggregate never overruns the caller.
	SafetyMargin time.Duration

	// CloudTimeout is the default per-attempt timeout for cloud backends.
	CloudTimeout time.Duration

	// SelfHostedTimeout is the default per-attempt timeout for self-hosted
	// backends.
	SelfHostedTimeout time.Duration
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		SafetyMargin:      config.DefaultSafetyMargin,
		CloudTimeout:      config.DefaultCloudTimeout,
		SelfHostedTimeout: config.DefaultSelfHostedTimeout,
	}
}

// Dispatcher walks candidate lists.
type Dispatcher struct {
	cfg      Config
	registry *registry.Registry
	monitor  *health.Monitor
	logger   observability.Logger
}

// New creates a dispatcher.
func New(cfg Config, reg *registry.Registry, monitor *health.Monitor, logger observability.Logger) *Dispatcher {
	if cfg.CloudTimeout <= 0 {
		cfg.CloudTimeout = DefaultConfig().CloudTimeout
	}
	if cfg.SelfHostedTimeout <= 0 {
		cfg.SelfHostedTimeout = DefaultConfig().SelfHostedTimeout
	}
	if cfg.SafetyMargin < 0 {
		cfg.SafetyMargin = 0
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Dispatcher{
		cfg:      cfg,
		registry: reg,
		monitor:  monitor,
		logger:   logger,
	}
}

// Dispatch walks candidates in rank order under the deadline carried by ctx.
// On success it reports the outcome and returns immediately. Retryable and
// permanent failures both advance to the next candidate; a credential
// problem on one backend must not abort the whole request. When the list or
// the deadline is exhausted it returns *AllBackendsFailedError.
func (d *Dispatcher) Dispatch(ctx context.Context, req *backend.Request, candidates selector.CandidateList) (*Result, error) {
	ctx, span := otel.Tracer(dispatchTracerName).Start(ctx, "dispatch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Int("dispatch.candidates", len(candidates))),
	)
	defer span.End()

	attempts := make([]Attempt, 0, len(candidates))

	for _, candidate := range candidates {
		if ctx.Err() != nil {
			break
		}

		attemptTimeout, ok := d.attemptTimeout(ctx, candidate.Descriptor.Class)
		if !ok {
			attempts = append(attempts, Attempt{
				Backend:        candidate.ID,
				Classification: backend.ClassRetryable,
				Err:            ErrDeadlineExhausted,
			})
			break
		}

		if !d.monitor.AllowAttempt(candidate.ID) {
			attempts = append(attempts, Attempt{
				Backend:        candidate.ID,
				Classification: backend.ClassRetryable,
				Err:            ErrAttemptNotAdmitted,
			})
			continue
		}

		result, attempt := d.attempt(ctx, req, candidate, attemptTimeout)
		if result != nil {
			result.Attempts = len(attempts) + 1
			span.SetAttributes(attribute.String("dispatch.backend", result.Backend))
			return result, nil
		}
		attempts = append(attempts, attempt)
	}

	err := &AllBackendsFailedError{Attempts: attempts}
	d.logger.WithContext(ctx).Warn("dispatch exhausted all candidates",
		observability.Int("attempts", len(attempts)),
		observability.Error(err),
	)
	return nil, err
}

// attemptTimeout derives the per-attempt timeout from the remaining
// deadline: min(class default, remaining - safety margin). The second return
// value is false when the remaining budget is already inside the margin.
func (d *Dispatcher) attemptTimeout(ctx context.Context, class string) (time.Duration, bool) {
	classDefault := d.cfg.CloudTimeout
	if class == config.BackendClassSelfHosted {
		classDefault = d.cfg.SelfHostedTimeout
	}

	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		return classDefault, true
	}

	remaining := time.Until(deadline) - d.cfg.SafetyMargin
	if remaining <= 0 {
		return 0, false
	}
	if classDefault < remaining {
		return classDefault, true
	}
	return remaining, true
}

// attempt issues one backend call and reports its outcome. Cancelled
// attempts are reported as timeout failures, never as successes.
func (d *Dispatcher) attempt(ctx context.Context, req *backend.Request, candidate selector.Candidate, timeout time.Duration) (*Result, Attempt) {
	cap, err := d.registry.Capability(candidate.ID)
	if err != nil {
		d.monitor.ReportOutcome(candidate.ID, false, 0, false)
		return nil, Attempt{
			Backend:        candidate.ID,
			Classification: backend.ClassPermanent,
			Err:            err,
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := cap.Complete(attemptCtx, req)
	elapsed := time.Since(start)

	if err == nil && attemptCtx.Err() != nil {
		// The call raced its own cancellation; a success that arrived after
		// the deadline must not improve the backend's health record.
		err = fmt.Errorf("attempt cancelled: %w", attemptCtx.Err())
		resp = nil
	}

	if err != nil {
		classification := backend.Classify(err)
		retryable := classification == backend.ClassRetryable
		d.monitor.ReportOutcome(candidate.ID, false, elapsed, retryable)
		recordAttempt(candidate.ID, "failure", elapsed)

		d.logger.WithContext(ctx).Debug("backend attempt failed",
			observability.String("backend", candidate.ID),
			observability.String("classification", classification.String()),
			observability.Duration("elapsed", elapsed),
			observability.Error(err),
		)

		return nil, Attempt{
			Backend:        candidate.ID,
			Classification: classification,
			Err:            err,
			Elapsed:        elapsed,
		}
	}

	d.monitor.ReportOutcome(candidate.ID, true, resp.Latency, true)
	recordAttempt(candidate.ID, "success", elapsed)

	return &Result{
		Response: resp,
		Backend:  candidate.ID,
		Cost:     cap.EstimateCost(resp.TokensIn, resp.TokensOut, resp.Model),
	}, Attempt{}
}
