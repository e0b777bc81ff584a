// Package health owns each backend's circuit breaker state machine and the
// background probe loop. It is the single writer of health state: dispatch
// outcomes and probe results funnel through the Monitor, and every other
// component reads an immutable snapshot.
package health
