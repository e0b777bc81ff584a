// Package selector ranks eligible backends for one request. Given a health
// snapshot and the registered descriptors it filters out open and disabled
// backends and orders the rest by a weighted score.
package selector

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
	"github.com/vyrodovalexey/avllmrouter/internal/health"
	"github.com/vyrodovalexey/avllmrouter/internal/registry"
)

// ErrNoEligibleBackends is returned when every backend is filtered out.
var ErrNoEligibleBackends = errors.New("no eligible backends")

// neutralPerformanceScore is used for backends with no latency history.
const neutralPerformanceScore = 0.5

// Weights are the scoring weights. They should sum to 1.0.
type Weights struct {
	Availability float64
	Cost         float64
	Performance  float64
	Preference   float64
}

// DefaultWeights returns the documented default weights.
func DefaultWeights() Weights {
	return Weights{
		Availability: 0.4,
		Cost:         0.3,
		Performance:  0.2,
		Preference:   0.1,
	}
}

// Candidate is one ranked backend.
type Candidate struct {
	// ID is the backend id.
	ID string

	// Score is the computed weighted score.
	Score float64

	// Descriptor is the backend's registry descriptor.
	Descriptor registry.Descriptor
}

// CandidateList is the ordered result of one selection. It is created per
// request and owned by the dispatcher for the request's lifetime.
type CandidateList []Candidate

// IDs returns the candidate backend ids in rank order.
func (l CandidateList) IDs() []string {
	ids := make([]string, len(l))
	for i, c := range l {
		ids[i] = c.ID
	}
	return ids
}

// Selector ranks backends. Weights may be swapped at runtime by config
// reload; each selection reads a consistent copy.
type Selector struct {
	mu      sync.RWMutex
	weights Weights
}

// New creates a selector with the given weights. Zero weights fall back to
// the defaults.
func New(weights Weights) *Selector {
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	return &Selector{weights: weights}
}

// SetWeights replaces the scoring weights. Zero weights fall back to the
// defaults, mirroring New.
func (s *Selector) SetWeights(weights Weights) {
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	s.mu.Lock()
	s.weights = weights
	s.mu.Unlock()
}

// currentWeights returns the weights in effect for one selection.
func (s *Selector) currentWeights() Weights {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.weights
}

// Select ranks the eligible backends for req. Backends in the open state and
// backends the caller disabled are filtered; pinning never bypasses an open
// breaker. When the request pins an ineligible backend the remaining ranked
// list is still returned as fallback, unless the request opts out.
func (s *Selector) Select(req *backend.Request, snapshot map[string]health.Record, descriptors []registry.Descriptor) (CandidateList, error) {
	disabled := make(map[string]bool, len(req.Disabled))
	for _, id := range req.Disabled {
		disabled[id] = true
	}

	eligible := make([]registry.Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		if !d.Enabled || disabled[d.ID] {
			continue
		}
		if snapshot[d.ID].State == health.StateOpen {
			continue
		}
		eligible = append(eligible, d)
	}

	if len(eligible) == 0 {
		return nil, ErrNoEligibleBackends
	}

	if req.NoFallback && req.Backend != "" {
		pinned := eligible[:0:0]
		for _, d := range eligible {
			if d.ID == req.Backend {
				pinned = append(pinned, d)
			}
		}
		if len(pinned) == 0 {
			return nil, ErrNoEligibleBackends
		}
		eligible = pinned
	}

	candidates := s.score(req, snapshot, eligible)

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		// Deterministic ties: lower declared priority, then lexical id.
		if candidates[i].Descriptor.Priority != candidates[j].Descriptor.Priority {
			return candidates[i].Descriptor.Priority < candidates[j].Descriptor.Priority
		}
		return candidates[i].ID < candidates[j].ID
	})

	return candidates, nil
}

// score computes the weighted score for each eligible backend.
func (s *Selector) score(req *backend.Request, snapshot map[string]health.Record, eligible []registry.Descriptor) CandidateList {
	weights := s.currentWeights()
	minCost := minimumCost(eligible)
	minLat := minimumLatency(eligible, snapshot)
	prefRank := preferenceRanks(req, eligible)

	candidates := make(CandidateList, 0, len(eligible))
	for _, d := range eligible {
		rec := snapshot[d.ID]

		score := weights.Score(
			availabilityScore(rec.State),
			costScore(d.CostPerToken, minCost),
			performanceScore(rec, minLat),
			prefRank[d.ID],
		)

		candidates = append(candidates, Candidate{
			ID:         d.ID,
			Score:      score,
			Descriptor: d,
		})
	}
	return candidates
}

// Score combines the four component scores by the documented weighted
// formula.
func (w Weights) Score(availability, cost, performance, preference float64) float64 {
	return w.Availability*availability +
		w.Cost*cost +
		w.Performance*performance +
		w.Preference*preference
}

// availabilityScore maps circuit state to a score. Open backends never reach
// here; they are filtered out before scoring.
func availabilityScore(state health.State) float64 {
	switch state {
	case health.StateClosed:
		return 1.0
	case health.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}

// costScore inverse-normalizes cost per token: the cheapest eligible backend
// scores 1.0 and the rest score proportionally (minCost/cost).
func costScore(cost, minCost float64) float64 {
	if cost <= 0 {
		return 1.0
	}
	return minCost / cost
}

// performanceScore inverse-normalizes the rolling latency: the fastest
// backend with history scores 1.0. Backends with no history get a neutral
// score.
func performanceScore(rec health.Record, minLat time.Duration) float64 {
	if rec.AvgLatency == 0 {
		return neutralPerformanceScore
	}
	return float64(minLat) / float64(rec.AvgLatency)
}

// minimumCost returns the lowest cost per token across the eligible backends.
func minimumCost(eligible []registry.Descriptor) float64 {
	minCost := eligible[0].CostPerToken
	for _, d := range eligible[1:] {
		if d.CostPerToken < minCost {
			minCost = d.CostPerToken
		}
	}
	return minCost
}

// minimumLatency returns the lowest rolling latency across backends that
// have history.
func minimumLatency(eligible []registry.Descriptor, snapshot map[string]health.Record) time.Duration {
	var minLat time.Duration
	for _, d := range eligible {
		lat := snapshot[d.ID].AvgLatency
		if lat == 0 {
			continue
		}
		if minLat == 0 || lat < minLat {
			minLat = lat
		}
	}
	return minLat
}

// preferenceRanks computes the preference score per backend: 1.0 for the
// caller's pinned backend or, absent a pin, the first backend in declared
// priority order; others scale by inverse priority rank. An explicit
// fallback preference list ranks ahead of the declared order.
func preferenceRanks(req *backend.Request, eligible []registry.Descriptor) map[string]float64 {
	ordered := make([]registry.Descriptor, len(eligible))
	copy(ordered, eligible)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	fallbackPos := make(map[string]int, len(req.Fallbacks))
	for i, id := range req.Fallbacks {
		fallbackPos[id] = i
	}
	if len(fallbackPos) > 0 {
		sort.SliceStable(ordered, func(i, j int) bool {
			pi, iok := fallbackPos[ordered[i].ID]
			pj, jok := fallbackPos[ordered[j].ID]
			switch {
			case iok && jok:
				return pi < pj
			case iok:
				return true
			case jok:
				return false
			default:
				return false
			}
		})
	}

	ranks := make(map[string]float64, len(ordered))
	for rank, d := range ordered {
		switch {
		case req.Backend != "" && d.ID == req.Backend:
			ranks[d.ID] = 1.0
		case req.Backend == "" && rank == 0:
			ranks[d.ID] = 1.0
		default:
			ranks[d.ID] = 1.0 / float64(1+rank)
		}
	}
	return ranks
}
