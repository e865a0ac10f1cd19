// Package strategy implements backend selection strategies: round-robin
// and least-busy-by-latency-percentile.
package strategy

import (
	"errors"
	"sync"

	"github.com/nulpointcorp/vllm-gateway/internal/model"
)

// ErrServerNotFound is returned by ChooseServer when the active backend
// set is empty.
var ErrServerNotFound = errors.New("strategy: no healthy backend available")

// NoScore is the absent score, returned by strategies that don't compute
// one (round-robin).
const NoScore = 0

// NoDataScore is the sentinel meaning "no measurements yet" — strictly
// preferred over any numeric score so unused backends bootstrap first.
const NoDataScore = -1

// DefaultPercentile is the latency-bucket percentile LeastBusy and the
// private-pool selection in internal/dispatcher score backends by:
// least-busy-by-latency-percentile, at p95.
const DefaultPercentile = 0.95

// Strategy picks one backend per dispatch.
type Strategy interface {
	// ChooseServer returns a backend and its score, if the strategy
	// tracks one. hasScore is false for strategies that don't score
	// (round-robin).
	ChooseServer() (backend model.Backend, score float64, hasScore bool, err error)

	// UpdateServers atomically replaces the active backend set. A
	// call with an unchanged set is a no-op.
	UpdateServers(backends []model.Backend)
}

// RoundRobin rotates through the active backend list in strict order.
type RoundRobin struct {
	mu       sync.Mutex
	backends []model.Backend
	idx      int
}

// NewRoundRobin constructs a RoundRobin strategy over the given initial
// backend set.
func NewRoundRobin(backends []model.Backend) *RoundRobin {
	return &RoundRobin{backends: append([]model.Backend(nil), backends...)}
}

func (r *RoundRobin) ChooseServer() (model.Backend, float64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.backends) == 0 {
		return model.Backend{}, 0, false, ErrServerNotFound
	}
	choice := r.backends[r.idx%len(r.backends)]
	r.idx = (r.idx + 1) % len(r.backends)
	return choice, NoScore, false, nil
}

func (r *RoundRobin) UpdateServers(backends []model.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sameBackendSet(r.backends, backends) {
		return
	}
	r.backends = append([]model.Backend(nil), backends...)
	r.idx = 0
}

func sameBackendSet(a, b []model.Backend) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
