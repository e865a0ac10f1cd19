package strategy

import (
	"context"
	"math/rand"
	"sync"

	"github.com/nulpointcorp/vllm-gateway/internal/histogram"
	"github.com/nulpointcorp/vllm-gateway/internal/model"
)

// Tracker is the subset of metricstracker.Tracker the LeastBusy strategy
// depends on, narrowed to keep this package testable without a live
// ring-buffer tracker.
type Tracker interface {
	Monitor(ctx context.Context, urls []string)
	StopMonitor()
	UpdateURLs(ctx context.Context, urls []string)
	Diff(url string) histogram.Histogram
}

// LeastBusy scores each backend by the p95 upper bound of its
// time-to-first-token diff histogram and picks the minimum, treating an
// empty histogram (score -1) as strictly better than any numeric score.
type LeastBusy struct {
	tracker    Tracker
	percentile float64
	ctx        context.Context

	mu       sync.Mutex
	backends []model.Backend
}

// NewLeastBusy constructs a LeastBusy strategy. ctx bounds the tracker's
// background refresh tasks; percentile is typically 0.95.
func NewLeastBusy(ctx context.Context, tracker Tracker, percentile float64, backends []model.Backend) *LeastBusy {
	s := &LeastBusy{tracker: tracker, percentile: percentile, ctx: ctx, backends: append([]model.Backend(nil), backends...)}
	tracker.Monitor(ctx, urlsOf(backends))
	return s
}

func (s *LeastBusy) ChooseServer() (model.Backend, float64, bool, error) {
	s.mu.Lock()
	backends := append([]model.Backend(nil), s.backends...)
	s.mu.Unlock()

	chosen, score, err := PickLeastBusy(s.tracker, s.percentile, backends)
	if err != nil {
		return model.Backend{}, 0, false, err
	}
	return chosen, score, true, nil
}

// Score returns the p95 upper bound of url's diff histogram, or
// NoDataScore if the histogram is empty.
func (s *LeastBusy) Score(url string) float64 {
	return ScoreBackend(s.tracker, s.percentile, url)
}

// ScoreBackend returns the p95 upper bound of url's diff histogram
// tracked by tracker, or NoDataScore if the histogram is empty.
func ScoreBackend(tracker Tracker, percentile float64, url string) float64 {
	h := tracker.Diff(url)
	b, ok := histogram.Percentile(h, percentile)
	if !ok {
		return NoDataScore
	}
	return b.UpperBound
}

// PickLeastBusy scores every backend via tracker and picks the minimum,
// breaking ties uniformly at random. Any backend scoring NoDataScore is
// strictly preferred. Used both by the LeastBusy strategy and by the
// dispatcher's private-pool selection, which restricts the candidate set
// to one organization but applies the identical heuristic.
func PickLeastBusy(tracker Tracker, percentile float64, backends []model.Backend) (model.Backend, float64, error) {
	if len(backends) == 0 {
		return model.Backend{}, 0, ErrServerNotFound
	}

	scores := make([]float64, len(backends))
	best := 0
	for i, b := range backends {
		scores[i] = ScoreBackend(tracker, percentile, b.URL)
		if scores[i] < scores[best] {
			best = i
		}
	}

	var tied []int
	for i, sc := range scores {
		if sc == scores[best] {
			tied = append(tied, i)
		}
	}
	choice := tied[rand.Intn(len(tied))]
	return backends[choice], scores[choice], nil
}

func (s *LeastBusy) UpdateServers(backends []model.Backend) {
	s.mu.Lock()
	unchanged := sameBackendSet(s.backends, backends)
	s.mu.Unlock()
	if unchanged {
		return
	}

	s.tracker.UpdateURLs(s.ctx, urlsOf(backends))

	s.mu.Lock()
	s.backends = append([]model.Backend(nil), backends...)
	s.mu.Unlock()
}

func urlsOf(backends []model.Backend) []string {
	urls := make([]string, len(backends))
	for i, b := range backends {
		urls[i] = b.URL
	}
	return urls
}
