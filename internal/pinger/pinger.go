// Package pinger implements the ServerPinger component: a background
// probe loop that fans out a health check per backend on each tick,
// then hands the healthy subset to a SelectionStrategy so dispatch
// never routes to a server that just went down. The
// parallel-probe-then-publish-a-snapshot shape generalizes from a fixed
// provider/cache/db triple to an arbitrary backend list.
package pinger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nulpointcorp/vllm-gateway/internal/metrics"
	"github.com/nulpointcorp/vllm-gateway/internal/model"
)

const probeTimeout = 5 * time.Second

// Strategy is the subset of strategy.Strategy the pinger updates after
// each probe round.
type Strategy interface {
	UpdateServers(backends []model.Backend)
}

// Pinger runs background health probes against a backend registry and
// keeps a Strategy's active set in sync with the healthy subset.
type Pinger struct {
	client      *http.Client
	refreshRate time.Duration
	strategy    Strategy
	log         *slog.Logger

	mu       sync.Mutex
	backends []model.Backend

	cancel context.CancelFunc
	done   chan struct{}

	metrics *metrics.Registry
}

// SetMetrics attaches a metrics registry; each probe round then reports
// per-backend health via SetBackendHealthy. Optional — nil disables it.
func (p *Pinger) SetMetrics(m *metrics.Registry) {
	p.metrics = m
}

// New constructs a Pinger. Run must be called to start the probe loop.
func New(refreshRate time.Duration, strategyTarget Strategy, log *slog.Logger) *Pinger {
	return &Pinger{
		client:      &http.Client{Timeout: probeTimeout},
		refreshRate: refreshRate,
		strategy:    strategyTarget,
		log:         log,
	}
}

// Run starts the background probe loop over backends, probing
// immediately and then every refreshRate until ctx is cancelled. Run is
// idempotent: a second call is a no-op until Stop is called.
func (p *Pinger) Run(ctx context.Context, backends []model.Backend) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.backends = append([]model.Backend(nil), backends...)
	p.done = make(chan struct{})
	backendsSnapshot := p.backends
	p.mu.Unlock()

	go p.loop(loopCtx, backendsSnapshot)
}

// Stop cancels the background probe loop and waits for it to exit.
func (p *Pinger) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// UpdateBackends replaces the registry-ordered candidate list the next
// probe round considers. Takes effect on the following tick.
func (p *Pinger) UpdateBackends(backends []model.Backend) {
	p.mu.Lock()
	p.backends = append([]model.Backend(nil), backends...)
	p.mu.Unlock()
}

func (p *Pinger) loop(ctx context.Context, initial []model.Backend) {
	defer close(p.done)

	p.probeOnce(ctx, initial)

	ticker := time.NewTicker(p.refreshRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			current := p.backends
			p.mu.Unlock()
			p.probeOnce(ctx, current)
		}
	}
}

// probeOnce fans out a GET /v1/models to every backend, then hands the
// strategy the healthy subset, preserving registry order.
func (p *Pinger) probeOnce(ctx context.Context, backends []model.Backend) {
	if len(backends) == 0 {
		return
	}

	healthy := make([]bool, len(backends))
	var wg sync.WaitGroup
	for i, b := range backends {
		i, b := i, b
		wg.Add(1)
		go func() {
			defer wg.Done()
			healthy[i] = p.check(ctx, b)
		}()
	}
	wg.Wait()

	result := make([]model.Backend, 0, len(backends))
	for i, b := range backends {
		if p.metrics != nil {
			p.metrics.SetBackendHealthy(b.URL, healthy[i])
		}
		if healthy[i] {
			result = append(result, b)
		}
	}

	if len(result) == 0 {
		p.log.Error("server pinger: no healthy backends", "checked", len(backends))
	}

	p.strategy.UpdateServers(result)
}

func (p *Pinger) check(ctx context.Context, b model.Backend) bool {
	return Check(ctx, p.client, b)
}

// Check probes a single backend's GET /v1/models and reports whether it
// answered with a 2xx status. Exported so the startup readiness gate,
// which waits for at least one backend before accepting traffic, can
// reuse the exact probe the background pinger uses.
func Check(ctx context.Context, client *http.Client, b model.Backend) bool {
	reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, b.URL+"/v1/models", nil)
	if err != nil {
		return false
	}
	if b.Token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", b.Token))
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
