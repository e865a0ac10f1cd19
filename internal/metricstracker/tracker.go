// Package metricstracker maintains a sliding-window diff histogram per
// backend, refreshed from each backend's /metrics endpoint.
package metricstracker

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/nulpointcorp/vllm-gateway/internal/histogram"
)

// timeToFirstTokenPattern selects the time-to-first-token bucket series,
// the metric the least-busy score is computed from.
var timeToFirstTokenPattern = regexp.MustCompile(`(?m)^vllm:time_to_first_token_seconds_bucket.*$`)

// Tracker holds one windowed diff histogram per backend URL, refreshed on
// a fixed interval by an independently cancellable task per backend.
type Tracker struct {
	refreshRate time.Duration
	window      int
	httpClient  *http.Client
	log         *slog.Logger

	mu      sync.RWMutex
	urls    []string
	ring    map[string][]histogram.Histogram
	diffs   map[string]histogram.Histogram
	slot    int
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Tracker. refreshRate is METRICS_REFRESH_RATE;
// window is REFRESH_COUNT_PER_WINDOW, the ring buffer size.
func New(refreshRate time.Duration, window int, log *slog.Logger) *Tracker {
	if window < 1 {
		window = 1
	}
	return &Tracker{
		refreshRate: refreshRate,
		window:      window,
		httpClient:  &http.Client{Timeout: refreshRate},
		log:         log,
	}
}

func (t *Tracker) resetLocked(urls []string) {
	t.urls = urls
	t.ring = make(map[string][]histogram.Histogram, len(urls))
	t.diffs = make(map[string]histogram.Histogram, len(urls))
	for _, u := range urls {
		slots := make([]histogram.Histogram, t.window)
		for i := range slots {
			slots[i] = histogram.Histogram{}
		}
		t.ring[u] = slots
		t.diffs[u] = histogram.Histogram{}
	}
	t.slot = 0
}

// Monitor idempotently starts one background refresh task per backend URL.
func (t *Tracker) Monitor(ctx context.Context, urls []string) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.resetLocked(urls)
	t.running = true
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	for _, u := range urls {
		t.wg.Add(1)
		go t.monitorBackend(runCtx, u)
	}
}

// StopMonitor cancels all per-backend tasks and waits for them to exit.
func (t *Tracker) StopMonitor() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cancel := t.cancel
	t.mu.Unlock()

	cancel()
	t.wg.Wait()
}

// UpdateURLs stops monitoring, re-initializes state for the new URL set,
// and restarts.
func (t *Tracker) UpdateURLs(ctx context.Context, urls []string) {
	t.StopMonitor()
	t.Monitor(ctx, urls)
}

// Diff returns the current diff histogram for url, or an empty histogram
// if url is not tracked or has never produced a sample.
func (t *Tracker) Diff(url string) histogram.Histogram {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if h, ok := t.diffs[url]; ok {
		return h
	}
	return histogram.Histogram{}
}

func (t *Tracker) monitorBackend(ctx context.Context, url string) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.refreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.refreshOne(url)
		}
	}
}

func (t *Tracker) refreshOne(url string) {
	text, err := t.fetchMetrics(url)
	if err != nil {
		t.log.Debug("metrics fetch failed", "backend", url, "error", err)
		return
	}

	newHist := histogram.Parse(text, timeToFirstTokenPattern)

	t.mu.Lock()
	defer t.mu.Unlock()
	slots, ok := t.ring[url]
	if !ok {
		return
	}
	slot := t.slot % t.window
	previous := slots[slot]
	t.diffs[url] = histogram.Diff(newHist, previous)
	slots[slot] = newHist
	t.slot = (t.slot + 1) % t.window
}

func (t *Tracker) fetchMetrics(url string) (string, error) {
	req, err := http.NewRequest(http.MethodGet, url+"/metrics", nil)
	if err != nil {
		return "", err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}
