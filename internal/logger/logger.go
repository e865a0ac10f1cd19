// Package logger implements a non-blocking, batched dispatch-event audit
// log. Callers enqueue entries (the Sender logs one "completed" entry per
// relayed request; the Consumer logs nothing here), and a background
// goroutine flushes them in batches so the caller never blocks on I/O. If the channel fills up (> 10 000 entries),
// new entries are dropped and counted in DroppedLogs.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// DispatchLog is one audit record of a dispatch decision.
type DispatchLog struct {
	CorrelationID string
	Model         string
	Backend       string
	Decision      string // "dispatched" | "requeued" | "sentinel" | "completed"
	Score         float64
	HasScore      bool
	Priority      int
	LatencyMs     uint32
	CreatedAt     time.Time
}

// Logger batches DispatchLog entries and flushes them through slog.
type Logger struct {
	ch        chan DispatchLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
}

// New constructs a Logger and starts its background flush loop.
func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan DispatchLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues entry. Never blocks: if the buffer is full, the entry is
// dropped and counted.
func (l *Logger) Log(entry DispatchLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

// DroppedLogs reports how many entries were discarded due to backpressure.
func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close flushes any buffered entries and stops the background goroutine.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]DispatchLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			attrs := []any{
				slog.String("correlation_id", e.CorrelationID),
				slog.String("model", e.Model),
				slog.String("backend", e.Backend),
				slog.String("decision", e.Decision),
				slog.Int("priority", e.Priority),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			}
			if e.HasScore {
				attrs = append(attrs, slog.Float64("score", e.Score))
			}
			l.log.InfoContext(ctx, "dispatch", attrs...)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
