// Package ingest scans the race contract's logs into the result store:
// bounded catch-up over historical blocks followed by a polling live loop.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marko911/racefeed/internal/adapter"
	"github.com/marko911/racefeed/internal/metrics"
	"github.com/marko911/racefeed/internal/poller"
)

// Config controls scan pacing.
type Config struct {
	// Blocks past the window start included in one range query.
	BatchSize uint64

	// Pause between live iterations.
	PollInterval time.Duration

	// Pause before retrying a failed window or iteration.
	RetryDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:    1000,
		PollInterval: 10 * time.Second,
		RetryDelay:   10 * time.Second,
	}
}

// BatchFetcher brings the cursor up to the chain head one window at a time.
type BatchFetcher struct {
	source    adapter.LogSource
	committer *committer
	cursor    *Cursor
	cfg       Config
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewBatchFetcher(
	source adapter.LogSource,
	normalizer Normalizer,
	store Store,
	cursor *Cursor,
	cfg Config,
	m *metrics.Metrics,
	logger *slog.Logger,
) *BatchFetcher {
	def := DefaultConfig()
	if cfg.BatchSize == 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	logger = logger.With("component", "batch-fetcher")

	return &BatchFetcher{
		source: source,
		committer: &committer{
			normalizer: normalizer,
			store:      store,
			metrics:    m,
			logger:     logger,
		},
		cursor:  cursor,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// CatchUp scans from the cursor to the chain head observed at the start of
// the call and returns the next unscanned block.
//
// Windows are processed strictly in order. A window that fails for any
// reason is retried as-is after RetryDelay; the cursor moves past a window
// only once all of its entries are committed. CatchUp returns early only
// when the head cannot be read or ctx ends.
func (f *BatchFetcher) CatchUp(ctx context.Context) (uint64, error) {
	start := f.cursor.Next()

	target, err := f.source.Head(ctx)
	if err != nil {
		return start, fmt.Errorf("get head: %w", err)
	}
	f.metrics.Head.Set(float64(target))

	if start >= target {
		return start, nil
	}

	f.logger.Info("catching up", "from_block", start, "to_block", target)

	loop := &poller.Loop[uint64, struct{}]{
		Poll: func(ctx context.Context, current uint64) ([]struct{}, uint64, error) {
			end := min(current+f.cfg.BatchSize, target)
			if err := f.fetchWindow(ctx, current, end); err != nil {
				return nil, current, err
			}
			return nil, end + 1, nil
		},
		RetryDelay: f.cfg.RetryDelay,
		Until:      func(current uint64) bool { return current >= target },
		OnAdvance:  f.advance,
		Logger:     f.logger,
	}

	final, err := loop.Run(ctx, start)
	if err != nil {
		return final, err
	}

	f.logger.Info("caught up", "next_block", final)
	return final, nil
}

// ScanWindow fetches and commits [from, to] once without touching the
// cursor. It is safe to call concurrently for disjoint ranges.
func (f *BatchFetcher) ScanWindow(ctx context.Context, from, to uint64) error {
	return f.fetchWindow(ctx, from, to)
}

func (f *BatchFetcher) fetchWindow(ctx context.Context, from, to uint64) error {
	began := time.Now()

	logs, err := f.source.Entries(ctx, from, to)
	if err != nil {
		f.metrics.Windows.WithLabelValues(windowStatus(err)).Inc()
		return err
	}

	if err := f.committer.commit(ctx, logs); err != nil {
		f.metrics.Windows.WithLabelValues("error").Inc()
		return fmt.Errorf("commit window [%d,%d]: %w", from, to, err)
	}

	f.metrics.Windows.WithLabelValues("ok").Inc()
	f.metrics.WindowDuration.Observe(time.Since(began).Seconds())
	f.logger.Debug("window committed", "from_block", from, "to_block", to, "entries", len(logs))
	return nil
}

func (f *BatchFetcher) advance(next uint64) {
	if err := f.cursor.Advance(next); err != nil {
		f.logger.Error("cursor not advanced", "error", err)
		return
	}
	f.metrics.Cursor.Set(float64(next))
}

func windowStatus(err error) string {
	if errors.Is(err, adapter.ErrTimeout) {
		return "timeout"
	}
	return "error"
}
