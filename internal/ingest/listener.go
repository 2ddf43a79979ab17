package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marko911/racefeed/internal/poller"
)

const filterCloseTimeout = 5 * time.Second

// LiveListener keeps the store in step with the chain. Each iteration
// catches up to the head, then drains a fresh filter anchored there so
// entries landing between iterations are picked up early. Drained entries
// are re-covered by the next catch-up, which the idempotent store absorbs.
type LiveListener struct {
	fetcher *BatchFetcher
	cfg     Config
	logger  *slog.Logger
}

func NewLiveListener(fetcher *BatchFetcher, logger *slog.Logger) *LiveListener {
	return &LiveListener{
		fetcher: fetcher,
		cfg:     fetcher.cfg,
		logger:  logger.With("component", "live-listener"),
	}
}

// Run loops until ctx is done. Failures are logged and retried after
// RetryDelay; none of them stop the listener.
func (l *LiveListener) Run(ctx context.Context) error {
	l.logger.Info("live listener started", "from_block", l.fetcher.cursor.Next())

	loop := &poller.Loop[uint64, types.Log]{
		Poll:       l.iterate,
		Sink:       l.fetcher.committer.commit,
		Interval:   l.cfg.PollInterval,
		RetryDelay: l.cfg.RetryDelay,
		Logger:     l.logger,
	}

	_, err := loop.Run(ctx, l.fetcher.cursor.Next())
	l.logger.Info("live listener stopped", "next_block", l.fetcher.cursor.Next())
	return err
}

func (l *LiveListener) iterate(ctx context.Context, cursor uint64) ([]types.Log, uint64, error) {
	next, err := l.fetcher.CatchUp(ctx)
	if err != nil {
		return nil, cursor, err
	}

	filter, err := l.fetcher.source.SubscribeFrom(ctx, next)
	if err != nil {
		return nil, cursor, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), filterCloseTimeout)
		defer cancel()
		if err := filter.Close(closeCtx); err != nil {
			l.logger.Debug("filter close failed", "error", err)
		}
	}()

	logs, err := filter.Poll(ctx)
	if err != nil {
		return nil, cursor, err
	}
	if len(logs) > 0 {
		l.logger.Info("new entries", "count", len(logs), "anchor_block", next)
	}
	return logs, next, nil
}
