// Package poller runs the poll-since-cursor loop shared by ingestion and
// every store consumer: ask for what is new after a cursor, act on it, and
// advance the cursor only once the action succeeded.
package poller

import (
	"context"
	"log/slog"
	"time"
)

// PollFunc returns items newer than cursor and the cursor to resume from
// once they have been handled.
type PollFunc[C, T any] func(ctx context.Context, cursor C) (items []T, next C, err error)

// SinkFunc handles a non-empty batch of items.
type SinkFunc[T any] func(ctx context.Context, items []T) error

// Loop drives a PollFunc until its context ends or a fatal error occurs.
//
// A failed poll or sink leaves the cursor where it was; the same range is
// retried after RetryDelay. A successful iteration advances the cursor and
// waits Interval before polling again.
type Loop[C, T any] struct {
	Poll PollFunc[C, T]
	Sink SinkFunc[T]

	Interval   time.Duration
	RetryDelay time.Duration

	// Fatal reports errors that end the loop instead of being retried.
	Fatal func(error) bool

	// Until, when set, ends the loop without error once it reports true for
	// the current cursor. It is checked before every poll.
	Until func(C) bool

	// OnAdvance is called with the new cursor after each successful iteration.
	OnAdvance func(C)

	Logger *slog.Logger
}

// Run polls from cursor and returns the last committed cursor together with
// the error that stopped the loop.
func (l *Loop[C, T]) Run(ctx context.Context, cursor C) (C, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for {
		if l.Until != nil && l.Until(cursor) {
			return cursor, nil
		}

		err := l.step(ctx, &cursor)
		if err == nil {
			if err := Sleep(ctx, l.Interval); err != nil {
				return cursor, err
			}
			continue
		}

		if ctx.Err() != nil {
			return cursor, ctx.Err()
		}
		if l.Fatal != nil && l.Fatal(err) {
			return cursor, err
		}

		logger.Warn("poll failed, retrying", "error", err, "retry_in", l.RetryDelay)
		if err := Sleep(ctx, l.RetryDelay); err != nil {
			return cursor, err
		}
	}
}

func (l *Loop[C, T]) step(ctx context.Context, cursor *C) error {
	items, next, err := l.Poll(ctx, *cursor)
	if err != nil {
		return err
	}
	if len(items) > 0 && l.Sink != nil {
		if err := l.Sink(ctx, items); err != nil {
			return err
		}
	}

	*cursor = next
	if l.OnAdvance != nil {
		l.OnAdvance(next)
	}
	return nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry calls fn until it succeeds or ctx ends, waiting delay between
// attempts. Store consumers resolve their start cursor with it.
func Retry[T any](ctx context.Context, delay time.Duration, logger *slog.Logger, fn func(context.Context) (T, error)) (T, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return v, ctx.Err()
		}
		logger.Warn("start cursor unavailable, retrying", "error", err, "retry_in", delay)
		if err := Sleep(ctx, delay); err != nil {
			return v, err
		}
	}
}
