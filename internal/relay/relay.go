// Package relay republishes newly stored race results to message brokers.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marko911/racefeed/internal/metrics"
	"github.com/marko911/racefeed/internal/platform/storage"
	"github.com/marko911/racefeed/internal/poller"
	"github.com/marko911/racefeed/pkg/race"
)

// Start positions.
const (
	FromLatest = "latest"
	FromStart  = "start"
)

// Sink publishes results somewhere outside the store.
type Sink interface {
	Name() string
	Publish(ctx context.Context, results []race.Result) error
	Health(ctx context.Context) error
	Close() error
}

// Reader is the store surface the relay polls.
type Reader interface {
	FetchAfter(ctx context.Context, raceID int64) ([]race.Result, error)
	MaxRaceID(ctx context.Context) (int64, error)
}

type Config struct {
	PollInterval time.Duration
	RetryDelay   time.Duration
	From         string
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 10 * time.Second,
		RetryDelay:   10 * time.Second,
		From:         FromLatest,
	}
}

// Relay hands every result stored after its start cursor to each sink, in
// race id order. A batch is retried as a whole until every sink accepts it,
// so sinks see results at least once.
type Relay struct {
	store   Reader
	sinks   []Sink
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(store Reader, sinks []Sink, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	return &Relay{
		store:   store,
		sinks:   sinks,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "relay"),
	}
}

// Run relays until ctx ends. It returns nil on cancellation.
func (r *Relay) Run(ctx context.Context) error {
	if len(r.sinks) == 0 {
		return errors.New("relay: no sinks configured")
	}

	start, err := r.startCursor(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return err
	}

	names := make([]string, len(r.sinks))
	for i, s := range r.sinks {
		names[i] = s.Name()
	}
	r.logger.Info("relay starting", "sinks", names, "after_race_id", start)

	loop := &poller.Loop[int64, race.Result]{
		Poll: func(ctx context.Context, cursor int64) ([]race.Result, int64, error) {
			results, err := r.store.FetchAfter(ctx, cursor)
			if err != nil {
				return nil, cursor, fmt.Errorf("fetch after %d: %w", cursor, err)
			}
			if len(results) == 0 {
				return nil, cursor, nil
			}
			return results, race.MaxID(results), nil
		},
		Sink:       r.publish,
		Interval:   r.cfg.PollInterval,
		RetryDelay: r.cfg.RetryDelay,
		Logger:     r.logger,
	}

	last, err := loop.Run(ctx, start)
	r.logger.Info("relay stopped", "last_race_id", last)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Relay) startCursor(ctx context.Context) (int64, error) {
	switch r.cfg.From {
	case FromStart:
		return storage.NoRaceID, nil
	case FromLatest, "":
		return poller.Retry(ctx, r.cfg.RetryDelay, r.logger, r.store.MaxRaceID)
	default:
		return 0, fmt.Errorf("relay: unknown start position %q", r.cfg.From)
	}
}

func (r *Relay) publish(ctx context.Context, results []race.Result) error {
	for _, s := range r.sinks {
		if err := s.Publish(ctx, results); err != nil {
			return fmt.Errorf("sink %s: %w", s.Name(), err)
		}
		r.metrics.Published.WithLabelValues(s.Name()).Add(float64(len(results)))
	}
	r.logger.Debug("relayed results", "count", len(results), "last_race_id", race.MaxID(results))
	return nil
}

// Health reports every unreachable sink.
func (r *Relay) Health(ctx context.Context) error {
	var errs []error
	for _, s := range r.sinks {
		if err := s.Health(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (r *Relay) Close() error {
	var errs []error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
