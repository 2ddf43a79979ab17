package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marko911/racefeed/internal/metrics"
	"github.com/marko911/racefeed/internal/poller"
	"github.com/marko911/racefeed/pkg/race"
)

// Backend is where exported results are written and replayed from.
type Backend interface {
	Name() string
	Append(ctx context.Context, results []race.Result) error
	// LastRaceID returns the highest archived race id, or storage.NoRaceID.
	LastRaceID(ctx context.Context) (int64, error)
	Each(ctx context.Context, fn func(Record) error) error
	Close() error
}

// Reader is the store surface the exporter polls.
type Reader interface {
	FetchAfter(ctx context.Context, raceID int64) ([]race.Result, error)
}

type ExporterConfig struct {
	PollInterval time.Duration
	RetryDelay   time.Duration
	// MaxBatch caps how many results go into one Append.
	MaxBatch int
}

func DefaultExporterConfig() ExporterConfig {
	return ExporterConfig{
		PollInterval: time.Minute,
		RetryDelay:   10 * time.Second,
		MaxBatch:     1000,
	}
}

// Exporter appends every newly stored result to a Backend. It resumes after
// the highest race id already in the archive.
type Exporter struct {
	store   Reader
	backend Backend
	cfg     ExporterConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewExporter(store Reader, backend Backend, cfg ExporterConfig, m *metrics.Metrics, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	def := DefaultExporterConfig()
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	return &Exporter{
		store:   store,
		backend: backend,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "archive", "backend", backend.Name()),
	}
}

// Run exports until ctx ends. It returns nil on cancellation.
func (e *Exporter) Run(ctx context.Context) error {
	start, err := poller.Retry(ctx, e.cfg.RetryDelay, e.logger, e.backend.LastRaceID)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("archive resume point: %w", err)
	}
	e.logger.Info("archive exporter starting", "after_race_id", start)

	loop := &poller.Loop[int64, race.Result]{
		Poll:       e.poll,
		Sink:       e.append,
		Interval:   e.cfg.PollInterval,
		RetryDelay: e.cfg.RetryDelay,
		Logger:     e.logger,
	}

	last, err := loop.Run(ctx, start)
	e.logger.Info("archive exporter stopped", "last_race_id", last)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Exporter) poll(ctx context.Context, cursor int64) ([]race.Result, int64, error) {
	results, err := e.store.FetchAfter(ctx, cursor)
	if err != nil {
		return nil, cursor, fmt.Errorf("fetch after %d: %w", cursor, err)
	}
	if len(results) == 0 {
		return nil, cursor, nil
	}
	if len(results) > e.cfg.MaxBatch {
		results = results[:e.cfg.MaxBatch]
	}
	return results, race.MaxID(results), nil
}

func (e *Exporter) append(ctx context.Context, results []race.Result) error {
	if err := e.backend.Append(ctx, results); err != nil {
		return err
	}
	e.metrics.Archived.Add(float64(len(results)))
	e.logger.Debug("archived results", "count", len(results), "first_race_id", results[0].RaceID, "last_race_id", results[len(results)-1].RaceID)
	return nil
}
