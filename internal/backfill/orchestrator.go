// Package backfill rescans a fixed block range of the race contract in
// parallel chunks. Writes go through the same idempotent path as live
// ingestion, so overlapping or repeated backfills are harmless.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/marko911/racefeed/internal/poller"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// WindowScanner fetches and commits every entry in the inclusive block range.
type WindowScanner interface {
	ScanWindow(ctx context.Context, from, to uint64) error
}

type OrchestratorConfig struct {
	ChunkSize   uint64
	Concurrency int

	// MaxRetries is the number of extra attempts per chunk.
	MaxRetries int
	RetryDelay time.Duration
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		ChunkSize:   1000,
		Concurrency: 4,
		MaxRetries:  3,
		RetryDelay:  5 * time.Second,
	}
}

// Request is one backfill of blocks [From, To].
type Request struct {
	ID   string `json:"request_id"`
	From uint64 `json:"from_block"`
	To   uint64 `json:"to_block"`
}

// NewRequest validates the range and assigns an id.
func NewRequest(from, to uint64) (Request, error) {
	if to < from {
		return Request{}, fmt.Errorf("invalid range: to block %d is before from block %d", to, from)
	}
	return Request{ID: uuid.New().String(), From: from, To: to}, nil
}

// Chunk is an inclusive block range scanned as one unit.
type Chunk struct {
	From uint64 `json:"from_block"`
	To   uint64 `json:"to_block"`
}

func (c Chunk) blocks() uint64 { return c.To - c.From + 1 }

// Plan splits [from, to] into consecutive chunks of at most size blocks.
func Plan(from, to, size uint64) []Chunk {
	if to < from {
		return nil
	}
	if size == 0 {
		size = 1
	}
	var chunks []Chunk
	for start := from; ; start += size {
		end := to
		if to-start >= size {
			end = start + size - 1
		}
		chunks = append(chunks, Chunk{From: start, To: end})
		if end == to {
			return chunks
		}
	}
}

type Result struct {
	RequestID       string        `json:"request_id"`
	Status          Status        `json:"status"`
	Chunks          int           `json:"chunks"`
	BlocksProcessed uint64        `json:"blocks_processed"`
	Failed          []Chunk       `json:"failed,omitempty"`
	Error           string        `json:"error,omitempty"`
	CompletedAt     time.Time     `json:"completed_at"`
	Duration        time.Duration `json:"duration"`
}

// Progress is a snapshot of a running backfill.
type Progress struct {
	RequestID       string `json:"request_id"`
	Status          Status `json:"status"`
	BlocksTotal     uint64 `json:"blocks_total"`
	BlocksProcessed uint64 `json:"blocks_processed"`
}

type Orchestrator struct {
	scanner WindowScanner
	cfg     OrchestratorConfig
	logger  *slog.Logger

	mu        sync.Mutex
	current   Progress
	processed atomic.Uint64
}

func NewOrchestrator(scanner WindowScanner, cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOrchestratorConfig()
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &Orchestrator{
		scanner: scanner,
		cfg:     cfg,
		logger:  logger.With("component", "backfill-orchestrator"),
		current: Progress{Status: StatusPending},
	}
}

// Run scans every chunk of req. A chunk that still fails after its retries
// is recorded and the remaining chunks continue; the returned error is
// non-nil if any chunk failed or ctx ended.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	began := time.Now()
	chunks := Plan(req.From, req.To, o.cfg.ChunkSize)

	o.processed.Store(0)
	o.mu.Lock()
	o.current = Progress{
		RequestID:   req.ID,
		Status:      StatusInProgress,
		BlocksTotal: req.To - req.From + 1,
	}
	o.mu.Unlock()

	o.logger.Info("backfill started",
		"request_id", req.ID,
		"from_block", req.From,
		"to_block", req.To,
		"chunks", len(chunks),
		"concurrency", o.cfg.Concurrency,
	)

	var (
		failedMu sync.Mutex
		failed   []Chunk
		errs     []error
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for _, c := range chunks {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := o.scanChunk(gCtx, c); err != nil {
				if gCtx.Err() != nil {
					return gCtx.Err()
				}
				failedMu.Lock()
				failed = append(failed, c)
				errs = append(errs, fmt.Errorf("chunk [%d,%d]: %w", c.From, c.To, err))
				failedMu.Unlock()
				return nil
			}
			o.processed.Add(c.blocks())
			return nil
		})
	}
	waitErr := g.Wait()

	res := Result{
		RequestID:       req.ID,
		Status:          StatusCompleted,
		Chunks:          len(chunks),
		BlocksProcessed: o.processed.Load(),
		Failed:          failed,
		CompletedAt:     time.Now(),
		Duration:        time.Since(began),
	}

	err := errors.Join(errs...)
	if waitErr != nil {
		err = errors.Join(waitErr, err)
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
	}

	o.mu.Lock()
	o.current.Status = res.Status
	o.mu.Unlock()

	o.logger.Info("backfill finished",
		"request_id", req.ID,
		"status", res.Status,
		"blocks_processed", res.BlocksProcessed,
		"failed_chunks", len(failed),
		"duration", res.Duration,
	)
	return res, err
}

func (o *Orchestrator) scanChunk(ctx context.Context, c Chunk) error {
	var err error
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			o.logger.Warn("retrying chunk", "from_block", c.From, "to_block", c.To, "attempt", attempt, "error", err)
			if err := poller.Sleep(ctx, o.cfg.RetryDelay); err != nil {
				return err
			}
		}
		if err = o.scanner.ScanWindow(ctx, c.From, c.To); err == nil {
			o.logger.Debug("chunk done", "from_block", c.From, "to_block", c.To)
			return nil
		}
	}
	return err
}

// Progress reports the current or last backfill.
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.current
	p.BlocksProcessed = o.processed.Load()
	return p
}
