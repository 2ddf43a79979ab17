// Package correctness watches the stored race sequence for holes.
//
// Fan-out clients, the relay and the archive all advance a race-id cursor,
// so a race that is stored after a higher race id was already delivered is
// never pushed to them. The gap detector tracks missing ids below the
// highest stored race and reports the ones that are filled late.
package correctness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marko911/racefeed/internal/metrics"
	"github.com/marko911/racefeed/internal/platform/storage"
	"github.com/marko911/racefeed/internal/poller"
	"github.com/marko911/racefeed/pkg/race"
)

// Gap is an inclusive range of race ids not yet stored.
type Gap struct {
	From       int64     `json:"from"`
	To         int64     `json:"to"`
	DetectedAt time.Time `json:"detected_at"`
}

// Size is the number of missing ids in the gap.
func (g Gap) Size() int64 { return g.To - g.From + 1 }

func (g Gap) contains(id int64) bool { return id >= g.From && id <= g.To }

// Status is a point-in-time view of the detector.
type Status struct {
	LastRaceID   int64  `json:"last_race_id"`
	OpenGaps     []Gap  `json:"open_gaps"`
	Missing      int64  `json:"missing"`
	LateArrivals uint64 `json:"late_arrivals"`
	ExpiredGaps  uint64 `json:"expired_gaps"`
}

// Reader is the part of the result store the detector polls.
type Reader interface {
	FetchAfter(ctx context.Context, raceID int64) ([]race.Result, error)
	MaxRaceID(ctx context.Context) (int64, error)
}

type GapDetectorConfig struct {
	PollInterval time.Duration
	RetryDelay   time.Duration

	// GapTTL is how long a gap stays open before it is treated as permanent,
	// for example a race that was cancelled and never finished.
	GapTTL time.Duration

	// MaxOpenGaps bounds the tracked gaps; the oldest are expired first.
	MaxOpenGaps int
}

func DefaultGapDetectorConfig() GapDetectorConfig {
	return GapDetectorConfig{
		PollInterval: 10 * time.Second,
		RetryDelay:   10 * time.Second,
		GapTTL:       30 * time.Minute,
		MaxOpenGaps:  1000,
	}
}

type GapDetector struct {
	cfg     GapDetectorConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	lastSeen int64
	open     []Gap // ordered by From
	late     uint64
	expired  uint64
}

func NewGapDetector(cfg GapDetectorConfig, m *metrics.Metrics, logger *slog.Logger) *GapDetector {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGapDetectorConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.GapTTL <= 0 {
		cfg.GapTTL = def.GapTTL
	}
	if cfg.MaxOpenGaps <= 0 {
		cfg.MaxOpenGaps = def.MaxOpenGaps
	}

	return &GapDetector{
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With("component", "gap-detector"),
		now:      time.Now,
		lastSeen: storage.NoRaceID,
	}
}

// Observe records stored race ids in any order. It returns the gaps opened
// and the ids that filled an open gap.
func (d *GapDetector) Observe(ids []int64) (opened []Gap, late []int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for _, id := range ids {
		switch {
		case d.lastSeen == storage.NoRaceID:
			d.lastSeen = id
		case id == d.lastSeen+1:
			d.lastSeen = id
		case id > d.lastSeen+1:
			g := Gap{From: d.lastSeen + 1, To: id - 1, DetectedAt: now}
			d.open = append(d.open, g)
			opened = append(opened, g)
			d.lastSeen = id
		default:
			if d.fill(id) {
				late = append(late, id)
			}
		}
	}
	d.late += uint64(len(late))

	d.expireLocked(now)
	d.report(opened, late)
	return opened, late
}

// fill removes id from the open gap holding it, splitting the gap if needed.
func (d *GapDetector) fill(id int64) bool {
	for i, g := range d.open {
		if !g.contains(id) {
			continue
		}
		switch {
		case g.From == g.To:
			d.open = append(d.open[:i], d.open[i+1:]...)
		case id == g.From:
			d.open[i].From++
		case id == g.To:
			d.open[i].To--
		default:
			upper := Gap{From: id + 1, To: g.To, DetectedAt: g.DetectedAt}
			d.open[i].To = id - 1
			d.open = append(d.open[:i+1], append([]Gap{upper}, d.open[i+1:]...)...)
		}
		return true
	}
	return false
}

func (d *GapDetector) expire() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expireLocked(d.now())
	d.report(nil, nil)
}

func (d *GapDetector) expireLocked(now time.Time) {
	keep := d.open[:0]
	for i, g := range d.open {
		tooMany := len(d.open)-i > d.cfg.MaxOpenGaps
		if tooMany || now.Sub(g.DetectedAt) >= d.cfg.GapTTL {
			d.expired++
			d.logger.Warn("race gap expired unfilled", "from", g.From, "to", g.To, "open_for", now.Sub(g.DetectedAt))
			continue
		}
		keep = append(keep, g)
	}
	d.open = keep
}

func (d *GapDetector) report(opened []Gap, late []int64) {
	for _, g := range opened {
		d.logger.Warn("race gap detected", "from", g.From, "to", g.To, "size", g.Size())
	}
	for _, id := range late {
		d.logger.Warn("race stored behind delivery cursor", "race_id", id)
	}
	if d.metrics != nil {
		d.metrics.LateArrivals.Add(float64(len(late)))
		d.metrics.OpenGaps.Set(float64(d.missingLocked()))
	}
}

func (d *GapDetector) missingLocked() int64 {
	var n int64
	for _, g := range d.open {
		n += g.Size()
	}
	return n
}

// Status returns a copy of the detector state.
func (d *GapDetector) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	gaps := make([]Gap, len(d.open))
	copy(gaps, d.open)
	return Status{
		LastRaceID:   d.lastSeen,
		OpenGaps:     gaps,
		Missing:      d.missingLocked(),
		LateArrivals: d.late,
		ExpiredGaps:  d.expired,
	}
}

// lowWatermark is the cursor below which nothing can still fill a gap.
func (d *GapDetector) lowWatermark() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.open) > 0 {
		return d.open[0].From - 1
	}
	return d.lastSeen
}

// Run watches store from its current highest race until ctx ends. Races
// stored before Run starts are not checked. It returns nil on cancellation.
func (d *GapDetector) Run(ctx context.Context, store Reader) error {
	start, err := poller.Retry(ctx, d.cfg.RetryDelay, d.logger, store.MaxRaceID)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("gap detector start: %w", err)
	}
	d.mu.Lock()
	d.lastSeen = start
	d.mu.Unlock()
	d.logger.Info("gap detector starting", "after_race_id", start)

	loop := &poller.Loop[int64, race.Result]{
		Poll: func(ctx context.Context, cursor int64) ([]race.Result, int64, error) {
			d.expire()
			low := d.lowWatermark()
			results, err := store.FetchAfter(ctx, low)
			if err != nil {
				return nil, cursor, fmt.Errorf("fetch after %d: %w", low, err)
			}
			return results, low, nil
		},
		Sink: func(_ context.Context, results []race.Result) error {
			ids := make([]int64, len(results))
			for i := range results {
				ids[i] = results[i].RaceID
			}
			d.Observe(ids)
			return nil
		},
		Interval:   d.cfg.PollInterval,
		RetryDelay: d.cfg.RetryDelay,
		Logger:     d.logger,
	}

	_, err = loop.Run(ctx, start)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
