package archive

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/marko911/racefeed/pkg/race"
)

// Writer is the store surface replay upserts into.
type Writer interface {
	UpsertIfAbsent(ctx context.Context, r *race.Result) (bool, error)
	AddParticipation(ctx context.Context, p *race.Participation) (bool, error)
}

// ReplayStats summarises a replay run.
type ReplayStats struct {
	Records        int
	Inserted       int
	Existing       int
	Participations int
}

// Replay upserts every record from src into store. Records already present
// are left untouched, so replaying an archive twice is harmless.
func Replay(ctx context.Context, src Backend, store Writer, logger *slog.Logger) (ReplayStats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "replay", "source", src.Name())

	var stats ReplayStats
	err := src.Each(ctx, func(rec Record) error {
		res := rec.RaceResult()
		stats.Records++

		inserted, err := store.UpsertIfAbsent(ctx, &res)
		if err != nil {
			return fmt.Errorf("upsert race %d: %w", res.RaceID, err)
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Existing++
		}

		for i := range res.Participations {
			added, err := store.AddParticipation(ctx, &res.Participations[i])
			if err != nil {
				return fmt.Errorf("add participation for race %d: %w", res.RaceID, err)
			}
			if added {
				stats.Participations++
			}
		}

		if stats.Records%1000 == 0 {
			logger.Info("replay progress", "records", stats.Records, "inserted", stats.Inserted)
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	logger.Info("replay complete",
		"records", stats.Records,
		"inserted", stats.Inserted,
		"existing", stats.Existing,
		"participations", stats.Participations,
	)
	return stats, nil
}
