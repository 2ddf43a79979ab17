package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marko911/racefeed/internal/metrics"
	"github.com/marko911/racefeed/internal/platform/storage"
	"github.com/marko911/racefeed/internal/processor"
	"github.com/marko911/racefeed/pkg/race"
)

// Store is the part of storage.ResultStore ingestion writes to.
type Store interface {
	UpsertIfAbsent(ctx context.Context, r *race.Result) (bool, error)
	AddParticipation(ctx context.Context, p *race.Participation) (bool, error)
	RecordMalformed(ctx context.Context, ev storage.MalformedEvent) error
}

// Normalizer turns a raw log into a record.
type Normalizer interface {
	Normalize(l types.Log) (processor.Decoded, error)
}

// committer normalizes logs and writes them to the store in order.
type committer struct {
	normalizer Normalizer
	store      Store
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// commit writes every decodable log. Malformed logs are dead-lettered and
// skipped; any store failure aborts so the caller can retry the whole batch.
func (c *committer) commit(ctx context.Context, logs []types.Log) error {
	for _, l := range logs {
		decoded, err := c.normalizer.Normalize(l)
		if err != nil {
			var me *processor.MalformedEventError
			if !errors.As(err, &me) {
				return fmt.Errorf("normalize log %s/%d: %w", l.TxHash.Hex(), l.Index, err)
			}
			c.logger.Warn("dropping malformed event",
				"block", me.BlockNumber,
				"tx_hash", me.TxHash,
				"log_index", me.LogIndex,
				"reason", me.Reason,
			)
			if err := c.store.RecordMalformed(ctx, storage.MalformedEvent{
				BlockNumber: me.BlockNumber,
				TxHash:      me.TxHash,
				LogIndex:    me.LogIndex,
				Reason:      me.Reason,
			}); err != nil {
				return err
			}
			c.metrics.Entries.WithLabelValues("malformed").Inc()
			continue
		}

		switch {
		case decoded.Result != nil:
			inserted, err := c.store.UpsertIfAbsent(ctx, decoded.Result)
			if err != nil {
				return err
			}
			if inserted {
				c.logger.Info("race result stored", "race_id", decoded.Result.RaceID, "block", decoded.Result.BlockNumber)
				c.metrics.Entries.WithLabelValues("inserted").Inc()
			} else {
				c.metrics.Entries.WithLabelValues("duplicate").Inc()
			}
		case decoded.Participation != nil:
			if _, err := c.store.AddParticipation(ctx, decoded.Participation); err != nil {
				return err
			}
			c.metrics.Entries.WithLabelValues("participation").Inc()
		}
	}
	return nil
}
