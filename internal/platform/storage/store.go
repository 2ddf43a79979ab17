package storage

import (
	"context"

	"github.com/marko911/racefeed/pkg/race"
)

// NoRaceID is returned by MaxRaceID on an empty store. Race ids are never negative.
const NoRaceID int64 = -1

// ResultStore is the durable home of race results. Ingestion writes to it and
// every delivery consumer reads from it independently.
type ResultStore interface {
	// UpsertIfAbsent inserts r unless its race id already exists. An existing
	// row is never modified. inserted reports whether a row was written.
	// A nil r.Timestamp is assigned by the store; a set one is kept, which
	// lets replayed archives retain their original time.
	UpsertIfAbsent(ctx context.Context, r *race.Result) (inserted bool, err error)

	AddParticipation(ctx context.Context, p *race.Participation) (inserted bool, err error)

	RecordMalformed(ctx context.Context, ev MalformedEvent) error

	// FetchAll returns every result ordered by race id.
	FetchAll(ctx context.Context) ([]race.Result, error)

	// FetchAfter returns results with race id greater than raceID, ascending.
	FetchAfter(ctx context.Context, raceID int64) ([]race.Result, error)

	MaxRaceID(ctx context.Context) (int64, error)

	Health(ctx context.Context) error
	Close() error
}

// MalformedEvent is a dead-lettered log that could not be decoded.
type MalformedEvent struct {
	BlockNumber uint64
	TxHash      string
	LogIndex    uint
	Reason      string
}
