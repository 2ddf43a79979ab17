// Package storagetest holds behaviour tests shared by every ResultStore.
package storagetest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/marko911/racefeed/internal/platform/storage"
	"github.com/marko911/racefeed/pkg/race"
)

// Result returns a fully populated result for id.
func Result(id int64) *race.Result {
	return &race.Result{
		RaceID:           id,
		WinnerAddress:    fmt.Sprintf("0x%040x", 0xA000+id),
		WinningTokenID:   id % 8,
		Steps:            40 + id,
		CommitmentHashes: []string{"0x" + strings.Repeat("c", 64), "0x" + strings.Repeat("a", 64), "0x" + strings.Repeat("b", 64)},
		BlockNumber:      uint64(1000 + id),
		TxHash:           "0x" + strings.Repeat("1", 64),
		LogIndex:         uint(id % 3),
	}
}

// Run exercises a ResultStore. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.ResultStore) {
	t.Run("EmptyStore", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		all, err := s.FetchAll(ctx)
		if err != nil {
			t.Fatalf("FetchAll: %v", err)
		}
		if len(all) != 0 {
			t.Errorf("expected no results, got %d", len(all))
		}

		max, err := s.MaxRaceID(ctx)
		if err != nil {
			t.Fatalf("MaxRaceID: %v", err)
		}
		if max != storage.NoRaceID {
			t.Errorf("MaxRaceID = %d, want %d", max, storage.NoRaceID)
		}
	})

	t.Run("UpsertIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first := Result(1)
		bet := "1.5"
		first.BetSize = &bet

		inserted, err := s.UpsertIfAbsent(ctx, first)
		if err != nil {
			t.Fatalf("first upsert: %v", err)
		}
		if !inserted {
			t.Fatal("first upsert should insert")
		}

		before, err := s.FetchAll(ctx)
		if err != nil {
			t.Fatalf("FetchAll: %v", err)
		}
		if len(before) != 1 || before[0].Timestamp == nil {
			t.Fatalf("expected one timestamped row, got %+v", before)
		}

		time.Sleep(5 * time.Millisecond)

		second := Result(1)
		second.WinnerAddress = "0x00000000000000000000000000000000000000ff"
		second.Steps = 999
		inserted, err = s.UpsertIfAbsent(ctx, second)
		if err != nil {
			t.Fatalf("second upsert: %v", err)
		}
		if inserted {
			t.Error("second upsert for the same race must be a no-op")
		}

		after, err := s.FetchAll(ctx)
		if err != nil {
			t.Fatalf("FetchAll: %v", err)
		}
		if len(after) != 1 {
			t.Fatalf("expected 1 row, got %d", len(after))
		}
		got := after[0]
		if got.WinnerAddress != first.WinnerAddress || got.Steps != first.Steps {
			t.Errorf("existing row was modified: %+v", got)
		}
		if !got.Timestamp.Equal(*before[0].Timestamp) {
			t.Errorf("timestamp changed from %v to %v", before[0].Timestamp, got.Timestamp)
		}
		if got.BetSize == nil || *got.BetSize != "1.5" {
			t.Errorf("BetSize = %v, want 1.5", got.BetSize)
		}
	})

	t.Run("KeepsPresetTimestamp", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ts := time.Date(2023, 11, 2, 8, 15, 0, 0, time.UTC)
		r := Result(4)
		r.Timestamp = &ts
		if _, err := s.UpsertIfAbsent(ctx, r); err != nil {
			t.Fatalf("upsert: %v", err)
		}

		all, err := s.FetchAll(ctx)
		if err != nil {
			t.Fatalf("FetchAll: %v", err)
		}
		if all[0].Timestamp == nil || !all[0].Timestamp.Equal(ts) {
			t.Errorf("Timestamp = %v, want %v", all[0].Timestamp, ts)
		}
	})

	t.Run("PreservesFields", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		want := Result(3)
		if _, err := s.UpsertIfAbsent(ctx, want); err != nil {
			t.Fatalf("upsert: %v", err)
		}

		all, err := s.FetchAll(ctx)
		if err != nil {
			t.Fatalf("FetchAll: %v", err)
		}
		got := all[0]
		if got.RaceID != want.RaceID || got.WinningTokenID != want.WinningTokenID || got.Steps != want.Steps {
			t.Errorf("got %+v, want %+v", got, want)
		}
		if got.BetSize != nil {
			t.Errorf("BetSize = %v, want nil", *got.BetSize)
		}
		if got.Participations != nil {
			t.Errorf("Participations = %v, want nil", got.Participations)
		}
		if got.BlockNumber != want.BlockNumber || got.TxHash != want.TxHash || got.LogIndex != want.LogIndex {
			t.Errorf("source location = %d/%s/%d", got.BlockNumber, got.TxHash, got.LogIndex)
		}
		if len(got.CommitmentHashes) != len(want.CommitmentHashes) {
			t.Fatalf("hashes = %v, want %v", got.CommitmentHashes, want.CommitmentHashes)
		}
		for i := range want.CommitmentHashes {
			if got.CommitmentHashes[i] != want.CommitmentHashes[i] {
				t.Errorf("hash %d = %s, want %s", i, got.CommitmentHashes[i], want.CommitmentHashes[i])
			}
		}
	})

	t.Run("FetchOrdering", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, id := range []int64{5, 2, 4, 1, 3} {
			if _, err := s.UpsertIfAbsent(ctx, Result(id)); err != nil {
				t.Fatalf("upsert %d: %v", id, err)
			}
		}

		all, err := s.FetchAll(ctx)
		if err != nil {
			t.Fatalf("FetchAll: %v", err)
		}
		assertIDs(t, all, 1, 2, 3, 4, 5)

		after, err := s.FetchAfter(ctx, 3)
		if err != nil {
			t.Fatalf("FetchAfter: %v", err)
		}
		assertIDs(t, after, 4, 5)

		none, err := s.FetchAfter(ctx, 5)
		if err != nil {
			t.Fatalf("FetchAfter(max): %v", err)
		}
		assertIDs(t, none)

		max, err := s.MaxRaceID(ctx)
		if err != nil {
			t.Fatalf("MaxRaceID: %v", err)
		}
		if max != 5 {
			t.Errorf("MaxRaceID = %d, want 5", max)
		}
	})

	t.Run("RaceZero", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if _, err := s.UpsertIfAbsent(ctx, Result(0)); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		got, err := s.FetchAfter(ctx, storage.NoRaceID)
		if err != nil {
			t.Fatalf("FetchAfter: %v", err)
		}
		assertIDs(t, got, 0)
	})

	t.Run("Participations", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ps := []*race.Participation{
			{RaceID: 7, Player: "0x00000000000000000000000000000000000000b2", TokenID: 2, BlockNumber: 20, LogIndex: 0},
			{RaceID: 7, Player: "0x00000000000000000000000000000000000000b1", TokenID: 1, BlockNumber: 10, LogIndex: 1},
			{RaceID: 8, Player: "0x00000000000000000000000000000000000000b3", TokenID: 3, BlockNumber: 30, LogIndex: 0},
		}
		for _, p := range ps {
			inserted, err := s.AddParticipation(ctx, p)
			if err != nil {
				t.Fatalf("AddParticipation: %v", err)
			}
			if !inserted {
				t.Errorf("participation %+v not inserted", p)
			}
		}
		dup, err := s.AddParticipation(ctx, ps[0])
		if err != nil {
			t.Fatalf("duplicate AddParticipation: %v", err)
		}
		if dup {
			t.Error("duplicate participation must be ignored")
		}

		if _, err := s.UpsertIfAbsent(ctx, Result(7)); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if _, err := s.UpsertIfAbsent(ctx, Result(9)); err != nil {
			t.Fatalf("upsert: %v", err)
		}

		all, err := s.FetchAll(ctx)
		if err != nil {
			t.Fatalf("FetchAll: %v", err)
		}
		assertIDs(t, all, 7, 9)

		got := all[0].Participations
		if len(got) != 2 {
			t.Fatalf("expected 2 participations, got %+v", got)
		}
		if got[0].TokenID != 1 || got[1].TokenID != 2 {
			t.Errorf("participations not in chain order: %+v", got)
		}
		if got[0].RaceID != 7 {
			t.Errorf("participation race id = %d, want 7", got[0].RaceID)
		}
		if all[1].Participations != nil {
			t.Errorf("race 9 participations = %+v, want nil", all[1].Participations)
		}
	})

	t.Run("RecordMalformed", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ev := storage.MalformedEvent{BlockNumber: 10, TxHash: "0xabc", LogIndex: 2, Reason: "missing steps"}
		if err := s.RecordMalformed(ctx, ev); err != nil {
			t.Fatalf("RecordMalformed: %v", err)
		}
		if err := s.RecordMalformed(ctx, ev); err != nil {
			t.Fatalf("RecordMalformed twice: %v", err)
		}
	})

	t.Run("Health", func(t *testing.T) {
		s := newStore(t)
		if err := s.Health(context.Background()); err != nil {
			t.Errorf("Health: %v", err)
		}
	})
}

func assertIDs(t *testing.T, results []race.Result, want ...int64) {
	t.Helper()
	if len(results) != len(want) {
		t.Fatalf("got %d results, want %d", len(results), len(want))
	}
	for i, id := range want {
		if results[i].RaceID != id {
			t.Errorf("result %d has race id %d, want %d", i, results[i].RaceID, id)
		}
	}
}
