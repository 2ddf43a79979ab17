package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marko911/racefeed/internal/platform/storage"
	"github.com/marko911/racefeed/internal/platform/storage/sqlite"
	"github.com/marko911/racefeed/internal/platform/storage/storagetest"
	"github.com/marko911/racefeed/pkg/race"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(sqlite.MemoryPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seed(t *testing.T, store *sqlite.Store, ids ...int64) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		if _, err := store.UpsertIfAbsent(ctx, storagetest.Result(id)); err != nil {
			t.Fatalf("insert %d: %v", id, err)
		}
	}
}

func newFileBackend(t *testing.T) *FileBackend {
	t.Helper()
	b, err := NewFileBackend(filepath.Join(t.TempDir(), "nested", "races.jsonl"))
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	return b
}

func archivedIDs(t *testing.T, b Backend) []int64 {
	t.Helper()
	var ids []int64
	if err := b.Each(context.Background(), func(r Record) error {
		ids = append(ids, r.RaceID)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	return ids
}

func TestFileBackend_EmptyArchive(t *testing.T) {
	b := newFileBackend(t)

	last, err := b.LastRaceID(context.Background())
	if err != nil {
		t.Fatalf("LastRaceID: %v", err)
	}
	if last != storage.NoRaceID {
		t.Errorf("LastRaceID() = %d, want %d", last, storage.NoRaceID)
	}
	if ids := archivedIDs(t, b); len(ids) != 0 {
		t.Errorf("archived = %v, want none", ids)
	}
}

func TestFileBackend_RequiresPath(t *testing.T) {
	if _, err := NewFileBackend(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestFileBackend_KeepsSourceLocation(t *testing.T) {
	b := newFileBackend(t)
	ctx := context.Background()

	bet := "1.5"
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	in := *storagetest.Result(9)
	in.BetSize = &bet
	in.Timestamp = &ts
	in.Participations = []race.Participation{{Player: "0x00000000000000000000000000000000000000b1", TokenID: 2}}

	if err := b.Append(ctx, []race.Result{in}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	var got race.Result
	if err := b.Each(ctx, func(r Record) error {
		got = r.RaceResult()
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}

	if got.BlockNumber != in.BlockNumber || got.TxHash != in.TxHash || got.LogIndex != in.LogIndex {
		t.Errorf("source location = %d/%s/%d, want %d/%s/%d",
			got.BlockNumber, got.TxHash, got.LogIndex, in.BlockNumber, in.TxHash, in.LogIndex)
	}
	if got.BetSize == nil || *got.BetSize != bet {
		t.Errorf("BetSize = %v", got.BetSize)
	}
	if got.Timestamp == nil || !got.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v", got.Timestamp)
	}
	if len(got.Participations) != 1 || got.Participations[0].RaceID != 9 {
		t.Errorf("Participations = %+v", got.Participations)
	}
}

func TestFileBackend_CorruptLine(t *testing.T) {
	b := newFileBackend(t)
	if err := os.WriteFile(b.path, []byte("{\"race_id\":1}\nnot json\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := b.Each(context.Background(), func(Record) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("Each() error = %v, want line 2 failure", err)
	}
}

func TestExporter_ExportsAndResumes(t *testing.T) {
	store := newStore(t)
	seed(t, store, 0, 1, 2, 3, 4)
	b := newFileBackend(t)

	cfg := ExporterConfig{PollInterval: 10 * time.Millisecond, RetryDelay: 5 * time.Millisecond, MaxBatch: 2}
	runUntil(t, NewExporter(store, b, cfg, nil, discard), func() bool { return len(archivedIDs(t, b)) == 5 })

	seed(t, store, 5, 6)
	runUntil(t, NewExporter(store, b, cfg, nil, discard), func() bool { return len(archivedIDs(t, b)) == 7 })

	ids := archivedIDs(t, b)
	for i, id := range ids {
		if id != int64(i) {
			t.Fatalf("archived = %v, want 0..6 in order without duplicates", ids)
		}
	}
}

// flakyBackend fails LastRaceID a set number of times.
type flakyBackend struct {
	*FileBackend
	mu   sync.Mutex
	fail int
}

func (b *flakyBackend) LastRaceID(ctx context.Context) (int64, error) {
	b.mu.Lock()
	if b.fail > 0 {
		b.fail--
		b.mu.Unlock()
		return 0, errors.New("bucket unreachable")
	}
	b.mu.Unlock()
	return b.FileBackend.LastRaceID(ctx)
}

func TestExporter_ResumePointRetried(t *testing.T) {
	store := newStore(t)
	seed(t, store, 0, 1, 2)
	b := &flakyBackend{FileBackend: newFileBackend(t), fail: 3}

	cfg := ExporterConfig{PollInterval: 10 * time.Millisecond, RetryDelay: 5 * time.Millisecond}
	runUntil(t, NewExporter(store, b, cfg, nil, discard), func() bool { return len(archivedIDs(t, b)) == 3 })

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != 0 {
		t.Errorf("remaining failures = %d, want all retried", b.fail)
	}
}

func runUntil(t *testing.T, e *Exporter, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("exporter did not finish in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestReplay_RestoresStore(t *testing.T) {
	src := newStore(t)
	seed(t, src, 1, 2, 3)
	ctx := context.Background()
	if _, err := src.AddParticipation(ctx, &race.Participation{RaceID: 2, Player: "0x00000000000000000000000000000000000000c1", TokenID: 4, BlockNumber: 1001}); err != nil {
		t.Fatal(err)
	}

	results, err := src.FetchAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	b := newFileBackend(t)
	if err := b.Append(ctx, results); err != nil {
		t.Fatal(err)
	}

	dst := newStore(t)
	seed(t, dst, 1)

	stats, err := Replay(ctx, b, dst, discard)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	want := ReplayStats{Records: 3, Inserted: 2, Existing: 1, Participations: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	restored, err := dst.FetchAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(restored) != 3 {
		t.Fatalf("restored %d results, want 3", len(restored))
	}
	if !restored[1].Timestamp.Equal(*results[1].Timestamp) {
		t.Errorf("timestamp = %v, want original %v", restored[1].Timestamp, results[1].Timestamp)
	}
	if len(restored[1].Participations) != 1 || restored[1].Participations[0].TokenID != 4 {
		t.Errorf("participations = %+v", restored[1].Participations)
	}

	again, err := Replay(ctx, b, dst, discard)
	if err != nil {
		t.Fatalf("second Replay: %v", err)
	}
	if again.Inserted != 0 || again.Participations != 0 || again.Existing != 3 {
		t.Errorf("second replay stats = %+v, want nothing new", again)
	}
}

func TestObjectKey(t *testing.T) {
	key := ObjectKey("races", 7, 1200)
	if key != "races/00000000000000000007-00000000000000001200.jsonl" {
		t.Errorf("ObjectKey() = %s", key)
	}
	if got := ObjectKey("", 0, 0); got != "00000000000000000000-00000000000000000000.jsonl" {
		t.Errorf("ObjectKey without prefix = %s", got)
	}

	tests := []struct {
		key       string
		first     int64
		last      int64
		wantValid bool
	}{
		{key, 7, 1200, true},
		{"a/b/5-9.jsonl", 5, 9, true},
		{"races/5-9.json", 0, 0, false},
		{"races/nine-10.jsonl", 0, 0, false},
		{"races/10-9.jsonl", 0, 0, false},
		{"races/readme.jsonl", 0, 0, false},
	}
	for _, tt := range tests {
		first, last, ok := ParseObjectKey(tt.key)
		if ok != tt.wantValid || first != tt.first || last != tt.last {
			t.Errorf("ParseObjectKey(%q) = %d, %d, %v", tt.key, first, last, ok)
		}
	}
}
