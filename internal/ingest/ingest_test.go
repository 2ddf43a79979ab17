package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/marko911/racefeed/internal/adapter"
	"github.com/marko911/racefeed/internal/contract/contracttest"
	"github.com/marko911/racefeed/internal/metrics"
	"github.com/marko911/racefeed/internal/platform/storage/sqlite"
	"github.com/marko911/racefeed/internal/processor"
	"github.com/marko911/racefeed/pkg/race"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeSource serves scripted logs and records every range it was asked for.
type fakeSource struct {
	mu         sync.Mutex
	head       uint64
	logs       []types.Log
	failures   map[[2]uint64][]error
	windows    [][2]uint64
	pending    [][]types.Log
	subscribed []uint64
	closed     int

	// Errors returned, in order, before the call succeeds.
	headErrs      []error
	subscribeErrs []error
	pollErrs      []error
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func newFakeSource(head uint64, logs ...types.Log) *fakeSource {
	return &fakeSource{head: head, logs: logs, failures: map[[2]uint64][]error{}}
}

func (s *fakeSource) Head(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := popErr(&s.headErrs); err != nil {
		return 0, err
	}
	return s.head, nil
}

func (s *fakeSource) Entries(_ context.Context, from, to uint64) ([]types.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := [2]uint64{from, to}
	s.windows = append(s.windows, w)
	if errs := s.failures[w]; len(errs) > 0 {
		s.failures[w] = errs[1:]
		return nil, errs[0]
	}

	var out []types.Log
	for _, l := range s.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *fakeSource) SubscribeFrom(_ context.Context, block uint64) (adapter.Filter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := popErr(&s.subscribeErrs); err != nil {
		return nil, err
	}
	s.subscribed = append(s.subscribed, block)
	return &fakeFilter{source: s}, nil
}

func (s *fakeSource) Close() error { return nil }

func (s *fakeSource) seenWindows() [][2]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]uint64(nil), s.windows...)
}

type fakeFilter struct{ source *fakeSource }

func (f *fakeFilter) Poll(context.Context) ([]types.Log, error) {
	f.source.mu.Lock()
	defer f.source.mu.Unlock()
	if err := popErr(&f.source.pollErrs); err != nil {
		return nil, err
	}
	if len(f.source.pending) == 0 {
		return nil, nil
	}
	next := f.source.pending[0]
	f.source.pending = f.source.pending[1:]
	return next, nil
}

func (f *fakeFilter) Close(context.Context) error {
	f.source.mu.Lock()
	defer f.source.mu.Unlock()
	f.source.closed++
	return nil
}

// flakyStore fails the first n upserts.
type flakyStore struct {
	*sqlite.Store
	mu   sync.Mutex
	fail int
}

func (s *flakyStore) UpsertIfAbsent(ctx context.Context, r *race.Result) (bool, error) {
	s.mu.Lock()
	if s.fail > 0 {
		s.fail--
		s.mu.Unlock()
		return false, errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.Store.UpsertIfAbsent(ctx, r)
}

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(sqlite.MemoryPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testConfig() Config {
	return Config{BatchSize: 1000, PollInterval: 5 * time.Millisecond, RetryDelay: time.Millisecond}
}

func newFetcher(src adapter.LogSource, store Store, start uint64, m *metrics.Metrics) *BatchFetcher {
	normalizer := processor.NewRaceNormalizer(contracttest.MustLoad(), 18)
	return NewBatchFetcher(src, normalizer, store, NewCursor(start), testConfig(), m, discard)
}

func raceIDs(t *testing.T, store *sqlite.Store) []int64 {
	t.Helper()
	all, err := store.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	ids := make([]int64, len(all))
	for i, r := range all {
		ids[i] = r.RaceID
	}
	return ids
}

func equalWindows(a, b [][2]uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCatchUp_WindowsAscendAndCover(t *testing.T) {
	c := contracttest.MustLoad()
	src := newFakeSource(2500,
		contracttest.Race(1, 10).Log(c),
		contracttest.Race(2, 1001).Log(c),
		contracttest.Race(3, 2002).Log(c),
		contracttest.Race(4, 2500).Log(c),
	)
	store := openStore(t)
	f := newFetcher(src, store, 0, metrics.New())

	final, err := f.CatchUp(context.Background())
	if err != nil {
		t.Fatalf("CatchUp: %v", err)
	}
	if final != 2501 {
		t.Errorf("final = %d, want 2501", final)
	}
	if f.cursor.Next() != 2501 {
		t.Errorf("cursor = %d, want 2501", f.cursor.Next())
	}

	want := [][2]uint64{{0, 1000}, {1001, 2001}, {2002, 2500}}
	if got := src.seenWindows(); !equalWindows(got, want) {
		t.Errorf("windows = %v, want %v", got, want)
	}

	if ids := raceIDs(t, store); fmt.Sprint(ids) != "[1 2 3 4]" {
		t.Errorf("stored races = %v", ids)
	}
}

func TestCatchUp_TimeoutRetriesSameWindow(t *testing.T) {
	c := contracttest.MustLoad()
	src := newFakeSource(2000, contracttest.Race(9, 1500).Log(c))
	src.failures[[2]uint64{1000, 2000}] = []error{fmt.Errorf("eth_getLogs: %w", adapter.ErrTimeout)}

	store := openStore(t)
	m := metrics.New()
	f := newFetcher(src, store, 1000, m)

	final, err := f.CatchUp(context.Background())
	if err != nil {
		t.Fatalf("CatchUp: %v", err)
	}
	if final != 2001 {
		t.Errorf("final = %d, want 2001", final)
	}

	want := [][2]uint64{{1000, 2000}, {1000, 2000}}
	if got := src.seenWindows(); !equalWindows(got, want) {
		t.Errorf("windows = %v, want %v", got, want)
	}
	if got := testutil.ToFloat64(m.Windows.WithLabelValues("timeout")); got != 1 {
		t.Errorf("timeout windows = %v, want 1", got)
	}
	if ids := raceIDs(t, store); fmt.Sprint(ids) != "[9]" {
		t.Errorf("stored races = %v", ids)
	}
}

func TestCatchUp_StoreFailureHoldsCursor(t *testing.T) {
	c := contracttest.MustLoad()
	src := newFakeSource(500, contracttest.Race(1, 100).Log(c), contracttest.Race(2, 200).Log(c))
	store := &flakyStore{Store: openStore(t), fail: 1}

	f := newFetcher(src, store, 0, metrics.New())
	f.cfg.BatchSize = 150

	final, err := f.CatchUp(context.Background())
	if err != nil {
		t.Fatalf("CatchUp: %v", err)
	}
	if final != 501 {
		t.Errorf("final = %d, want 501", final)
	}

	// The first window failed on the store and was fetched again.
	got := src.seenWindows()
	if len(got) < 2 || got[0] != got[1] || got[0] != [2]uint64{0, 150} {
		t.Errorf("windows = %v, want [0 150] twice first", got)
	}
	if ids := raceIDs(t, store.Store); fmt.Sprint(ids) != "[1 2]" {
		t.Errorf("stored races = %v", ids)
	}
}

func TestCatchUp_NothingToDo(t *testing.T) {
	src := newFakeSource(100)
	f := newFetcher(src, openStore(t), 100, metrics.New())

	final, err := f.CatchUp(context.Background())
	if err != nil {
		t.Fatalf("CatchUp: %v", err)
	}
	if final != 100 {
		t.Errorf("final = %d, want 100", final)
	}
	if len(src.seenWindows()) != 0 {
		t.Errorf("unexpected windows %v", src.seenWindows())
	}
}

func TestCatchUp_IdempotentReplay(t *testing.T) {
	c := contracttest.MustLoad()
	logs := []types.Log{contracttest.Race(1, 10).Log(c), contracttest.Race(2, 20).Log(c)}
	store := openStore(t)

	first := newFetcher(newFakeSource(50, logs...), store, 0, metrics.New())
	if _, err := first.CatchUp(context.Background()); err != nil {
		t.Fatalf("first CatchUp: %v", err)
	}
	before, _ := store.FetchAll(context.Background())

	m := metrics.New()
	second := newFetcher(newFakeSource(50, logs...), store, 0, m)
	if _, err := second.CatchUp(context.Background()); err != nil {
		t.Fatalf("second CatchUp: %v", err)
	}
	after, _ := store.FetchAll(context.Background())

	if len(after) != 2 {
		t.Fatalf("expected 2 rows after replay, got %d", len(after))
	}
	for i := range after {
		if !after[i].Timestamp.Equal(*before[i].Timestamp) {
			t.Errorf("race %d timestamp changed on replay", after[i].RaceID)
		}
	}
	if got := testutil.ToFloat64(m.Entries.WithLabelValues("duplicate")); got != 2 {
		t.Errorf("duplicates = %v, want 2", got)
	}
}

func TestCatchUp_MalformedEntriesAreSkipped(t *testing.T) {
	c := contracttest.MustLoad()
	bad := contracttest.Race(2, 20).Log(c)
	bad.Data = bad.Data[:32]

	src := newFakeSource(50,
		contracttest.Race(1, 10).Log(c),
		bad,
		contracttest.Race(3, 30).Log(c),
	)
	store := openStore(t)
	m := metrics.New()
	f := newFetcher(src, store, 0, m)

	final, err := f.CatchUp(context.Background())
	if err != nil {
		t.Fatalf("CatchUp: %v", err)
	}
	if final != 51 {
		t.Errorf("final = %d, want 51", final)
	}
	if ids := raceIDs(t, store); fmt.Sprint(ids) != "[1 3]" {
		t.Errorf("stored races = %v", ids)
	}
	if got := testutil.ToFloat64(m.Entries.WithLabelValues("malformed")); got != 1 {
		t.Errorf("malformed = %v, want 1", got)
	}
	if len(src.seenWindows()) != 1 {
		t.Errorf("malformed entry must not fail the window: %v", src.seenWindows())
	}
}

func TestCatchUp_Participations(t *testing.T) {
	c := contracttest.MustLoad()
	commit := contracttest.PlayerCommitted{RaceID: 5, Player: contracttest.Race(5, 0).Winner, TokenID: 3, Block: 9}
	src := newFakeSource(50, commit.Log(c), contracttest.Race(5, 12).Log(c))
	store := openStore(t)

	if _, err := newFetcher(src, store, 0, metrics.New()).CatchUp(context.Background()); err != nil {
		t.Fatalf("CatchUp: %v", err)
	}

	all, err := store.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(all) != 1 || len(all[0].Participations) != 1 || all[0].Participations[0].TokenID != 3 {
		t.Fatalf("unexpected results %+v", all)
	}
}

func TestLiveListener_PicksUpNewEntries(t *testing.T) {
	c := contracttest.MustLoad()
	src := newFakeSource(100, contracttest.Race(1, 50).Log(c))
	src.pending = [][]types.Log{{contracttest.Race(2, 101).Log(c)}}

	store := openStore(t)
	f := newFetcher(src, store, 0, metrics.New())
	l := NewLiveListener(f, discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if ids := raceIDs(t, store); len(ids) == 2 {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatalf("listener did not store both races: %v", raceIDs(t, store))
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}

	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.subscribed) == 0 || src.subscribed[0] != 101 {
		t.Errorf("first filter anchored at %v, want 101", src.subscribed)
	}
	if src.closed == 0 {
		t.Error("filters were not closed")
	}
	if f.cursor.Next() != 101 {
		t.Errorf("cursor = %d, want 101", f.cursor.Next())
	}
}

func TestLiveListener_FollowsHead(t *testing.T) {
	c := contracttest.MustLoad()
	src := newFakeSource(10)
	store := openStore(t)
	f := newFetcher(src, store, 0, metrics.New())
	l := NewLiveListener(f, discard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	src.mu.Lock()
	src.head = 40
	src.logs = append(src.logs, contracttest.Race(8, 35).Log(c))
	src.mu.Unlock()

	deadline := time.After(2 * time.Second)
	for len(raceIDs(t, store)) == 0 {
		select {
		case <-deadline:
			t.Fatal("race in new blocks was not ingested")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
	if f.cursor.Next() != 41 {
		t.Errorf("cursor = %d, want 41", f.cursor.Next())
	}
}

func TestLiveListener_SurvivesSourceFailures(t *testing.T) {
	c := contracttest.MustLoad()
	src := newFakeSource(10)
	src.headErrs = []error{adapter.ErrTimeout, adapter.ErrTransient}
	src.subscribeErrs = []error{errors.New("filter not found"), adapter.ErrTransient, adapter.ErrTimeout}
	src.pollErrs = []error{adapter.ErrTransient, errors.New("filter not found")}

	store := openStore(t)
	f := newFetcher(src, store, 0, metrics.New())
	l := NewLiveListener(f, discard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	src.mu.Lock()
	src.head = 40
	src.logs = append(src.logs, contracttest.Race(8, 35).Log(c))
	src.mu.Unlock()

	deadline := time.After(2 * time.Second)
	for fmt.Sprint(raceIDs(t, store)) != "[8]" || f.cursor.Next() != 41 {
		select {
		case err := <-done:
			t.Fatalf("listener stopped early: %v", err)
		case <-deadline:
			t.Fatalf("stored %v with cursor %d, want [8] and 41", raceIDs(t, store), f.cursor.Next())
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Every injected failure was hit and retried past.
	waitUntil(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.headErrs)+len(src.subscribeErrs)+len(src.pollErrs) == 0
	})

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestNewBatchFetcher_DefaultsDelays(t *testing.T) {
	f := NewBatchFetcher(newFakeSource(0), nil, openStore(t), NewCursor(0), Config{RetryDelay: -time.Second}, metrics.New(), discard)

	def := DefaultConfig()
	if f.cfg.RetryDelay != def.RetryDelay || f.cfg.PollInterval != def.PollInterval || f.cfg.BatchSize != def.BatchSize {
		t.Errorf("config = %+v, want defaults %+v", f.cfg, def)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCursor_Monotonic(t *testing.T) {
	c := NewCursor(100)

	if err := c.Advance(100); err != nil {
		t.Errorf("Advance to same block: %v", err)
	}
	if err := c.Advance(250); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := c.Advance(200); !errors.Is(err, ErrCursorRegression) {
		t.Errorf("Advance backwards = %v, want ErrCursorRegression", err)
	}
	if c.Next() != 250 {
		t.Errorf("Next() = %d, want 250", c.Next())
	}
}

func TestScanWindow_LeavesCursor(t *testing.T) {
	c := contracttest.MustLoad()
	src := newFakeSource(5000,
		contracttest.Race(5, 300).Log(c),
		contracttest.Race(6, 900).Log(c),
	)
	store := openStore(t)
	f := newFetcher(src, store, 100, metrics.New())

	if err := f.ScanWindow(context.Background(), 200, 400); err != nil {
		t.Fatalf("ScanWindow: %v", err)
	}
	if f.cursor.Next() != 100 {
		t.Errorf("cursor = %d, want 100", f.cursor.Next())
	}
	if ids := raceIDs(t, store); fmt.Sprint(ids) != "[5]" {
		t.Errorf("stored races = %v, want [5]", ids)
	}
}
