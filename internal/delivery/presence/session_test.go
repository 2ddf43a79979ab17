package presence

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/marko911/racefeed/internal/delivery/websocket"
	"github.com/marko911/racefeed/internal/metrics"
	"github.com/marko911/racefeed/internal/platform/storage/sqlite"
)

func TestRegistry_IdleSessionSurvivesTTL(t *testing.T) {
	reg, mr := newTestRegistry(t)

	store, err := sqlite.Open(sqlite.MemoryPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	srv := websocket.NewServer(websocket.ServerConfig{
		Store:    store,
		Config:   websocket.Config{PollInterval: 10 * time.Millisecond, RetryDelay: 10 * time.Millisecond},
		Presence: reg,
		Metrics:  metrics.New(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()
	defer srv.Close()

	conn, _, err := gorillaws.DefaultDialer.Dial("ws"+strings.TrimPrefix(httpSrv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()
	listed := func() []websocket.SessionInfo {
		list, err := reg.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		return list
	}

	// An empty snapshot still moves the session to streaming.
	waitFor(t, func() bool {
		list := listed()
		return len(list) == 1 && list[0].State == websocket.StateStreaming.String()
	})

	mr.FastForward(61 * time.Second)
	waitFor(t, func() bool { return len(listed()) == 1 })

	list := listed()
	if list[0].Cursor != -1 {
		t.Errorf("cursor = %d, want -1 for a client that was sent nothing", list[0].Cursor)
	}
	if ttl := mr.TTL("test:session:" + list[0].ID); ttl <= 0 || ttl > time.Minute {
		t.Errorf("ttl = %v, want refreshed", ttl)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}
