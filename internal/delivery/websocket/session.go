// Package websocket streams race results to clients: a full snapshot on
// connect, then only results newer than the last one pushed.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marko911/racefeed/internal/metrics"
	"github.com/marko911/racefeed/internal/platform/storage"
	"github.com/marko911/racefeed/internal/poller"
	"github.com/marko911/racefeed/pkg/race"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients have nothing to say; anything larger is dropped with the connection.
	maxMessageSize = 4 * 1024
)

// ErrConnectionClosed means the client can no longer be written to.
var ErrConnectionClosed = errors.New("connection closed")

// ResultReader is the part of storage.ResultStore the fan-out reads.
type ResultReader interface {
	FetchAll(ctx context.Context) ([]race.Result, error)
	FetchAfter(ctx context.Context, raceID int64) ([]race.Result, error)
}

// State is a session's position in the delivery protocol.
type State int32

const (
	StateBootstrapping State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateBootstrapping:
		return "bootstrapping"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session delivers results to one connection. Its cursor is the highest
// race id pushed so far and is never shared.
type Session struct {
	id       string
	conn     *websocket.Conn
	store    ResultReader
	cfg      Config
	presence Presence
	metrics  *metrics.Metrics
	logger   *slog.Logger

	connectedAt time.Time
	state       atomic.Int32
	cursor      atomic.Int64

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(id string, conn *websocket.Conn, store ResultReader, cfg Config, presence Presence, m *metrics.Metrics, logger *slog.Logger) *Session {
	s := &Session{
		id:          id,
		conn:        conn,
		store:       store,
		cfg:         cfg,
		presence:    presence,
		metrics:     m,
		logger:      logger.With("client_id", id),
		connectedAt: time.Now().UTC(),
		done:        make(chan struct{}),
	}
	s.cursor.Store(storage.NoRaceID)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Cursor returns the highest race id pushed, or storage.NoRaceID.
func (s *Session) Cursor() int64 { return s.cursor.Load() }

func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr().String() }

func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Run executes the delivery protocol until the client goes away or ctx ends.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.Close()

	go func() {
		s.readPump()
		cancel()
	}()
	go s.pingLoop(ctx, cancel)

	loop := &poller.Loop[int64, race.Result]{
		Poll:       s.poll,
		Sink:       s.push,
		Interval:   s.cfg.PollInterval,
		RetryDelay: s.cfg.RetryDelay,
		Fatal:      func(err error) bool { return errors.Is(err, ErrConnectionClosed) },
		OnAdvance: func(cursor int64) {
			s.advance(cursor)
			s.touch(ctx)
		},
		Logger: s.logger,
	}

	_, err := loop.Run(ctx, storage.NoRaceID)
	if err == nil || errors.Is(err, ErrConnectionClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close ends the session and closes the connection. Safe to call repeatedly.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.done)
		_ = s.conn.Close()
	})
}

// Shutdown sends a close frame before closing.
func (s *Session) Shutdown(reason string) {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, reason),
		time.Now().Add(writeWait),
	)
	s.writeMu.Unlock()
	s.Close()
}

// poll reads the snapshot while bootstrapping and the delta afterwards.
func (s *Session) poll(ctx context.Context, cursor int64) ([]race.Result, int64, error) {
	var (
		results []race.Result
		err     error
	)
	if s.State() == StateBootstrapping {
		results, err = s.store.FetchAll(ctx)
	} else {
		results, err = s.store.FetchAfter(ctx, cursor)
	}
	if err != nil {
		return nil, cursor, err
	}
	if len(results) == 0 {
		return nil, cursor, nil
	}
	return results, race.MaxID(results), nil
}

func (s *Session) push(_ context.Context, results []race.Result) error {
	data, err := race.MarshalBatch(results)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = s.conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	s.metrics.Pushes.Inc()
	s.metrics.PushedRecords.Add(float64(len(results)))
	s.logger.Debug("pushed results", "count", len(results), "race_id", race.MaxID(results))
	return nil
}

func (s *Session) advance(cursor int64) {
	s.cursor.Store(cursor)
	s.state.CompareAndSwap(int32(StateBootstrapping), int32(StateStreaming))
}

// touch refreshes the presence entry after every successful poll, so an idle
// session outlives the registry TTL.
func (s *Session) touch(ctx context.Context) {
	if s.presence == nil {
		return
	}
	if err := s.presence.Touch(ctx, s.Info()); err != nil {
		s.logger.Warn("presence refresh failed", "error", err)
	}
}

// Info returns a point-in-time view of the session.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:          s.id,
		RemoteAddr:  s.RemoteAddr(),
		State:       s.State().String(),
		Cursor:      s.Cursor(),
		ConnectedAt: s.connectedAt,
	}
}

// readPump discards client messages and notices when the peer goes away.
func (s *Session) readPump() {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug("unexpected close", "error", err)
			}
			return
		}
	}
}

func (s *Session) pingLoop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				cancel()
				return
			}
		}
	}
}
