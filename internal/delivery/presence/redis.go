// Package presence keeps a Redis view of the fan-out sessions open across
// every racefeed instance.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marko911/racefeed/internal/delivery/websocket"
)

const (
	keySession  = "session:"
	keySessions = "sessions"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	KeyPrefix string

	// TTL bounds how long a session survives without a Touch. A crashed
	// instance's sessions disappear once it lapses.
	TTL time.Duration
}

// Registry implements websocket.Presence on Redis.
type Registry struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func NewRegistry(cfg RedisConfig) (*Registry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRegistryWithClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

func NewRegistryWithClient(client *redis.Client, keyPrefix string, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Registry{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (r *Registry) key(parts ...string) string {
	result := r.keyPrefix
	for _, p := range parts {
		result += p
	}
	return result
}

func (r *Registry) Register(ctx context.Context, info websocket.SessionInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(keySession, info.ID), data, r.ttl)
	pipe.SAdd(ctx, r.key(keySessions), info.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register pipeline: %w", err)
	}
	return nil
}

// Touch overwrites the session entry and refreshes its TTL. An entry that
// already lapsed, or was pruned from the index, is registered again.
func (r *Registry) Touch(ctx context.Context, info websocket.SessionInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ok, err := r.client.SetXX(ctx, r.key(keySession, info.ID), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	if !ok {
		return r.Register(ctx, info)
	}
	return nil
}

func (r *Registry) Unregister(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key(keySession, id))
	pipe.SRem(ctx, r.key(keySessions), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unregister pipeline: %w", err)
	}
	return nil
}

var ErrNotFound = errors.New("session not found")

func (r *Registry) Get(ctx context.Context, id string) (*websocket.SessionInfo, error) {
	data, err := r.client.Get(ctx, r.key(keySession, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var info websocket.SessionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &info, nil
}

// List returns every live session ordered by connect time. Ids whose key
// has expired are pruned from the index.
func (r *Registry) List(ctx context.Context) ([]websocket.SessionInfo, error) {
	ids, err := r.client.SMembers(ctx, r.key(keySessions)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(keySession, id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	sessions := make([]websocket.SessionInfo, 0, len(values))
	var stale []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var info websocket.SessionInfo
		if err := json.Unmarshal([]byte(s), &info); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		sessions = append(sessions, info)
	}

	if len(stale) > 0 {
		if err := r.client.SRem(ctx, r.key(keySessions), stale...).Err(); err != nil {
			return nil, fmt.Errorf("prune sessions: %w", err)
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ConnectedAt.Before(sessions[j].ConnectedAt)
	})
	return sessions, nil
}

func (r *Registry) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Registry) Close() error {
	return r.client.Close()
}
