// Package storage persists race results in PostgreSQL.
package storage

import (
	"context"
	"embed"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marko911/racefeed/internal/poller"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config describes the PostgreSQL pool behind the result store.
type Config struct {
	// URL, when set, takes precedence over the discrete fields below.
	URL string

	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// ApplicationName is reported in pg_stat_activity.
	ApplicationName string

	// StatementTimeout caps every query on the server side. Zero leaves
	// the server default.
	StatementTimeout time.Duration

	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration

	// ConnectAttempts is how many times New tries to reach the database
	// before giving up, ConnectRetryDelay apart.
	ConnectAttempts   int
	ConnectRetryDelay time.Duration
}

// DefaultConfig returns settings for a local development database.
func DefaultConfig() Config {
	return Config{
		Host:              "localhost",
		Port:              5432,
		User:              "racefeed",
		Password:          "racefeed_dev",
		Database:          "racefeed",
		SSLMode:           "disable",
		ApplicationName:   "racefeed",
		StatementTimeout:  30 * time.Second,
		MaxConns:          10,
		MinConns:          2,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
		ConnectAttempts:   5,
		ConnectRetryDelay: 2 * time.Second,
	}
}

// withDefaults fills zero pool settings from DefaultConfig. Connection
// fields are left alone.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConns == 0 {
		c.MaxConns = d.MaxConns
	}
	if c.MinConns == 0 {
		c.MinConns = d.MinConns
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = d.MaxConnLifetime
	}
	if c.MaxConnIdleTime == 0 {
		c.MaxConnIdleTime = d.MaxConnIdleTime
	}
	if c.HealthCheckPeriod == 0 {
		c.HealthCheckPeriod = d.HealthCheckPeriod
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 1
	}
	return c
}

// ConnectionString returns the PostgreSQL connection URL.
func (c Config) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}
	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + strconv.Itoa(c.Port),
		Path:     "/" + c.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

func (c Config) poolConfig() (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(c.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	pc.MaxConns = c.MaxConns
	pc.MinConns = c.MinConns
	pc.MaxConnLifetime = c.MaxConnLifetime
	pc.MaxConnIdleTime = c.MaxConnIdleTime
	pc.HealthCheckPeriod = c.HealthCheckPeriod

	params := pc.ConnConfig.RuntimeParams
	if c.ApplicationName != "" {
		params["application_name"] = c.ApplicationName
	}
	if c.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(c.StatementTimeout.Milliseconds(), 10)
	}
	return pc, nil
}

// DB is a pgx pool holding the race tables.
type DB struct {
	pool *pgxpool.Pool
}

// New opens the pool and waits until the database answers a ping,
// retrying up to cfg.ConnectAttempts times.
func New(ctx context.Context, cfg Config) (*DB, error) {
	cfg = cfg.withDefaults()

	pc, err := cfg.poolConfig()
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	for attempt := 1; ; attempt++ {
		err = pool.Ping(ctx)
		if err == nil {
			return &DB{pool: pool}, nil
		}
		if attempt >= cfg.ConnectAttempts {
			break
		}
		if sleepErr := poller.Sleep(ctx, cfg.ConnectRetryDelay); sleepErr != nil {
			err = sleepErr
			break
		}
	}

	pool.Close()
	return nil, fmt.Errorf("ping after %d attempts: %w", cfg.ConnectAttempts, err)
}

func (db *DB) Close() {
	db.pool.Close()
}

// Health pings the database.
func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// WithTx runs fn in a transaction that commits only if fn returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, db.pool, fn)
}
