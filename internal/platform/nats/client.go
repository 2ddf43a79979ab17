// Package nats provides the NATS JetStream connection used to relay race results.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type Config struct {
	URL  string
	Name string

	// Token and CredsFile are mutually exclusive ways to authenticate.
	Token     string
	CredsFile string

	ReconnectWait  time.Duration
	MaxReconnects  int // -1 reconnects forever
	ConnectTimeout time.Duration

	// Overrides for the race results stream; zero keeps the default.
	StreamReplicas int
	StreamMaxAge   time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:            "nats://localhost:4222",
		Name:           "racefeed",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 10 * time.Second,
	}
}

// RaceResultsStream returns the stream definition with the overrides applied.
func (c Config) RaceResultsStream() StreamConfig {
	s := DefaultRaceResultsStreamConfig()
	if c.StreamReplicas > 0 {
		s.Replicas = c.StreamReplicas
	}
	if c.StreamMaxAge > 0 {
		s.MaxAge = c.StreamMaxAge
	}
	return s
}

func (c Config) options(logger *slog.Logger) ([]nats.Option, error) {
	if c.Token != "" && c.CredsFile != "" {
		return nil, errors.New("nats: token and creds file are mutually exclusive")
	}

	opts := []nats.Option{
		nats.Name(c.Name),
		nats.ReconnectWait(c.ReconnectWait),
		nats.MaxReconnects(c.MaxReconnects),
		nats.Timeout(c.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	switch {
	case c.Token != "":
		opts = append(opts, nats.Token(c.Token))
	case c.CredsFile != "":
		opts = append(opts, nats.UserCredentials(c.CredsFile))
	}
	return opts, nil
}

// Client is a NATS connection with its JetStream handle.
type Client struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect dials cfg.URL and opens JetStream on the connection.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := cfg.options(logger.With("component", "nats"))
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	return &Client{nc: nc, js: js}, nil
}

func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Health round-trips to the server.
func (c *Client) Health(ctx context.Context) error {
	if c.nc.IsClosed() {
		return nats.ErrConnectionClosed
	}
	return c.nc.FlushWithContext(ctx)
}

// Close drains pending publishes before closing. It is safe to call twice.
func (c *Client) Close() error {
	if c.nc.IsClosed() {
		return nil
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}
