package config

import (
	"github.com/marko911/racefeed/internal/adapter/evm"
	"github.com/marko911/racefeed/internal/archive"
	"github.com/marko911/racefeed/internal/correctness"
	"github.com/marko911/racefeed/internal/delivery/presence"
	"github.com/marko911/racefeed/internal/delivery/websocket"
	"github.com/marko911/racefeed/internal/ingest"
	pnats "github.com/marko911/racefeed/internal/platform/nats"
	"github.com/marko911/racefeed/internal/platform/storage"
	"github.com/marko911/racefeed/internal/relay"
)

func (c *Config) EVMRPC() evm.RPCConfig {
	return evm.RPCConfig{
		URL:               c.RPC.URL,
		Timeout:           c.RPC.Timeout,
		MaxRetries:        c.RPC.MaxRetries,
		RetryInterval:     c.RPC.RetryInterval,
		RequestsPerSecond: c.RPC.RequestsPerSecond,
		Burst:             c.RPC.Burst,
		FilterMode:        c.RPC.FilterMode,
	}
}

func (c *Config) EVMSource() evm.SourceConfig {
	return evm.SourceConfig{Confirmations: c.RPC.Confirmations}
}

func (c *Config) IngestConfig() ingest.Config {
	return ingest.Config{
		BatchSize:    c.Ingest.BatchSize,
		PollInterval: c.Ingest.PollInterval,
		RetryDelay:   c.Ingest.RetryDelay,
	}
}

// Postgres returns pool settings, keeping pool timings at their defaults.
func (c *Config) Postgres() storage.Config {
	db := storage.DefaultConfig()
	db.URL = c.Storage.URL
	db.Host = c.Storage.Host
	db.Port = c.Storage.Port
	db.User = c.Storage.User
	db.Password = c.Storage.Password
	db.Database = c.Storage.Database
	db.SSLMode = c.Storage.SSLMode
	db.MaxConns = c.Storage.MaxConns
	db.MinConns = c.Storage.MinConns
	return db
}

func (c *Config) Fanout() websocket.Config {
	return websocket.Config{
		PollInterval:   c.Server.PollInterval,
		RetryDelay:     c.Server.RetryDelay,
		AllowedOrigins: c.Server.AllowedOrigins,
	}
}

func (c *Config) Presence() presence.RedisConfig {
	return presence.RedisConfig{
		Addr:      c.Redis.Addr,
		Password:  c.Redis.Password,
		DB:        c.Redis.DB,
		KeyPrefix: c.Redis.KeyPrefix,
		TTL:       c.Redis.TTL,
	}
}

func (c *Config) RelayConfig() relay.Config {
	return relay.Config{
		PollInterval: c.Relay.PollInterval,
		RetryDelay:   c.Relay.RetryDelay,
		From:         c.Relay.From,
	}
}

func (c *Config) NATS() pnats.Config {
	n := pnats.DefaultConfig()
	n.URL = c.Relay.NATS.URL
	n.Token = c.Relay.NATS.Token
	n.CredsFile = c.Relay.NATS.CredsFile
	n.StreamReplicas = c.Relay.NATS.Replicas
	n.StreamMaxAge = c.Relay.NATS.MaxAge
	return n
}

func (c *Config) Exporter() archive.ExporterConfig {
	e := archive.DefaultExporterConfig()
	e.PollInterval = c.Archive.PollInterval
	e.MaxBatch = c.Archive.MaxBatch
	return e
}

func (c *Config) MinIO() archive.MinIOConfig {
	m := c.Archive.MinIO
	return archive.MinIOConfig{
		Endpoint:  m.Endpoint,
		Bucket:    m.Bucket,
		Prefix:    m.Prefix,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		UseSSL:    m.UseSSL,
	}
}

func (c *Config) GapDetector() correctness.GapDetectorConfig {
	g := correctness.DefaultGapDetectorConfig()
	g.PollInterval = c.Gaps.PollInterval
	g.RetryDelay = c.Gaps.PollInterval
	g.GapTTL = c.Gaps.GapTTL
	g.MaxOpenGaps = c.Gaps.MaxOpenGaps
	return g
}
