// Package config loads racefeed settings from a YAML file overlaid with
// RACEFEED_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/marko911/racefeed/internal/adapter/evm"
	"github.com/marko911/racefeed/internal/archive"
	"github.com/marko911/racefeed/internal/correctness"
	"github.com/marko911/racefeed/internal/delivery/websocket"
	"github.com/marko911/racefeed/internal/ingest"
	pnats "github.com/marko911/racefeed/internal/platform/nats"
	"github.com/marko911/racefeed/internal/platform/storage"
	"github.com/marko911/racefeed/internal/relay"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "RACEFEED_"

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Archive backends.
const (
	ArchiveFile  = "file"
	ArchiveMinIO = "minio"
)

type Config struct {
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
	RPC      RPCConfig      `yaml:"rpc" envPrefix:"RPC_"`
	Contract ContractConfig `yaml:"contract" envPrefix:"CONTRACT_"`
	Ingest   IngestConfig   `yaml:"ingest" envPrefix:"INGEST_"`
	Storage  StorageConfig  `yaml:"storage" envPrefix:"STORAGE_"`
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	Relay    RelayConfig    `yaml:"relay" envPrefix:"RELAY_"`
	Archive  ArchiveConfig  `yaml:"archive" envPrefix:"ARCHIVE_"`
	Gaps     GapsConfig     `yaml:"gaps" envPrefix:"GAPS_"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // json or text
}

type RPCConfig struct {
	URL               string        `yaml:"url" env:"URL"`
	Timeout           time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries        int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryInterval     time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	Burst             int           `yaml:"burst" env:"BURST"`
	FilterMode        string        `yaml:"filter_mode" env:"FILTER_MODE"`
	Confirmations     uint64        `yaml:"confirmations" env:"CONFIRMATIONS"`
}

type ContractConfig struct {
	Address string `yaml:"address" env:"ADDRESS"`
	// ABIPath overrides the embedded race contract ABI.
	ABIPath     string `yaml:"abi_path" env:"ABI_PATH"`
	BetDecimals int    `yaml:"bet_decimals" env:"BET_DECIMALS"`
}

type IngestConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	StartBlock   uint64        `yaml:"start_block" env:"START_BLOCK"`
	BatchSize    uint64        `yaml:"batch_size" env:"BATCH_SIZE"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	RetryDelay   time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
}

type StorageConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"`

	URL      string `yaml:"url" env:"URL"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	Database string `yaml:"database" env:"DATABASE"`
	SSLMode  string `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxConns int32  `yaml:"max_conns" env:"MAX_CONNS"`
	MinConns int32  `yaml:"min_conns" env:"MIN_CONNS"`

	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`

	// AutoMigrate applies pending migrations when serve starts.
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	GRPCAddr        string        `yaml:"grpc_addr" env:"GRPC_ADDR"` // empty disables gRPC
	PollInterval    time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	RetryDelay      time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type RedisConfig struct {
	Enabled   bool          `yaml:"enabled" env:"ENABLED"`
	Addr      string        `yaml:"addr" env:"ADDR"`
	Password  string        `yaml:"password" env:"PASSWORD"`
	DB        int           `yaml:"db" env:"DB"`
	KeyPrefix string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	TTL       time.Duration `yaml:"ttl" env:"TTL"`
}

type RelayConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	From         string        `yaml:"from" env:"FROM"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	RetryDelay   time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`

	NATS  NATSConfig  `yaml:"nats" envPrefix:"NATS_"`
	Kafka KafkaConfig `yaml:"kafka" envPrefix:"KAFKA_"`
}

type NATSConfig struct {
	Enabled   bool          `yaml:"enabled" env:"ENABLED"`
	URL       string        `yaml:"url" env:"URL"`
	Token     string        `yaml:"token" env:"TOKEN"`
	CredsFile string        `yaml:"creds_file" env:"CREDS_FILE"`
	Replicas  int           `yaml:"replicas" env:"REPLICAS"`
	MaxAge    time.Duration `yaml:"max_age" env:"MAX_AGE"`
}

type KafkaConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Brokers string `yaml:"brokers" env:"BROKERS"`
	Topic   string `yaml:"topic" env:"TOPIC"`
}

type ArchiveConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	Backend      string        `yaml:"backend" env:"BACKEND"`
	Path         string        `yaml:"path" env:"PATH"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	MaxBatch     int           `yaml:"max_batch" env:"MAX_BATCH"`

	MinIO MinIOConfig `yaml:"minio" envPrefix:"MINIO_"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
	Bucket    string `yaml:"bucket" env:"BUCKET"`
	Prefix    string `yaml:"prefix" env:"PREFIX"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
	UseSSL    bool   `yaml:"use_ssl" env:"USE_SSL"`
}

// GapsConfig controls the race-id gap detector.
type GapsConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	GapTTL       time.Duration `yaml:"gap_ttl" env:"GAP_TTL"`
	MaxOpenGaps  int           `yaml:"max_open_gaps" env:"MAX_OPEN_GAPS"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	rpc := evm.DefaultRPCConfig()
	db := storage.DefaultConfig()
	ing := ingest.DefaultConfig()
	fan := websocket.DefaultConfig()
	rel := relay.DefaultConfig()
	exp := archive.DefaultExporterConfig()
	gap := correctness.DefaultGapDetectorConfig()

	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		RPC: RPCConfig{
			Timeout:       rpc.Timeout,
			MaxRetries:    rpc.MaxRetries,
			RetryInterval: rpc.RetryInterval,
			Burst:         rpc.Burst,
			FilterMode:    rpc.FilterMode,
		},
		Contract: ContractConfig{BetDecimals: 18},
		Ingest: IngestConfig{
			Enabled:      true,
			BatchSize:    ing.BatchSize,
			PollInterval: ing.PollInterval,
			RetryDelay:   ing.RetryDelay,
		},
		Storage: StorageConfig{
			Driver:     DriverPostgres,
			Host:       db.Host,
			Port:       db.Port,
			User:       db.User,
			Password:   db.Password,
			Database:   db.Database,
			SSLMode:    db.SSLMode,
			MaxConns:   db.MaxConns,
			MinConns:   db.MinConns,
			SQLitePath: "racefeed.db",
		},
		Server: ServerConfig{
			Addr:            ":8000",
			PollInterval:    fan.PollInterval,
			RetryDelay:      fan.RetryDelay,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "racefeed:",
			TTL:       2 * time.Minute,
		},
		Relay: RelayConfig{
			From:         rel.From,
			PollInterval: rel.PollInterval,
			RetryDelay:   rel.RetryDelay,
			NATS:         NATSConfig{URL: pnats.DefaultConfig().URL},
			Kafka:        KafkaConfig{Brokers: "localhost:9092", Topic: "race-results"},
		},
		Archive: ArchiveConfig{
			Backend:      ArchiveFile,
			Path:         "race-results.jsonl",
			PollInterval: exp.PollInterval,
			MaxBatch:     exp.MaxBatch,
			MinIO:        MinIOConfig{Endpoint: "localhost:9000", Bucket: "racefeed", Prefix: "races"},
		},
		Gaps: GapsConfig{
			Enabled:      true,
			PollInterval: gap.PollInterval,
			GapTTL:       gap.GapTTL,
			MaxOpenGaps:  gap.MaxOpenGaps,
		},
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			add("%s must be positive, got %s", name, d)
		}
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		add("log.format must be json or text, got %q", c.Log.Format)
	}

	if c.Ingest.Enabled {
		if c.RPC.URL == "" {
			add("rpc.url is required when ingest is enabled")
		}
		if !common.IsHexAddress(c.Contract.Address) {
			add("contract.address %q is not a valid address", c.Contract.Address)
		}
		if c.Ingest.BatchSize == 0 {
			add("ingest.batch_size must be positive")
		}
		positive("ingest.poll_interval", c.Ingest.PollInterval)
		positive("ingest.retry_delay", c.Ingest.RetryDelay)
		if c.RPC.FilterMode != evm.FilterModeNode && c.RPC.FilterMode != evm.FilterModeRange {
			add("rpc.filter_mode must be %q or %q, got %q", evm.FilterModeNode, evm.FilterModeRange, c.RPC.FilterMode)
		}
	}
	if c.Contract.BetDecimals < 0 || c.Contract.BetDecimals > 77 {
		add("contract.bet_decimals must be between 0 and 77")
	}

	switch c.Storage.Driver {
	case DriverPostgres:
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			add("storage.sqlite_path is required for the sqlite driver")
		}
	default:
		add("storage.driver must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.Storage.Driver)
	}

	if c.Server.Addr == "" {
		add("server.addr is required")
	}
	positive("server.poll_interval", c.Server.PollInterval)
	positive("server.retry_delay", c.Server.RetryDelay)

	if c.Redis.Enabled && c.Redis.Addr == "" {
		add("redis.addr is required when redis is enabled")
	}

	if c.Relay.Enabled {
		if !c.Relay.NATS.Enabled && !c.Relay.Kafka.Enabled {
			add("relay is enabled but neither relay.nats nor relay.kafka is")
		}
		if c.Relay.From != relay.FromLatest && c.Relay.From != relay.FromStart {
			add("relay.from must be %q or %q, got %q", relay.FromLatest, relay.FromStart, c.Relay.From)
		}
		if c.Relay.Kafka.Enabled && (c.Relay.Kafka.Brokers == "" || c.Relay.Kafka.Topic == "") {
			add("relay.kafka needs brokers and topic")
		}
		if c.Relay.NATS.Enabled && c.Relay.NATS.URL == "" {
			add("relay.nats.url is required")
		}
		if c.Relay.NATS.Token != "" && c.Relay.NATS.CredsFile != "" {
			add("relay.nats.token and relay.nats.creds_file are mutually exclusive")
		}
		positive("relay.poll_interval", c.Relay.PollInterval)
		positive("relay.retry_delay", c.Relay.RetryDelay)
	}

	if c.Gaps.Enabled && (c.Gaps.PollInterval <= 0 || c.Gaps.GapTTL <= 0) {
		add("gaps.poll_interval and gaps.gap_ttl must be positive")
	}

	if c.Archive.Enabled {
		if err := c.Archive.validateBackend(); err != nil {
			errs = append(errs, err)
		}
		positive("archive.poll_interval", c.Archive.PollInterval)
	}

	return errors.Join(errs...)
}

func (a ArchiveConfig) validateBackend() error {
	switch a.Backend {
	case ArchiveFile:
		if a.Path == "" {
			return errors.New("archive.path is required for the file backend")
		}
	case ArchiveMinIO:
		if a.MinIO.Endpoint == "" || a.MinIO.Bucket == "" {
			return errors.New("archive.minio needs endpoint and bucket")
		}
	default:
		return fmt.Errorf("archive.backend must be %q or %q, got %q", ArchiveFile, ArchiveMinIO, a.Backend)
	}
	return nil
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level %q is not one of debug, info, warn, error", level)
	}
}
