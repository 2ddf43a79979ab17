package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/marko911/racefeed/internal/adapter/evm"
	"github.com/marko911/racefeed/internal/archive"
	"github.com/marko911/racefeed/internal/config"
	"github.com/marko911/racefeed/internal/contract"
	"github.com/marko911/racefeed/internal/correctness"
	"github.com/marko911/racefeed/internal/delivery/presence"
	"github.com/marko911/racefeed/internal/delivery/websocket"
	"github.com/marko911/racefeed/internal/ingest"
	"github.com/marko911/racefeed/internal/metrics"
	"github.com/marko911/racefeed/internal/platform/storage"
	"github.com/marko911/racefeed/internal/processor"
	"github.com/marko911/racefeed/internal/relay"
	grpcserver "github.com/marko911/racefeed/internal/server/grpc"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run ingestion and the WebSocket feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return serve(cmd.Context(), c.cfg, c.logger)
		},
	}
}

// serve runs every enabled component until ctx is cancelled or one of them
// fails. Startup failures are returned before anything is served.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	m := metrics.New()

	store, err := openStore(ctx, cfg, cfg.Storage.AutoMigrate, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	var registry *presence.Registry
	if cfg.Redis.Enabled {
		registry, err = presence.NewRegistry(cfg.Presence())
		if err != nil {
			logger.Warn("presence registry initialization failed, listing local sessions only", "error", err)
			registry = nil
		} else {
			defer registry.Close()
			logger.Info("presence registry initialized", "redis_addr", cfg.Redis.Addr)
		}
	}

	sc := websocket.ServerConfig{
		Store:   store,
		Config:  cfg.Fanout(),
		Metrics: m,
		Logger:  logger,
	}
	var lister SessionLister
	if registry != nil {
		sc.Presence = registry
		lister = registry
	}
	fanout := websocket.NewServer(sc)

	var listener *ingest.LiveListener
	if cfg.Ingest.Enabled {
		var source *evm.Source
		listener, source, err = buildIngest(ctx, cfg, store, m, logger)
		if err != nil {
			return err
		}
		defer source.Close()
	}

	var sinks []relay.Sink
	if cfg.Relay.Enabled {
		sinks, err = buildSinks(ctx, cfg, logger)
		if err != nil {
			return err
		}
	}

	var exporter *archive.Exporter
	if cfg.Archive.Enabled {
		backend, err := buildArchive(ctx, cfg)
		if err != nil {
			return err
		}
		defer backend.Close()
		exporter = archive.NewExporter(store, backend, cfg.Exporter(), m, logger)
	}

	api := NewServer(store, fanout, lister, m, logger)
	if registry != nil {
		api.WithCheck("presence", registry)
	}
	var rel *relay.Relay
	if len(sinks) > 0 {
		rel = relay.New(store, sinks, cfg.RelayConfig(), m, logger)
		defer rel.Close()
		api.WithCheck("relay", rel)
	}
	var gaps *correctness.GapDetector
	if cfg.Gaps.Enabled {
		gaps = correctness.NewGapDetector(cfg.GapDetector(), m, logger)
		api.WithGaps(gaps)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gCtx), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := fanout.Close(); err != nil {
			logger.Error("fan-out shutdown error", "error", err)
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		return nil
	})

	if listener != nil {
		g.Go(func() error { return listener.Run(gCtx) })
	}

	if rel != nil {
		g.Go(func() error { return rel.Run(gCtx) })
	}

	if exporter != nil {
		g.Go(func() error { return exporter.Run(gCtx) })
	}

	if gaps != nil {
		g.Go(func() error { return gaps.Run(gCtx, store) })
	}

	if cfg.Server.GRPCAddr != "" {
		gs := grpcserver.New(store, 10*time.Second, logger)
		g.Go(func() error { return gs.ListenAndServe(gCtx, cfg.Server.GRPCAddr) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("racefeed stopped")
	return err
}

func buildIngest(ctx context.Context, cfg *config.Config, store storage.ResultStore, m *metrics.Metrics, logger *slog.Logger) (*ingest.LiveListener, *evm.Source, error) {
	fetcher, source, err := buildFetcher(ctx, cfg, store, m, logger)
	if err != nil {
		return nil, nil, err
	}
	return ingest.NewLiveListener(fetcher, logger), source, nil
}

// buildFetcher connects to the RPC endpoint and returns a fetcher whose
// cursor starts at ingest.start_block. The caller closes the source.
func buildFetcher(ctx context.Context, cfg *config.Config, store storage.ResultStore, m *metrics.Metrics, logger *slog.Logger) (*ingest.BatchFetcher, *evm.Source, error) {
	c, err := contract.Load(cfg.Contract.Address, cfg.Contract.ABIPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load contract: %w", err)
	}

	client := evm.NewClient(cfg.EVMRPC(), logger)
	if err := client.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect rpc: %w", err)
	}

	source := evm.NewSource(client, c, cfg.EVMSource(), logger)
	fetcher := ingest.NewBatchFetcher(
		source,
		processor.NewRaceNormalizer(c, cfg.Contract.BetDecimals),
		store,
		ingest.NewCursor(cfg.Ingest.StartBlock),
		cfg.IngestConfig(),
		m,
		logger,
	)

	logger.Info("ingestion configured",
		"contract", c.Address.Hex(),
		"chain_id", client.ChainID(),
		"start_block", cfg.Ingest.StartBlock,
		"batch_size", cfg.Ingest.BatchSize,
	)
	return fetcher, source, nil
}

func buildSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]relay.Sink, error) {
	var sinks []relay.Sink
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}

	if cfg.Relay.NATS.Enabled {
		s, err := relay.DialNATS(ctx, cfg.NATS(), logger)
		if err != nil {
			return nil, fmt.Errorf("relay nats: %w", err)
		}
		sinks = append(sinks, s)
		logger.Info("NATS JetStream relay initialized", "url", cfg.Relay.NATS.URL)
	}

	if cfg.Relay.Kafka.Enabled {
		s, err := relay.DialKafka(ctx, cfg.Relay.Kafka.Brokers, cfg.Relay.Kafka.Topic, logger)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("relay kafka: %w", err)
		}
		sinks = append(sinks, s)
		logger.Info("Kafka relay initialized", "brokers", cfg.Relay.Kafka.Brokers, "topic", cfg.Relay.Kafka.Topic)
	}

	return sinks, nil
}

func buildArchive(ctx context.Context, cfg *config.Config) (archive.Backend, error) {
	switch cfg.Archive.Backend {
	case config.ArchiveMinIO:
		return archive.NewMinIOBackend(ctx, cfg.MinIO())
	default:
		return archive.NewFileBackend(cfg.Archive.Path)
	}
}
