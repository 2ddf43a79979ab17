package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marko911/racefeed/internal/backfill"
	"github.com/marko911/racefeed/internal/metrics"
)

func newBackfillCmd(c *cli) *cobra.Command {
	var (
		from, to uint64
		bcfg     = backfill.DefaultOrchestratorConfig()
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Rescan a block range into the store",
		Long: "backfill scans the contract's logs in [--from, --to] in parallel chunks and stores every race not already present. " +
			"Races stored this way may land below the cursor of connected feed clients; /api/v1/gaps reports them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := backfill.NewRequest(from, to)
			if err != nil {
				return err
			}
			if err := c.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			ctx := cmd.Context()

			store, err := openStore(ctx, c.cfg, c.cfg.Storage.AutoMigrate, c.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			fetcher, source, err := buildFetcher(ctx, c.cfg, store, metrics.New(), c.logger)
			if err != nil {
				return err
			}
			defer source.Close()

			res, err := backfill.NewOrchestrator(fetcher, bcfg, c.logger).Run(ctx, req)
			fmt.Fprintf(cmd.OutOrStdout(), "backfill %s %s: %d blocks in %d chunks, %d failed\n",
				res.RequestID, res.Status, res.BlocksProcessed, res.Chunks, len(res.Failed))
			for _, ch := range res.Failed {
				fmt.Fprintf(cmd.OutOrStdout(), "  failed [%d,%d]\n", ch.From, ch.To)
			}
			return err
		},
	}

	cmd.Flags().Uint64Var(&from, "from", 0, "first block to scan")
	cmd.Flags().Uint64Var(&to, "to", 0, "last block to scan (inclusive)")
	cmd.Flags().Uint64Var(&bcfg.ChunkSize, "chunk-size", bcfg.ChunkSize, "blocks per range query")
	cmd.Flags().IntVar(&bcfg.Concurrency, "concurrency", bcfg.Concurrency, "chunks scanned at once")
	cmd.Flags().IntVar(&bcfg.MaxRetries, "max-retries", bcfg.MaxRetries, "extra attempts per failed chunk")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
