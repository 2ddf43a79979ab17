package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/marko911/racefeed/internal/config"
	"github.com/marko911/racefeed/internal/platform/storage"
)

func newMigrateCmd(c *cli) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withDB(cmd.Context(), func(ctx context.Context, db *storage.DB) error {
				if err := db.Migrate(ctx); err != nil {
					return err
				}
				c.logger.Info("migrations applied")
				return nil
			})
		},
	}

	downCmd := &cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back the most recent migrations (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 1 {
					return fmt.Errorf("steps must be a positive integer, got %q", args[0])
				}
				steps = n
			}
			return c.withDB(cmd.Context(), func(ctx context.Context, db *storage.DB) error {
				if err := db.MigrateDown(ctx, steps); err != nil {
					return err
				}
				c.logger.Info("migrations rolled back", "steps", steps)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withDB(cmd.Context(), func(ctx context.Context, db *storage.DB) error {
				status, err := db.MigrationStatus(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED")
				for _, s := range status {
					applied := "pending"
					if s.Applied {
						applied = s.AppliedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%03d\t%s\t%s\n", s.Version, s.Name, applied)
				}
				return tw.Flush()
			})
		},
	}

	migrateCmd.AddCommand(upCmd, downCmd, statusCmd)
	return migrateCmd
}

func (c *cli) withDB(ctx context.Context, fn func(context.Context, *storage.DB) error) error {
	if c.cfg.Storage.Driver != config.DriverPostgres {
		return fmt.Errorf("migrate manages the postgres schema; the %s driver migrates itself on open", c.cfg.Storage.Driver)
	}

	db, err := storage.New(ctx, c.cfg.Postgres())
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, db)
}
