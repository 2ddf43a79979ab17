// Command racefeed ingests finished races from the race contract into a
// store and streams them to WebSocket clients.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marko911/racefeed/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// cli holds state shared by every subcommand once the root has loaded config.
type cli struct {
	out        io.Writer
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	rootCmd := &cobra.Command{
		Use:           "racefeed",
		Short:         "Race results indexer and live feed",
		Long:          "racefeed follows the race contract, stores every finished race and pushes new results to WebSocket clients.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load()
		},
	}
	rootCmd.SetOut(out)
	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", os.Getenv("RACEFEED_CONFIG"), "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(c))
	rootCmd.AddCommand(newMigrateCmd(c))
	rootCmd.AddCommand(newReplayCmd(c))
	rootCmd.AddCommand(newBackfillCmd(c))
	return rootCmd
}

func (c *cli) load() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}

	c.cfg = cfg
	c.logger = newLogger(c.out, cfg.Log.Format, level)
	slog.SetDefault(c.logger)
	return nil
}

func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
