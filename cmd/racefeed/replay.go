package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marko911/racefeed/internal/archive"
)

func newReplayCmd(c *cli) *cobra.Command {
	var (
		file      string
		fromMinIO bool
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Load an archive of race results into the store",
		Long:  "replay reads a JSON lines archive (a local file or every object under the configured MinIO prefix) and inserts each race that the store does not have yet.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (file == "") == !fromMinIO {
				return errors.New("exactly one of --file or --minio is required")
			}
			ctx := cmd.Context()

			var src archive.Backend
			if fromMinIO {
				b, err := archive.NewMinIOBackend(ctx, c.cfg.MinIO())
				if err != nil {
					return err
				}
				src = b
			} else {
				b, err := archive.NewFileBackend(file)
				if err != nil {
					return err
				}
				src = b
			}
			defer src.Close()

			store, err := openStore(ctx, c.cfg, c.cfg.Storage.AutoMigrate, c.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := archive.Replay(ctx, src, store, c.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d records: %d inserted, %d already present, %d participations added\n",
				stats.Records, stats.Inserted, stats.Existing, stats.Participations)
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "path to a JSON lines archive")
	cmd.Flags().BoolVar(&fromMinIO, "minio", false, "replay every archive object under archive.minio.prefix")
	return cmd
}
