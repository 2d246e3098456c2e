package main

import (
	"github.com/spf13/cobra"

	"github.com/theimaginaryfoundation/memory-o-bot/migration"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/ingest"
)

func newSplitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "split",
		Short: "Write one JSON file per conversation along its active path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			lg := newLogger(cmd, cfg)

			ctx, stop := signalContext(cmd)
			defer stop()

			exp, err := newIngestor(cfg, lg).Prepare(ctx, ingest.Source{Location: cfg.InPath})
			if err != nil {
				return err
			}
			defer exp.Cleanup()

			res, err := migration.SplitExport(ctx, exp.Path, cfg.OutDir, migration.SplitOptions{
				Stream:            migration.StreamOptions{ArrayField: cfg.ArrayField},
				OverwriteExisting: cfg.Overwrite,
				Pretty:            cfg.Pretty,
				FileMode:          0o644,
			})
			if err != nil {
				return err
			}
			printf(cmd, "conversations_written=%d skipped=%d bytes_written=%d out_dir=%s\n",
				res.ConversationsWritten, res.Skipped, res.BytesWritten, cfg.OutDir)
			return nil
		},
	}
	registerFlags(cmd.Flags())
	return cmd
}
