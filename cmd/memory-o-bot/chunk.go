package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/theimaginaryfoundation/memory-o-bot/migration"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/fileutils"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/ingest"
)

func newChunkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chunk",
		Short: "Write token-bounded conversation chunks as JSONL",
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

			convs, stats, err := migration.LoadConversations(ctx, exp.Path, migration.StreamOptions{ArrayField: cfg.ArrayField}, time.Now())
			if err != nil {
				return err
			}
			chunks := migration.ChunkConversations(convs, cfg.TargetTokens, cfg.OverlapTokens)

			out := chunkOutputPath(cfg.OutDir)
			if !cfg.Overwrite && fileutils.FileExists(out) {
				return fmt.Errorf("%s exists (use --overwrite)", out)
			}
			if _, err := fileutils.WriteJSONLinesAtomic(out, chunks, 0o644); err != nil {
				return fmt.Errorf("write chunks: %w", err)
			}
			lg.Info("chunked export", "conversations", len(convs), "malformed", stats.Malformed, "chunks", len(chunks))
			printf(cmd, "conversations=%d chunks=%d out=%s\n", len(convs), len(chunks), out)
			return nil
		},
	}
	registerFlags(cmd.Flags())
	return cmd
}

// chunkOutputPath treats --out as a file when it ends in .jsonl, otherwise as a directory.
func chunkOutputPath(out string) string {
	if filepath.Ext(out) == ".jsonl" {
		return out
	}
	return filepath.Join(out, "chunks.jsonl")
}
