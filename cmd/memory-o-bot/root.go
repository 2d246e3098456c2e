package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/theimaginaryfoundation/memory-o-bot/migration/ingest"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/logger"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "memory-o-bot",
		Short:         "Build a long-term memory document from a chat export",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "config file (yaml, toml or json)")
	root.PersistentFlags().Bool("debug", false, "debug logging")
	root.PersistentFlags().Bool("log-json", false, "JSON log output")

	root.AddCommand(newRunCmd(), newSplitCmd(), newChunkCmd())
	return root
}

// loadConfig resolves flags, MEMORY_O_BOT_* env vars and the optional config file, in that
// order of precedence.
func loadConfig(cmd *cobra.Command) (Config, error) {
	configFile, _ := cmd.Flags().GetString("config")
	v, err := newViper(cmd.Flags(), configFile)
	if err != nil {
		return Config{}, err
	}
	return configFromViper(v), nil
}

func newLogger(cmd *cobra.Command, cfg Config) *log.Logger {
	return logger.New(
		logger.WithDebug(cfg.Debug),
		logger.WithJSON(cfg.LogJSON),
		logger.WithWriter(cmd.ErrOrStderr()),
	)
}

func newIngestor(cfg Config, l *log.Logger) *ingest.Ingestor {
	return &ingest.Ingestor{
		Fetcher: ingest.NewHTTPFetcher(cfg.StorageToken, cfg.StorageAPIKey, 0),
		Member:  cfg.Member,
		Logger:  l.WithPrefix("ingest"),
	}
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
