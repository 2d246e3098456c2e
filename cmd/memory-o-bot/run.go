package main

import (
	"errors"
	"fmt"

	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/charmbracelet/log"
	openaioption "github.com/openai/openai-go/option"
	"github.com/spf13/cobra"

	"github.com/theimaginaryfoundation/memory-o-bot/migration"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/facts"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/ingest"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/pipeline"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/provider"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/store"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline and write memory.md and facts.json",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateRun(); err != nil {
				return err
			}
			lg := newLogger(cmd, cfg)

			gen, err := newGenerator(cfg)
			if err != nil {
				return err
			}
			st, closeStore, err := newStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			ctx, stop := signalContext(cmd)
			defer stop()

			r := &pipeline.Runner{
				Ingestor:  newIngestor(cfg, lg),
				Generator: gen,
				Store:     st,
				Config:    runnerConfig(cfg),
				Logger:    lg,
			}
			job := pipeline.NewJob(ingest.Source{Location: cfg.InPath}, func(u pipeline.Update) {
				lg.Info("progress", "percent", u.Percent, "stage", u.Stage)
			})
			if cfg.JobID != "" {
				job.ID = cfg.JobID
			}

			res, err := r.Run(ctx, job)
			if err != nil {
				return err
			}
			printf(cmd, "job=%s conversations=%d chunks=%d facts=%d tokens=%d fallback=%v memory=%s facts_json=%s\n",
				res.JobID, res.Conversations, res.Chunks, res.Facts.TotalCount(), res.Tokens,
				res.Memory.IsFallback(), res.MemoryPath, res.FactsPath)
			return nil
		},
	}
	registerFlags(cmd.Flags())
	return cmd
}

func runnerConfig(cfg Config) pipeline.Config {
	retry := provider.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.MaxAttempts
	overlap := cfg.OverlapTokens
	if overlap == 0 {
		// pipeline.Config reads 0 as "use the default"; negative disables overlap.
		overlap = -1
	}
	return pipeline.Config{
		TargetTokens:  cfg.TargetTokens,
		OverlapTokens: overlap,
		MaxTokens:     cfg.MaxTokens,
		Timeout:       cfg.Timeout,
		Stream:        migration.StreamOptions{ArrayField: cfg.ArrayField},
		OutDir:        cfg.OutDir,
		Extract: facts.ExtractorConfig{
			Model:            cfg.Model,
			Concurrency:      cfg.Concurrency,
			Retry:            retry,
			StructuredOutput: cfg.StructuredOutput && cfg.Provider == providerOpenAI,
		},
		Reduce: facts.ReducerConfig{
			Model:            cfg.Model,
			MaxDepth:         cfg.ReduceMaxDepth,
			BatchTokens:      cfg.ReduceBatchTokens,
			BreakerThreshold: cfg.ReduceBreakerThreshold,
		},
		Synthesize: facts.SynthesizerConfig{
			Model: cfg.Model,
			Retry: retry,
		},
	}
}

// newGenerator builds the provider client. SDK-level retries are off; provider.Retry owns them.
func newGenerator(cfg Config) (provider.Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("missing API key for %s (pass --api-key or set the provider env var)", cfg.Provider)
	}
	switch cfg.Provider {
	case providerOpenAI:
		opts := []openaioption.RequestOption{openaioption.WithMaxRetries(0)}
		if cfg.BaseURL != "" {
			opts = append(opts, openaioption.WithBaseURL(cfg.BaseURL))
		}
		return provider.NewOpenAI(cfg.APIKey, opts...), nil
	case providerAnthropic:
		opts := []anthropicoption.RequestOption{anthropicoption.WithMaxRetries(0)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropicoption.WithBaseURL(cfg.BaseURL))
		}
		return provider.NewAnthropic(cfg.APIKey, opts...), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func newStore(cfg Config) (store.Store, func(), error) {
	switch cfg.Store {
	case storeREST:
		return store.NewREST(cfg.StoreURL, cfg.StoreTable, cfg.StoreKeyColumn, cfg.StoreKey), func() {}, nil
	case storeSQLite:
		s, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Warn("close sqlite store", "err", err)
			}
		}, nil
	case storeNop, "":
		return store.Nop{}, func() {}, nil
	default:
		return nil, nil, errors.New("unknown store " + cfg.Store)
	}
}
