package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/theimaginaryfoundation/memory-o-bot/migration"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/facts"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/pipeline"
)

const envPrefix = "MEMORY_O_BOT"

type Config struct {
	InPath     string
	OutDir     string
	ArrayField string
	Member     string
	Pretty     bool
	Overwrite  bool

	Provider         string
	Model            string
	APIKey           string
	BaseURL          string
	Concurrency      int
	MaxAttempts      int
	StructuredOutput bool

	TargetTokens  int
	OverlapTokens int
	MaxTokens     int
	Timeout       time.Duration

	ReduceMaxDepth         int
	ReduceBatchTokens      int
	ReduceBreakerThreshold int

	StorageToken  string
	StorageAPIKey string

	Store          string
	JobID          string
	StoreURL       string
	StoreTable     string
	StoreKeyColumn string
	StoreKey       string
	SQLitePath     string

	Debug   bool
	LogJSON bool
}

func (c Config) Validate() error {
	if c.InPath == "" {
		return errors.New("missing --in")
	}
	if c.TargetTokens <= 0 {
		return errors.New("target-tokens must be > 0")
	}
	if c.OverlapTokens < 0 || c.OverlapTokens >= c.TargetTokens {
		return errors.New("overlap-tokens must be >= 0 and < target-tokens")
	}
	if c.ReduceMaxDepth < 0 || c.ReduceBatchTokens < 0 || c.ReduceBreakerThreshold < 0 {
		return errors.New("reduce-max-depth/reduce-batch-tokens/reduce-breaker-threshold must be >= 0")
	}
	return nil
}

// ValidateRun adds the checks that only the full pipeline needs.
func (c Config) ValidateRun() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Model == "" {
		return errors.New("missing --model")
	}
	if c.Concurrency <= 0 {
		return errors.New("concurrency must be > 0")
	}
	if c.MaxTokens <= 0 {
		return errors.New("max-tokens must be > 0")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be > 0")
	}
	switch c.Provider {
	case providerOpenAI, providerAnthropic:
	default:
		return fmt.Errorf("unknown provider %q (want openai or anthropic)", c.Provider)
	}
	switch c.Store {
	case storeNop:
	case storeREST:
		if c.StoreURL == "" {
			return errors.New("--store rest needs --store-url")
		}
		if c.JobID == "" {
			return errors.New("--store rest needs --job-id")
		}
	case storeSQLite:
		if c.SQLitePath == "" {
			return errors.New("--store sqlite needs --sqlite-path")
		}
	default:
		return fmt.Errorf("unknown store %q (want nop, rest or sqlite)", c.Store)
	}
	return nil
}

const (
	providerOpenAI    = "openai"
	providerAnthropic = "anthropic"

	defaultAnthropicModel = "claude-sonnet-4-5"

	storeNop    = "nop"
	storeREST   = "rest"
	storeSQLite = "sqlite"
)

func defaultConfig() Config {
	return Config{
		OutDir:           ".",
		ArrayField:       migration.DefaultArrayField,
		Provider:         providerOpenAI,
		Model:            "gpt-5-mini",
		Concurrency:      facts.DefaultConcurrency,
		MaxAttempts:      3,
		StructuredOutput: true,
		TargetTokens:     migration.DefaultTargetTokens,
		OverlapTokens:    migration.DefaultOverlapTokens,
		MaxTokens:        pipeline.DefaultMaxTokens,
		Timeout:          pipeline.DefaultTimeout,

		ReduceMaxDepth:         facts.DefaultMaxDepth,
		ReduceBatchTokens:      facts.DefaultBatchTokens,
		ReduceBreakerThreshold: facts.DefaultBreakerThreshold,

		Store:            storeNop,
		StoreTable:       "user_profiles",
		StoreKeyColumn:   "user_id",
	}
}

// registerFlags declares every flag with defaults from defaultConfig.
func registerFlags(fs *pflag.FlagSet) {
	d := defaultConfig()
	fs.String("in", d.InPath, "export location: local path or http(s) URL")
	fs.String("out", d.OutDir, "output directory (or file for chunk)")
	fs.String("array-field", d.ArrayField, `top-level array field when the export is an object ("*" = first array)`)
	fs.String("member", "", "zip member name to extract (default conversations.json)")
	fs.Bool("pretty", d.Pretty, "pretty-print JSON output")
	fs.Bool("overwrite", d.Overwrite, "overwrite existing files")

	fs.String("provider", d.Provider, "generation provider: openai or anthropic")
	fs.String("model", d.Model, "model name")
	fs.String("api-key", "", "provider API key (default $OPENAI_API_KEY or $ANTHROPIC_API_KEY)")
	fs.String("base-url", "", "override the provider API base URL")
	fs.Int("concurrency", d.Concurrency, "max in-flight extraction calls")
	fs.Int("max-attempts", d.MaxAttempts, "attempts per generation call")
	fs.Bool("structured-output", d.StructuredOutput, "send a JSON schema with extraction calls")

	fs.Int("target-tokens", d.TargetTokens, "chunk target size in estimated tokens")
	fs.Int("overlap-tokens", d.OverlapTokens, "chunk overlap in estimated tokens")
	fs.Int("max-tokens", d.MaxTokens, "token budget for the reduced facts")
	fs.Duration("timeout", d.Timeout, "hard wall-clock limit for a run")
	fs.Int("reduce-max-depth", d.ReduceMaxDepth, "max reduction passes before truncating")
	fs.Int("reduce-batch-tokens", d.ReduceBatchTokens, "estimated tokens per reduction call")
	fs.Int("reduce-breaker-threshold", d.ReduceBreakerThreshold, "consecutive reduction failures before calls stop")

	fs.String("storage-token", "", "bearer token for downloading the export")
	fs.String("storage-api-key", "", "apikey header for downloading the export")

	fs.String("store", d.Store, "job status store: nop, rest or sqlite")
	fs.String("job-id", "", "job id (default: random uuid); the row key for --store rest")
	fs.String("store-url", "", "base URL of the REST store")
	fs.String("store-table", d.StoreTable, "REST store table")
	fs.String("store-key-column", d.StoreKeyColumn, "REST store key column")
	fs.String("store-key", "", "REST store service key")
	fs.String("sqlite-path", "", "SQLite job database path")
}

func newViper(fs *pflag.FlagSet, configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

func configFromViper(v *viper.Viper) Config {
	c := Config{
		InPath:           v.GetString("in"),
		OutDir:           v.GetString("out"),
		ArrayField:       v.GetString("array-field"),
		Member:           v.GetString("member"),
		Pretty:           v.GetBool("pretty"),
		Overwrite:        v.GetBool("overwrite"),
		Provider:         strings.ToLower(strings.TrimSpace(v.GetString("provider"))),
		Model:            v.GetString("model"),
		APIKey:           v.GetString("api-key"),
		BaseURL:          v.GetString("base-url"),
		Concurrency:      v.GetInt("concurrency"),
		MaxAttempts:      v.GetInt("max-attempts"),
		StructuredOutput: v.GetBool("structured-output"),
		TargetTokens:     v.GetInt("target-tokens"),
		OverlapTokens:    v.GetInt("overlap-tokens"),
		MaxTokens:        v.GetInt("max-tokens"),
		Timeout:          v.GetDuration("timeout"),

		ReduceMaxDepth:         v.GetInt("reduce-max-depth"),
		ReduceBatchTokens:      v.GetInt("reduce-batch-tokens"),
		ReduceBreakerThreshold: v.GetInt("reduce-breaker-threshold"),

		StorageToken:     v.GetString("storage-token"),
		StorageAPIKey:    v.GetString("storage-api-key"),
		Store:            strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		JobID:            v.GetString("job-id"),
		StoreURL:         v.GetString("store-url"),
		StoreTable:       v.GetString("store-table"),
		StoreKeyColumn:   v.GetString("store-key-column"),
		StoreKey:         v.GetString("store-key"),
		SQLitePath:       v.GetString("sqlite-path"),
		Debug:            v.GetBool("debug"),
		LogJSON:          v.GetBool("log-json"),
	}
	if c.APIKey == "" {
		c.APIKey = providerKeyFromEnv(c.Provider)
	}
	if c.Provider == providerAnthropic && !v.IsSet("model") {
		c.Model = defaultAnthropicModel
	}
	return c
}

func providerKeyFromEnv(provider string) string {
	if provider == providerAnthropic {
		return os.Getenv("ANTHROPIC_API_KEY")
	}
	return os.Getenv("OPENAI_API_KEY")
}
