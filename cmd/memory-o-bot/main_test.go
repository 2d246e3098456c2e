package main

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/facts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exportJSON = `{"conversations": [
  {"id": "c1", "title": "Go services",
   "messages": [{"role": "user", "content": "I prefer Go for backend work."},
                {"role": "assistant", "content": "Noted."}]},
  {"id": "c2", "title": "Atlas",
   "messages": [{"role": "user", "content": "I'm building Atlas, a map renderer."}]}
]}`

func testFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	registerFlags(fs)
	fs.Bool("debug", false, "")
	fs.Bool("log-json", false, "")
	return fs
}

func TestConfigDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")

	fs := testFlags()
	require.NoError(t, fs.Parse(nil))
	v, err := newViper(fs, "")
	require.NoError(t, err)
	cfg := configFromViper(v)

	want := defaultConfig()
	want.APIKey = "sk-env"
	assert.Equal(t, want, cfg)
}

func TestConfigPrecedence(t *testing.T) {
	t.Setenv("MEMORY_O_BOT_TARGET_TOKENS", "500")
	t.Setenv("MEMORY_O_BOT_MODEL", "from-env")
	t.Setenv("MEMORY_O_BOT_REDUCE_MAX_DEPTH", "2")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "memory-o-bot.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("concurrency: 7\ntimeout: 5m\nmodel: from-file\nreduce-breaker-threshold: 5\nreduce-batch-tokens: 9000\n"), 0o644))

	fs := testFlags()
	require.NoError(t, fs.Parse([]string{"--in", "export.zip", "--overlap-tokens", "50", "--reduce-batch-tokens", "1000"}))
	v, err := newViper(fs, cfgFile)
	require.NoError(t, err)
	cfg := configFromViper(v)

	assert.Equal(t, "export.zip", cfg.InPath)
	assert.Equal(t, 50, cfg.OverlapTokens)
	assert.Equal(t, 500, cfg.TargetTokens)
	assert.Equal(t, "from-env", cfg.Model)
	assert.Equal(t, 7, cfg.Concurrency)
	assert.Equal(t, 5*time.Minute, cfg.Timeout)
	assert.Equal(t, 2, cfg.ReduceMaxDepth)
	assert.Equal(t, 1000, cfg.ReduceBatchTokens)
	assert.Equal(t, 5, cfg.ReduceBreakerThreshold)

	rc := runnerConfig(cfg)
	assert.Equal(t, 2, rc.Reduce.MaxDepth)
	assert.Equal(t, 1000, rc.Reduce.BatchTokens)
	assert.Equal(t, 5, rc.Reduce.BreakerThreshold)
	assert.Equal(t, "from-env", rc.Reduce.Model)
}

func TestConfigReduceDefaults(t *testing.T) {
	fs := testFlags()
	require.NoError(t, fs.Parse(nil))
	v, err := newViper(fs, "")
	require.NoError(t, err)
	cfg := configFromViper(v)

	assert.Equal(t, facts.DefaultMaxDepth, cfg.ReduceMaxDepth)
	assert.Equal(t, facts.DefaultBatchTokens, cfg.ReduceBatchTokens)
	assert.Equal(t, facts.DefaultBreakerThreshold, cfg.ReduceBreakerThreshold)
}

func TestConfigAnthropicModelDefault(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "ak")

	fs := testFlags()
	require.NoError(t, fs.Parse([]string{"--provider", "anthropic"}))
	v, err := newViper(fs, "")
	require.NoError(t, err)
	cfg := configFromViper(v)
	assert.Equal(t, defaultAnthropicModel, cfg.Model)
	assert.Equal(t, "ak", cfg.APIKey)

	fs = testFlags()
	require.NoError(t, fs.Parse([]string{"--provider", "anthropic", "--model", "claude-haiku-4-5"}))
	v, err = newViper(fs, "")
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku-4-5", configFromViper(v).Model)
}

func TestValidateRun(t *testing.T) {
	t.Parallel()

	ok := defaultConfig()
	ok.InPath = "conversations.json"
	require.NoError(t, ok.ValidateRun())

	cases := map[string]func(*Config){
		"missing in":       func(c *Config) { c.InPath = "" },
		"bad overlap":      func(c *Config) { c.OverlapTokens = c.TargetTokens },
		"bad provider":     func(c *Config) { c.Provider = "llama" },
		"bad store":        func(c *Config) { c.Store = "redis" },
		"rest no url":      func(c *Config) { c.Store = storeREST; c.JobID = "u1" },
		"rest no job":      func(c *Config) { c.Store = storeREST; c.StoreURL = "http://x" },
		"sqlite no path":   func(c *Config) { c.Store = storeSQLite },
		"zero timeout":     func(c *Config) { c.Timeout = 0 },
		"zero max tokens":  func(c *Config) { c.MaxTokens = 0 },
		"negative depth":   func(c *Config) { c.ReduceMaxDepth = -1 },
		"negative batch":   func(c *Config) { c.ReduceBatchTokens = -1 },
		"negative breaker": func(c *Config) { c.ReduceBreakerThreshold = -1 },
	}
	for name, mutate := range cases {
		c := ok
		mutate(&c)
		assert.Error(t, c.ValidateRun(), name)
	}
}

func writeExport(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conversations.json")
	require.NoError(t, os.WriteFile(path, []byte(exportJSON), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestChunkCommand(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "chunks.jsonl")
	stdout, err := execute(t, "chunk", "--in", writeExport(t), "--out", out)
	require.NoError(t, err)
	assert.Contains(t, stdout, "conversations=2 chunks=2")

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		assert.True(t, strings.HasPrefix(sc.Text(), `{"conversation_id":`))
		lines++
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, 2, lines)

	_, err = execute(t, "chunk", "--in", writeExport(t), "--out", out)
	require.Error(t, err, "existing output without --overwrite")
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()

	outDir := t.TempDir()
	stdout, err := execute(t, "split", "--in", writeExport(t), "--out", outDir)
	require.NoError(t, err)
	assert.Contains(t, stdout, "conversations_written=2")

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRunCommandRejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "run", "--in", "x.json", "--provider", "llama")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}
