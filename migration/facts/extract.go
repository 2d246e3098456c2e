package facts

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"github.com/theimaginaryfoundation/memory-o-bot/migration"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/logger"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/provider"
)

const (
	DefaultConcurrency           = 3
	DefaultExtractionMaxTokens   = 2048
	DefaultExtractionTemperature = 0.3
)

// ExtractorConfig configures an Extractor.
type ExtractorConfig struct {
	Model           string
	Concurrency     int
	MaxOutputTokens int

	// Temperature 0 selects DefaultExtractionTemperature; a negative value sends 0.
	Temperature float64
	Retry       provider.RetryPolicy

	// StructuredOutput sends the FactSet JSON schema with every request.
	StructuredOutput bool

	// OnChunkDone, if set, is called after each chunk finishes with the number finished so far.
	OnChunkDone func(done, total int)
}

// Extractor runs one generation call per chunk through a bounded worker pool.
type Extractor struct {
	gen    provider.Generator
	cfg    ExtractorConfig
	schema map[string]any
	logger *log.Logger
}

func NewExtractor(gen provider.Generator, cfg ExtractorConfig, l *log.Logger) *Extractor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = DefaultExtractionMaxTokens
	}
	cfg.Temperature = resolveTemperature(cfg.Temperature, DefaultExtractionTemperature)
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = provider.DefaultRetryPolicy()
	}
	e := &Extractor{gen: gen, cfg: cfg, logger: logger.OrNop(l).WithPrefix("extract")}
	if cfg.StructuredOutput {
		e.schema = provider.GenerateSchema[FactSet]()
	}
	return e
}

// Extract returns one FactSet per chunk, in chunk order. It never fails: a chunk whose call
// exhausts its retries, or whose output cannot be parsed, yields an empty FactSet. At most
// Concurrency calls are in flight at any time.
func (e *Extractor) Extract(ctx context.Context, chunks []migration.Chunk) []FactSet {
	out := make([]FactSet, len(chunks))
	for i := range out {
		out[i] = Empty()
	}
	sem := semaphore.NewWeighted(int64(e.cfg.Concurrency))

	var (
		wg     sync.WaitGroup
		done   atomic.Int64
		failed atomic.Int64
	)
	for i := range chunks {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Canceled: the remaining chunks keep their empty sets.
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)

			fs, err := e.extractChunk(ctx, chunks[i])
			if err != nil {
				failed.Add(1)
				e.logger.Warn("chunk degraded to empty facts", "chunk", i, "conversation", chunks[i].ConversationID, "err", err)
			} else {
				out[i] = fs
			}
			n := int(done.Add(1))
			if e.cfg.OnChunkDone != nil {
				e.cfg.OnChunkDone(n, len(chunks))
			}
		}(i)
	}
	wg.Wait()

	e.logger.Info("extraction finished", "chunks", len(chunks), "failed", failed.Load())
	return out
}

func (e *Extractor) extractChunk(ctx context.Context, chunk migration.Chunk) (FactSet, error) {
	req := provider.Request{
		Model:           e.cfg.Model,
		Prompt:          fmt.Sprintf(extractionPrompt, chunk.Content),
		MaxOutputTokens: e.cfg.MaxOutputTokens,
		Temperature:     e.cfg.Temperature,
		Schema:          e.schema,
		SchemaName:      "FactSet",
	}
	text, err := provider.Retry(ctx, e.cfg.Retry, e.logger, func(ctx context.Context) (string, error) {
		return e.gen.Generate(ctx, req)
	})
	if err != nil {
		return FactSet{}, fmt.Errorf("generate: %w", err)
	}
	return ParseFactSet(text)
}

// resolveTemperature maps 0 to def and any negative value to 0.
func resolveTemperature(t, def float64) float64 {
	switch {
	case t == 0:
		return def
	case t < 0:
		return 0
	}
	return t
}
