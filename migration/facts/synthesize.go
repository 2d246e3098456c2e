package facts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/theimaginaryfoundation/memory-o-bot/migration/fileutils"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/logger"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/provider"
)

const (
	DefaultSynthesisAttempts    = 3
	DefaultSynthesisMaxTokens   = 4096
	DefaultSynthesisTemperature = 0.5
)

type SynthesizerConfig struct {
	Model           string
	MaxAttempts     int
	MaxOutputTokens int

	// Temperature 0 selects DefaultSynthesisTemperature; a negative value sends 0.
	Temperature float64
	Retry       provider.RetryPolicy
}

// Synthesizer renders a FactSet as the markdown memory document.
type Synthesizer struct {
	gen    provider.Generator
	cfg    SynthesizerConfig
	logger *log.Logger
}

func NewSynthesizer(gen provider.Generator, cfg SynthesizerConfig, l *log.Logger) *Synthesizer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultSynthesisAttempts
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = DefaultSynthesisMaxTokens
	}
	cfg.Temperature = resolveTemperature(cfg.Temperature, DefaultSynthesisTemperature)
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = provider.DefaultRetryPolicy()
	}
	return &Synthesizer{gen: gen, cfg: cfg, logger: logger.OrNop(l).WithPrefix("synthesize")}
}

// Synthesize asks the generation service for the memory document, retrying while the reply is
// a placeholder. After MaxAttempts it returns FallbackMemory, so it always yields a document.
func (s *Synthesizer) Synthesize(ctx context.Context, fs FactSet) MemoryDocument {
	payload, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		return FallbackMemory(fs)
	}
	req := provider.Request{
		Model:           s.cfg.Model,
		Prompt:          fmt.Sprintf(synthesisPrompt, payload),
		MaxOutputTokens: s.cfg.MaxOutputTokens,
		Temperature:     s.cfg.Temperature,
	}

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			break
		}
		text, err := provider.Retry(ctx, s.cfg.Retry, s.logger, func(ctx context.Context) (string, error) {
			return s.gen.Generate(ctx, req)
		})
		if err != nil {
			s.logger.Warn("memory generation failed", "attempt", attempt, "err", err)
			continue
		}
		md := fileutils.StripCodeFence(text)
		if IsPlaceholderMemory(md) {
			s.logger.Warn("placeholder memory rejected", "attempt", attempt, "chars", len(md))
			continue
		}
		s.logger.Info("memory generated", "attempt", attempt, "chars", len(md), "facts", fs.TotalCount())
		return MemoryDocument(md)
	}

	s.logger.Warn("using fallback memory", "attempts", s.cfg.MaxAttempts, "facts", fs.TotalCount())
	return FallbackMemory(fs)
}
