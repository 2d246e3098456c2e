package facts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/tidwall/gjson"

	"github.com/theimaginaryfoundation/memory-o-bot/migration/fileutils"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/logger"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/provider"
)

const (
	DefaultMaxTokens         = 150_000
	DefaultMaxDepth          = 3
	DefaultBatchTokens       = 50_000
	DefaultBreakerThreshold  = 3
	DefaultReduceMaxTokens   = 4096
	DefaultReduceTemperature = 0.3
)

// ReduceState is where a reduction run ended.
type ReduceState int

const (
	StateUnderLimit ReduceState = iota
	StateReducing
	StateMaxDepthTruncate
)

func (s ReduceState) String() string {
	switch s {
	case StateUnderLimit:
		return "under_limit"
	case StateReducing:
		return "reducing"
	case StateMaxDepthTruncate:
		return "max_depth_truncate"
	}
	return fmt.Sprintf("ReduceState(%d)", int(s))
}

// ReduceReport describes a finished reduction run.
type ReduceReport struct {
	State       ReduceState
	Passes      int
	Calls       int
	Failures    int
	BreakerOpen bool
	StartTokens int
	EndTokens   int
	StartCount  int
	EndCount    int
}

type ReducerConfig struct {
	Model            string
	MaxDepth         int
	BatchTokens      int
	BreakerThreshold int
	MaxOutputTokens  int

	// Temperature 0 selects DefaultReduceTemperature; a negative value sends 0.
	Temperature float64

	// Retry applies per batch call. The zero value makes a single attempt; failed batches are
	// passed through and counted by the circuit breaker instead.
	Retry provider.RetryPolicy
}

// Reducer shrinks a FactSet until it fits a token budget.
type Reducer struct {
	gen    provider.Generator
	cfg    ReducerConfig
	logger *log.Logger
}

func NewReducer(gen provider.Generator, cfg ReducerConfig, l *log.Logger) *Reducer {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.BatchTokens <= 0 {
		cfg.BatchTokens = DefaultBatchTokens
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = DefaultBreakerThreshold
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = DefaultReduceMaxTokens
	}
	cfg.Temperature = resolveTemperature(cfg.Temperature, DefaultReduceTemperature)
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	return &Reducer{gen: gen, cfg: cfg, logger: logger.OrNop(l).WithPrefix("reduce")}
}

// Reduce returns fs unchanged when it already fits maxTokens. Otherwise it runs up to MaxDepth
// compression passes, each asking the generation service to halve every category batch by batch.
// A pass that removes nothing, or running out of depth, ends in proportional truncation, which
// never calls the service. Reduce always terminates and never fails.
func (r *Reducer) Reduce(ctx context.Context, fs FactSet, maxTokens int) (FactSet, ReduceReport) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	fs = fs.Normalize()
	rep := ReduceReport{StartTokens: fs.EstimateTokens(), StartCount: fs.TotalCount()}
	breaker := newCircuitBreaker(r.cfg.BreakerThreshold)

	for depth := 0; ; depth++ {
		size := fs.EstimateTokens()
		if size <= maxTokens {
			rep.State = StateUnderLimit
			rep.EndTokens, rep.EndCount = size, fs.TotalCount()
			r.logger.Info("facts within budget", "tokens", size, "max_tokens", maxTokens, "passes", rep.Passes)
			return fs, rep
		}
		if depth >= r.cfg.MaxDepth {
			r.logger.Warn("max depth reached, truncating", "depth", depth, "tokens", size)
			break
		}
		if ctx.Err() != nil {
			r.logger.Warn("context done, truncating", "err", ctx.Err())
			break
		}

		rep.State = StateReducing
		before := fs.TotalCount()
		r.logger.Info("reducing facts", "depth", depth, "tokens", size, "max_tokens", maxTokens, "facts", before)
		fs = r.pass(ctx, fs, breaker, &rep)
		rep.Passes++
		rep.BreakerOpen = breaker.Open()

		if fs.TotalCount() >= before {
			r.logger.Warn("reduction pass made no progress, truncating", "facts", before, "breaker_open", breaker.Open())
			break
		}
	}

	fs = truncateToBudget(fs, maxTokens)
	rep.State = StateMaxDepthTruncate
	rep.EndTokens, rep.EndCount = fs.EstimateTokens(), fs.TotalCount()
	r.logger.Info("facts truncated", "tokens", rep.EndTokens, "facts", rep.EndCount)
	return fs, rep
}

func (r *Reducer) pass(ctx context.Context, fs FactSet, b *circuitBreaker, rep *ReduceReport) FactSet {
	fs.Preferences = reduceCategory(ctx, r, b, rep, CategoryPreferences, fs.Preferences)
	fs.Projects = reduceCategory(ctx, r, b, rep, CategoryProjects, fs.Projects)
	fs.Dates = reduceCategory(ctx, r, b, rep, CategoryDates, fs.Dates)
	fs.Beliefs = reduceCategory(ctx, r, b, rep, CategoryBeliefs, fs.Beliefs)
	fs.Decisions = reduceCategory(ctx, r, b, rep, CategoryDecisions, fs.Decisions)
	return fs
}

// reduceCategory compresses one category batch by batch. A batch whose call fails, or any batch
// after the breaker opened, is kept as it was.
func reduceCategory[T any](ctx context.Context, r *Reducer, b *circuitBreaker, rep *ReduceReport, cat Category, items []T) []T {
	if len(items) == 0 {
		return items
	}
	batches := splitBatches(items, r.cfg.BatchTokens*4)
	out := make([]T, 0, len(items))
	for i, batch := range batches {
		if !b.Allow() || ctx.Err() != nil {
			out = append(out, batch...)
			continue
		}

		rep.Calls++
		reduced, err := reduceBatch(ctx, r, cat, batch)
		if err != nil {
			b.RecordFailure()
			rep.Failures++
			r.logger.Warn("batch passed through", "category", cat, "batch", i, "items", len(batch), "err", err)
			out = append(out, batch...)
			continue
		}
		b.RecordSuccess()
		r.logger.Debug("batch reduced", "category", cat, "batch", i, "from", len(batch), "to", len(reduced))
		out = append(out, reduced...)
	}
	return out
}

var errNoShrink = errors.New("reply did not shrink the batch")

func reduceBatch[T any](ctx context.Context, r *Reducer, cat Category, batch []T) ([]T, error) {
	payload, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}
	req := provider.Request{
		Model:           r.cfg.Model,
		Prompt:          fmt.Sprintf(reductionPrompt, cat, max(1, len(batch)/2), payload),
		MaxOutputTokens: r.cfg.MaxOutputTokens,
		Temperature:     r.cfg.Temperature,
	}
	text, err := provider.Retry(ctx, r.cfg.Retry, r.logger, func(ctx context.Context) (string, error) {
		return r.gen.Generate(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	reduced, err := parseBatch[T](text, cat)
	if err != nil {
		return nil, err
	}
	if len(reduced) == 0 || len(reduced) > len(batch) {
		return nil, fmt.Errorf("%w: %d items from %d", errNoShrink, len(reduced), len(batch))
	}
	return reduced, nil
}

// parseBatch decodes a reduction reply: a JSON array of items, or an object holding the array
// under the category key. Truncated replies are repaired first.
func parseBatch[T any](text string, cat Category) ([]T, error) {
	s, ok := fileutils.RecoverJSON(text)
	if !ok {
		return nil, errors.New("reply is not JSON")
	}

	raw := s
	switch res := gjson.Parse(s); {
	case res.IsArray():
	case res.IsObject():
		v := res.Get(string(cat))
		if !v.IsArray() {
			return nil, fmt.Errorf("reply object has no %q array", cat)
		}
		raw = v.Raw
	default:
		return nil, errors.New("reply is neither array nor object")
	}

	var items []T
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	return items, nil
}

// splitBatches groups items in order so each batch's marshaled size stays under maxBytes. An
// item larger than maxBytes gets a batch of its own.
func splitBatches[T any](items []T, maxBytes int) [][]T {
	var (
		batches [][]T
		current []T
		size    int
	)
	for _, item := range items {
		b, _ := json.Marshal(item)
		n := len(b)
		if len(current) > 0 && size+n > maxBytes {
			batches = append(batches, current)
			current, size = nil, 0
		}
		current = append(current, item)
		size += n
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
