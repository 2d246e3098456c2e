package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/theimaginaryfoundation/memory-o-bot/migration"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/facts"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/fileutils"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/ingest"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/logger"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/provider"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/store"
)

const (
	DefaultTimeout     = 30 * time.Minute
	DefaultMaxTokens   = 200_000
	MaxErrorChars      = 500
	MemoryFileName     = "memory.md"
	FactsFileName      = "facts.json"
	extractStartPct    = 50
	extractEndPct      = 80
	extractReportEvery = 10
)

// Config tunes a Runner. Zero values fall back to the package defaults.
type Config struct {
	TargetTokens  int
	OverlapTokens int
	// MaxTokens is the reducer budget for the consolidated facts.
	MaxTokens int
	Timeout   time.Duration
	Stream    migration.StreamOptions
	// OutDir, when set, receives memory.md and facts.json.
	OutDir string

	Extract    facts.ExtractorConfig
	Reduce     facts.ReducerConfig
	Synthesize facts.SynthesizerConfig
}

// Result is what a successful run produced.
type Result struct {
	JobID         string
	Stats         migration.LoadStats
	Conversations int
	Chunks        int
	Facts         facts.FactSet
	Reduce        facts.ReduceReport
	Memory        facts.MemoryDocument
	// Tokens is the tiktoken count of Memory.
	Tokens     int
	MemoryPath string
	FactsPath  string
	Duration   time.Duration
}

// Runner executes jobs. It holds no per-job state and may run several jobs at once.
type Runner struct {
	Ingestor  *ingest.Ingestor
	Generator provider.Generator
	Store     store.Store
	Config    Config
	Logger    *log.Logger
	Now       func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) config() Config {
	c := r.Config
	if c.TargetTokens <= 0 {
		c.TargetTokens = migration.DefaultTargetTokens
	}
	if c.OverlapTokens < 0 {
		c.OverlapTokens = 0
	} else if c.OverlapTokens == 0 {
		c.OverlapTokens = migration.DefaultOverlapTokens
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Start runs job in the background. Use job.Done and job.Result to collect the outcome.
func (r *Runner) Start(ctx context.Context, job *Job) {
	go func() {
		_, _ = r.Run(ctx, job)
	}()
}

type stageResult struct {
	res *Result
	err error
}

// Run executes job and blocks until it finishes, fails or exceeds the configured timeout.
// On timeout Run returns context.DeadlineExceeded right away; the abandoned stage observes the
// cancellation on its own and releases its workspace when it unwinds.
func (r *Runner) Run(ctx context.Context, job *Job) (*Result, error) {
	cfg := r.config()
	lg := logger.OrNop(r.Logger).With("job", job.ID)

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	job.bind(cancel)
	defer cancel()

	rep := &reporter{job: job, store: r.store(), logger: lg, now: r.now}
	rep.update(ctx, store.JobPatch{Status: statusPtr(store.StatusProcessing), ClearError: true}, 0, StageDownloading)

	ch := make(chan stageResult, 1)
	go func() {
		res, err := r.execute(ctx, job, cfg, rep, lg)
		ch <- stageResult{res, err}
	}()

	var out stageResult
	select {
	case out = <-ch:
	case <-ctx.Done():
		out = stageResult{err: ctx.Err()}
		if errors.Is(out.err, context.DeadlineExceeded) {
			out.err = fmt.Errorf("run timed out after %s: %w", cfg.Timeout, context.DeadlineExceeded)
		}
	}

	// Status writes use a fresh context so the final state lands even after a timeout.
	finalCtx, finalCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer finalCancel()

	if out.err != nil {
		msg := fileutils.Truncate(out.err.Error(), MaxErrorChars)
		lg.Error("job failed", "err", msg)
		rep.fail(finalCtx, msg, out.err)
		job.finish(nil, out.err)
		return nil, out.err
	}

	rep.complete(finalCtx, out.res)
	lg.Info("job complete",
		"conversations", out.res.Conversations,
		"chunks", out.res.Chunks,
		"facts", out.res.Facts.TotalCount(),
		"tokens", out.res.Tokens,
		"fallback", out.res.Memory.IsFallback(),
		"duration", out.res.Duration.Round(time.Millisecond),
	)
	job.finish(out.res, nil)
	return out.res, nil
}

func (r *Runner) store() store.Store {
	if r.Store == nil {
		return store.Nop{}
	}
	return r.Store
}

func (r *Runner) execute(ctx context.Context, job *Job, cfg Config, rep *reporter, lg *log.Logger) (*Result, error) {
	start := r.now()
	res := &Result{JobID: job.ID}

	in := r.Ingestor
	if in == nil {
		in = &ingest.Ingestor{}
	}
	exp, err := in.Prepare(ctx, job.Source)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := exp.Cleanup(); err != nil {
			lg.Warn("workspace cleanup failed", "err", err)
		}
	}()
	lg.Info("export ready", "format", exp.Format, "bytes", exp.Bytes)

	rep.progress(ctx, 20, StageParsing)
	convs, stats, err := migration.LoadConversations(ctx, exp.Path, cfg.Stream, start)
	if err != nil {
		return nil, err
	}
	res.Stats = stats
	res.Conversations = len(convs)
	lg.Info("parsed conversations", "elements", stats.Elements, "kept", len(convs), "empty", stats.Empty, "malformed", stats.Malformed)

	rep.progress(ctx, 40, StageChunking)
	chunks := migration.ChunkConversations(convs, cfg.TargetTokens, cfg.OverlapTokens)
	res.Chunks = len(chunks)
	lg.Info("chunked conversations", "chunks", len(chunks))

	rep.progress(ctx, extractStartPct, StageExtracting)
	ecfg := cfg.Extract
	ecfg.OnChunkDone = rep.extractProgress(ctx)
	sets := facts.NewExtractor(r.Generator, ecfg, lg).Extract(ctx, chunks)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rep.progress(ctx, 80, StageConsolidating)
	merged := facts.Consolidate(sets...)
	lg.Info("consolidated facts", "facts", merged.TotalCount())

	rep.progress(ctx, 85, StageReducing)
	reduced, report := facts.NewReducer(r.Generator, cfg.Reduce, lg).Reduce(ctx, merged, cfg.MaxTokens)
	res.Facts, res.Reduce = reduced, report
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rep.progress(ctx, 90, StageSynthesizing)
	res.Memory = facts.NewSynthesizer(r.Generator, cfg.Synthesize, lg).Synthesize(ctx, reduced)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res.Tokens = migration.CountTokens(string(res.Memory))
	res.Duration = r.now().Sub(start)

	if cfg.OutDir != "" {
		if err := writeArtifacts(cfg.OutDir, res, r.now()); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func writeArtifacts(dir string, res *Result, now time.Time) error {
	res.MemoryPath = filepath.Join(dir, MemoryFileName)
	res.FactsPath = filepath.Join(dir, FactsFileName)

	err := migration.WriteMemoryFile(res.MemoryPath, migration.MemoryFile{
		Meta: migration.MemoryFileMeta{
			JobID:         res.JobID,
			GeneratedAt:   now.UTC(),
			Conversations: res.Conversations,
			Chunks:        res.Chunks,
			FactCount:     res.Facts.TotalCount(),
			Tokens:        res.Tokens,
			Fallback:      res.Memory.IsFallback(),
		},
		Content: string(res.Memory),
	})
	if err != nil {
		return fmt.Errorf("write memory: %w", err)
	}
	if err := fileutils.WriteJSONFileAtomic(res.FactsPath, res.Facts, true); err != nil {
		return fmt.Errorf("write facts: %w", err)
	}
	return nil
}

// reporter fans status out to the job callback and the store. Store failures are logged only.
type reporter struct {
	job    *Job
	store  store.Store
	logger *log.Logger
	now    func() time.Time

	mu         sync.Mutex
	lastBucket int
	// closed is set by the final update; a stage abandoned after a timeout reports nothing more.
	closed bool
}

func (p *reporter) progress(ctx context.Context, percent int, stage string) {
	p.update(ctx, store.Progress(percent, stage), percent, stage)
}

func (p *reporter) update(ctx context.Context, patch store.JobPatch, percent int, stage string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.send(ctx, patch, store.StatusProcessing, percent, stage, nil)
}

// send must be called with mu held.
func (p *reporter) send(ctx context.Context, patch store.JobPatch, status store.Status, percent int, stage string, cause error) {
	if p.closed {
		return
	}
	if status != store.StatusProcessing {
		p.closed = true
	}
	patch.ProgressPercent = &percent
	patch.Stage = &stage
	now := p.now()
	patch.UpdatedAt = &now

	p.logger.Debug("progress", "percent", percent, "stage", stage)
	if err := p.store.UpdateJob(ctx, p.job.ID, patch); err != nil {
		p.logger.Warn("job status update failed", "percent", percent, "stage", stage, "err", err)
	}
	if p.job.OnStatus != nil {
		p.job.OnStatus(Update{JobID: p.job.ID, Status: status, Percent: percent, Stage: stage, Err: cause})
	}
}

// extractProgress reports every 10% of finished chunks, mapped onto 50..80.
func (p *reporter) extractProgress(ctx context.Context) func(done, total int) {
	return func(done, total int) {
		if total <= 0 {
			return
		}
		bucket := done * extractReportEvery / total
		p.mu.Lock()
		defer p.mu.Unlock()
		if bucket <= p.lastBucket || bucket >= extractReportEvery {
			return
		}
		p.lastBucket = bucket
		pct := extractStartPct + (extractEndPct-extractStartPct)*done/total
		p.send(ctx, store.Progress(pct, StageExtracting), store.StatusProcessing, pct, StageExtracting, nil)
	}
}

func (p *reporter) fail(ctx context.Context, msg string, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.send(ctx, store.JobPatch{Status: statusPtr(store.StatusFailed), Error: &msg}, store.StatusFailed, 100, StageFailed, cause)
}

func (p *reporter) complete(ctx context.Context, res *Result) {
	md := string(res.Memory)
	factsJSON, err := json.Marshal(res.Facts)
	if err != nil {
		p.logger.Warn("encode facts for store", "err", err)
		factsJSON = nil
	}
	done := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.send(ctx, store.JobPatch{
		Status:         statusPtr(store.StatusComplete),
		ClearError:     true,
		MemoryMarkdown: &md,
		Facts:          factsJSON,
		CompletedAt:    &done,
	}, store.StatusComplete, 100, StageComplete, nil)
}

func statusPtr(s store.Status) *store.Status { return &s }
