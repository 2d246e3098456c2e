package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theimaginaryfoundation/memory-o-bot/migration"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/facts"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/ingest"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/logger"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/provider"
	"github.com/theimaginaryfoundation/memory-o-bot/migration/store"
)

const exportJSON = `[
  {"id": "c1", "title": "Go services", "create_time": 1700000000,
   "messages": [{"role": "user", "content": "I prefer Go for backend work."},
                {"role": "assistant", "content": "Noted."}]},
  {"id": "c2", "title": "Atlas",
   "messages": [{"role": "user", "content": "I'm building Atlas, a map renderer."}]}
]`

const memoryDoc = `## Preferences
- Prefers Go for backend services and small focused tools.

## Projects
- Atlas: a self-hosted map renderer the user is building in Go.

## Important Dates
- None recorded beyond the export creation in November 2023.

## Beliefs & Values
- Values simple, well-tested code over clever abstractions.

## Decisions & Context
- Chose Go for backend work because of its deployment story.
`

type recordingStore struct {
	mu      sync.Mutex
	patches []store.JobPatch
	ids     []string
}

func (s *recordingStore) UpdateJob(_ context.Context, jobID string, p store.JobPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patches = append(s.patches, p)
	s.ids = append(s.ids, jobID)
	return nil
}

func (s *recordingStore) last() store.JobPatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patches[len(s.patches)-1]
}

type failingStore struct{}

func (failingStore) UpdateJob(context.Context, string, store.JobPatch) error {
	return errors.New("store down")
}

func fakeGenerator() provider.Generator {
	return provider.GeneratorFunc(func(ctx context.Context, req provider.Request) (string, error) {
		switch {
		case strings.Contains(req.Prompt, "<conversation_segment>"):
			return `{"preferences":["Prefers Go"],"projects":[{"name":"Atlas","description":"map renderer"}]}`, nil
		case strings.Contains(req.Prompt, "MEMORY section"):
			return memoryDoc, nil
		default:
			return "", errors.New("unexpected prompt")
		}
	})
}

func writeExport(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conversations.json")
	require.NoError(t, os.WriteFile(path, []byte(exportJSON), 0o600))
	return path
}

func fastConfig() Config {
	return Config{
		Extract:    facts.ExtractorConfig{Retry: provider.RetryPolicy{MaxAttempts: 1}},
		Reduce:     facts.ReducerConfig{Retry: provider.RetryPolicy{MaxAttempts: 1}},
		Synthesize: facts.SynthesizerConfig{Retry: provider.RetryPolicy{MaxAttempts: 1}},
	}
}

func TestRunComplete(t *testing.T) {
	t.Parallel()

	st := &recordingStore{}
	out := t.TempDir()
	cfg := fastConfig()
	cfg.OutDir = out
	r := &Runner{Generator: fakeGenerator(), Store: st, Config: cfg}

	var updates []Update
	job := NewJob(ingest.Source{Location: writeExport(t)}, func(u Update) { updates = append(updates, u) })

	res, err := r.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Conversations)
	assert.Equal(t, 2, res.Chunks)
	assert.Equal(t, []string{"Prefers Go"}, res.Facts.Preferences)
	require.Len(t, res.Facts.Projects, 1)
	assert.Equal(t, facts.StateUnderLimit, res.Reduce.State)
	assert.Equal(t, facts.MemoryDocument(strings.TrimSpace(memoryDoc)), res.Memory)
	assert.Positive(t, res.Tokens)

	// Stage checkpoints arrive in order and never go backwards.
	require.NotEmpty(t, updates)
	assert.Equal(t, StageDownloading, updates[0].Stage)
	assert.Equal(t, 0, updates[0].Percent)
	stages := make([]string, 0, len(updates))
	for i, u := range updates {
		assert.Equal(t, job.ID, u.JobID)
		if i > 0 {
			assert.GreaterOrEqual(t, u.Percent, updates[i-1].Percent)
		}
		stages = append(stages, u.Stage)
	}
	assert.Subset(t, stages, []string{StageParsing, StageChunking, StageExtracting, StageConsolidating, StageReducing, StageSynthesizing})
	final := updates[len(updates)-1]
	assert.Equal(t, store.StatusComplete, final.Status)
	assert.Equal(t, 100, final.Percent)
	assert.Equal(t, StageComplete, final.Stage)

	p := st.last()
	require.NotNil(t, p.Status)
	assert.Equal(t, store.StatusComplete, *p.Status)
	require.NotNil(t, p.MemoryMarkdown)
	assert.Equal(t, strings.TrimSpace(memoryDoc), *p.MemoryMarkdown)
	assert.True(t, p.ClearError)
	require.NotNil(t, p.CompletedAt)
	var stored map[string]any
	require.NoError(t, json.Unmarshal(p.Facts, &stored))
	assert.Equal(t, float64(2), stored["total_count"])

	mf, err := migration.ReadMemoryFile(filepath.Join(out, MemoryFileName))
	require.NoError(t, err)
	assert.Equal(t, job.ID, mf.Meta.JobID)
	assert.Equal(t, 2, mf.Meta.FactCount)
	assert.False(t, mf.Meta.Fallback)
	_, err = os.Stat(filepath.Join(out, FactsFileName))
	require.NoError(t, err)

	select {
	case <-job.Done():
	default:
		t.Fatal("job not marked done")
	}
	got, err := job.Result()
	require.NoError(t, err)
	assert.Same(t, res, got)
}

func TestRunFailsOnMissingExport(t *testing.T) {
	t.Parallel()

	st := &recordingStore{}
	r := &Runner{Generator: fakeGenerator(), Store: st, Config: fastConfig()}
	job := NewJob(ingest.Source{Location: filepath.Join(t.TempDir(), "nope.json")}, nil)

	_, err := r.Run(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	p := st.last()
	require.NotNil(t, p.Status)
	assert.Equal(t, store.StatusFailed, *p.Status)
	require.NotNil(t, p.Error)
	assert.LessOrEqual(t, len([]rune(*p.Error)), MaxErrorChars)
	require.NotNil(t, p.Stage)
	assert.Equal(t, StageFailed, *p.Stage)

	_, jobErr := job.Result()
	assert.Equal(t, err, jobErr)
}

func TestRunFailsOnEmptyExport(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "conversations.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"conversations": []}`), 0o600))

	r := &Runner{Generator: fakeGenerator(), Config: fastConfig()}
	_, err := r.Run(context.Background(), NewJob(ingest.Source{Location: path}, nil))
	require.ErrorIs(t, err, migration.ErrNoConversations)
}

func TestRunTimeoutReturnsImmediately(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	gen := provider.GeneratorFunc(func(ctx context.Context, req provider.Request) (string, error) {
		// Ignores cancellation so the stage goroutine outlives the deadline.
		<-release
		return "", errors.New("released")
	})

	st := &recordingStore{}
	cfg := fastConfig()
	cfg.Timeout = 50 * time.Millisecond
	r := &Runner{Generator: gen, Store: st, Config: cfg}
	job := NewJob(ingest.Source{Location: writeExport(t)}, nil)

	start := time.Now()
	_, err := r.Run(context.Background(), job)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)

	p := st.last()
	require.NotNil(t, p.Status)
	assert.Equal(t, store.StatusFailed, *p.Status)
	assert.Contains(t, *p.Error, "timed out")
}

func TestRunCanceledBeforeStart(t *testing.T) {
	t.Parallel()

	r := &Runner{Generator: fakeGenerator(), Config: fastConfig()}
	job := NewJob(ingest.Source{Location: writeExport(t)}, nil)
	job.Cancel()

	_, err := r.Run(context.Background(), job)
	require.Error(t, err)
}

func TestRunStoreFailuresAreNotFatal(t *testing.T) {
	t.Parallel()

	r := &Runner{Generator: fakeGenerator(), Store: failingStore{}, Config: fastConfig()}
	res, err := r.Run(context.Background(), NewJob(ingest.Source{Location: writeExport(t)}, nil))
	require.NoError(t, err)
	assert.False(t, res.Memory.IsFallback())
}

func TestStart(t *testing.T) {
	t.Parallel()

	r := &Runner{Generator: fakeGenerator(), Config: fastConfig()}
	job := NewJob(ingest.Source{Location: writeExport(t)}, nil)
	r.Start(context.Background(), job)

	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
	}
	res, err := job.Result()
	require.NoError(t, err)
	assert.Equal(t, 2, res.Conversations)
}

func TestExtractProgressEveryTenPercent(t *testing.T) {
	t.Parallel()

	var got []int
	job := NewJob(ingest.Source{}, func(u Update) { got = append(got, u.Percent) })
	rep := &reporter{job: job, store: store.Nop{}, logger: logger.Nop(), now: time.Now}

	fn := rep.extractProgress(context.Background())
	for i := 1; i <= 20; i++ {
		fn(i, 20)
	}
	assert.Equal(t, []int{53, 56, 59, 62, 65, 68, 71, 74, 77}, got)
}

func TestReporterProgressPatch(t *testing.T) {
	t.Parallel()

	rs := &recordingStore{}
	job := NewJob(ingest.Source{}, nil)
	rep := &reporter{job: job, store: rs, logger: logger.Nop(), now: time.Now}

	rep.progress(context.Background(), 40, StageChunking)
	p := rs.last()
	require.NotNil(t, p.ProgressPercent)
	require.NotNil(t, p.Stage)
	assert.Equal(t, 40, *p.ProgressPercent)
	assert.Equal(t, StageChunking, *p.Stage)
	assert.Nil(t, p.Status)
	assert.Nil(t, p.MemoryMarkdown)
	assert.NotNil(t, p.UpdatedAt)

	f := p.Fields(time.Now())
	assert.Equal(t, 40, f["progress_percent"])
	assert.Equal(t, StageChunking, f["import_stage"])
}
