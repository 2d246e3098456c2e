package facts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theimaginaryfoundation/memory-o-bot/migration/provider"
)

// oversizedFactSet builds a set of roughly n items per category.
func oversizedFactSet(n int) FactSet {
	fs := Empty()
	for i := 0; i < n; i++ {
		fs.Preferences = append(fs.Preferences, fmt.Sprintf("Preference %03d: prefers detailed answers with examples", i))
		fs.Projects = append(fs.Projects, Project{Name: fmt.Sprintf("Project %03d", i), Description: "A side project with a web frontend"})
		fs.Dates = append(fs.Dates, DateEvent{Event: fmt.Sprintf("Milestone %03d", i), Date: "2024-01-01"})
		fs.Beliefs = append(fs.Beliefs, fmt.Sprintf("Belief %03d: software should be simple and well tested", i))
		fs.Decisions = append(fs.Decisions, Decision{Decision: fmt.Sprintf("Decision %03d", i), Context: "Chosen after comparing options"})
	}
	return fs
}

func TestReduce_UnderLimitMakesNoCalls(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	gen := provider.GeneratorFunc(func(context.Context, provider.Request) (string, error) {
		calls.Add(1)
		return "[]", nil
	})
	in := oversizedFactSet(2)
	out, rep := NewReducer(gen, ReducerConfig{Model: "m"}, nil).Reduce(context.Background(), in, 100_000)

	assert.Equal(t, in, out)
	assert.Equal(t, StateUnderLimit, rep.State)
	assert.Zero(t, calls.Load())
}

func TestReduce_AlwaysFailingServiceTruncatesWithinBudget(t *testing.T) {
	t.Parallel()

	in := oversizedFactSet(40)
	maxTokens := in.EstimateTokens() / 3
	require.Greater(t, in.EstimateTokens(), 3*maxTokens-3)

	var calls atomic.Int64
	gen := provider.GeneratorFunc(func(context.Context, provider.Request) (string, error) {
		calls.Add(1)
		return "", errors.New("service down")
	})
	r := NewReducer(gen, ReducerConfig{Model: "m", BreakerThreshold: 3, MaxDepth: 3}, nil)
	out, rep := r.Reduce(context.Background(), in, maxTokens)

	assert.Equal(t, StateMaxDepthTruncate, rep.State)
	assert.LessOrEqual(t, out.EstimateTokens(), maxTokens)
	assert.True(t, rep.BreakerOpen)
	assert.Equal(t, int64(3), calls.Load(), "breaker stops calls after three consecutive failures")
	assert.Equal(t, 1, rep.Passes, "a pass with no progress goes straight to truncation")
	for _, c := range Categories {
		assert.GreaterOrEqualf(t, out.Len(c), 1, "category %s keeps at least one item", c)
		assert.Less(t, out.Len(c), in.Len(c))
	}
}

func TestReduce_SuccessfulPassHalvesBatches(t *testing.T) {
	t.Parallel()

	in := Empty()
	for i := 0; i < 200; i++ {
		in.Preferences = append(in.Preferences, fmt.Sprintf("Preference %03d: likes concise technical explanations", i))
	}

	var calls atomic.Int64
	gen := provider.GeneratorFunc(func(_ context.Context, req provider.Request) (string, error) {
		calls.Add(1)
		if !strings.Contains(req.Prompt, "preferences") {
			return "", errors.New("unexpected category")
		}
		return "```json\n{\"preferences\": [\"Likes concise technical explanations\"]}\n```", nil
	})
	// Small batches force several calls in one pass.
	r := NewReducer(gen, ReducerConfig{Model: "m", BatchTokens: 1000}, nil)
	out, rep := r.Reduce(context.Background(), in, in.EstimateTokens()/2)

	assert.Equal(t, StateUnderLimit, rep.State)
	assert.Equal(t, 1, rep.Passes)
	assert.Zero(t, rep.Failures)
	assert.Equal(t, int(calls.Load()), len(out.Preferences))
	assert.Greater(t, calls.Load(), int64(1))
}

func TestReduce_NeverExceedsMaxDepth(t *testing.T) {
	t.Parallel()

	in := oversizedFactSet(30)
	var calls atomic.Int64
	// Every batch collapses to one item: the first pass makes progress, the second cannot.
	gen := provider.GeneratorFunc(func(_ context.Context, req provider.Request) (string, error) {
		calls.Add(1)
		return `["kept"]`, nil
	})
	r := NewReducer(gen, ReducerConfig{Model: "m", MaxDepth: 2}, nil)
	out, rep := r.Reduce(context.Background(), in, 10)

	assert.LessOrEqual(t, rep.Passes, 2)
	assert.Equal(t, StateMaxDepthTruncate, rep.State)
	assert.Positive(t, calls.Load())
	assert.Equal(t, len(Categories), out.TotalCount(), "tiny budget leaves one item per category")
}

func TestParseBatch(t *testing.T) {
	t.Parallel()

	items, err := parseBatch[string](`["a", "b"`, CategoryBeliefs)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, items)

	projects, err := parseBatch[Project](`{"projects":[{"name":"Atlas"}]}`, CategoryProjects)
	require.NoError(t, err)
	assert.Equal(t, []Project{{Name: "Atlas"}}, projects)

	_, err = parseBatch[string](`{"other":[]}`, CategoryBeliefs)
	assert.Error(t, err)

	_, err = parseBatch[string]("no idea", CategoryBeliefs)
	assert.Error(t, err)
}

func TestSplitBatches(t *testing.T) {
	t.Parallel()

	items := []string{"aaaa", "bbbb", "cccc", strings.Repeat("x", 50), "dddd"}
	batches := splitBatches(items, 13)
	assert.Equal(t, [][]string{{"aaaa", "bbbb"}, {"cccc"}, {strings.Repeat("x", 50)}, {"dddd"}}, batches)
}

func TestCircuitBreaker(t *testing.T) {
	t.Parallel()

	b := newCircuitBreaker(2)
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.True(t, b.Allow(), "success resets the consecutive count")
	b.RecordFailure()
	assert.False(t, b.Allow())
	assert.True(t, b.Open())
}

func TestReduce_TemperatureSent(t *testing.T) {
	t.Parallel()

	in := oversizedFactSet(50)
	for name, tc := range map[string]struct{ set, want float64 }{
		"default": {set: 0, want: DefaultReduceTemperature},
		"greedy":  {set: -0.5, want: 0},
	} {
		var temps []float64
		gen := provider.GeneratorFunc(func(_ context.Context, req provider.Request) (string, error) {
			temps = append(temps, req.Temperature)
			return "", errors.New("down")
		})
		r := NewReducer(gen, ReducerConfig{Model: "m", Temperature: tc.set, BreakerThreshold: 1}, nil)
		r.Reduce(context.Background(), in, in.EstimateTokens()/4)

		require.NotEmpty(t, temps, name)
		assert.Equal(t, tc.want, temps[0], name)
	}
}
