package facts

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/theimaginaryfoundation/memory-o-bot/migration/provider"
)

const realMemory = `## Preferences
- Prefers Go for backend services and TypeScript for frontends.
- Likes terse code review comments.

## Projects
- Atlas: a self-hosted map renderer built with Go and PostGIS, in beta since March 2024.

## Important Dates
- Birthday on March 3.

## Beliefs & Values
- Believes privacy should be the default in consumer software.

## Decisions & Context
- Moved the team from Python to Go in 2023 to cut latency.
`

func TestIsPlaceholderMemory(t *testing.T) {
	t.Parallel()

	assert.False(t, IsPlaceholderMemory(realMemory))
	assert.True(t, IsPlaceholderMemory(string(FallbackMemory(Empty()))), "fallback carries two signals")
	assert.True(t, IsPlaceholderMemory("## Preferences\n- short"), "too short")

	headingsOnly := strings.Repeat("## Preferences\n## Projects\n## Important Dates\n", 6)
	assert.True(t, IsPlaceholderMemory(headingsOnly), "no substantive lines")

	twoBullets := "## Preferences\n- Prefers Go for backend services and tooling.\n## Projects\n- Atlas is a self-hosted map renderer written in Go.\n" + strings.Repeat("## Empty\n", 20)
	assert.True(t, IsPlaceholderMemory(twoBullets), "two substantive lines are not enough")

	oneSignal := realMemory + "\n## Misc\nNo data yet.\n"
	assert.False(t, IsPlaceholderMemory(oneSignal), "a single placeholder phrase is tolerated")
}

func TestFallbackMemory(t *testing.T) {
	t.Parallel()

	doc := FallbackMemory(FactSet{Beliefs: []string{"a", "b"}})
	assert.True(t, doc.IsFallback())
	assert.Contains(t, string(doc), "Raw fact count: 2")
	for _, h := range MemoryHeadings {
		assert.Contains(t, string(doc), h+"\nNo data yet.")
	}
}

func TestSynthesize_RetriesPlaceholderThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	gen := provider.GeneratorFunc(func(context.Context, provider.Request) (string, error) {
		if calls.Add(1) < 3 {
			return "## Preferences\nNo data yet.", nil
		}
		return "```markdown\n" + realMemory + "```", nil
	})
	s := NewSynthesizer(gen, SynthesizerConfig{Model: "m", Retry: provider.RetryPolicy{MaxAttempts: 1}}, nil)
	doc := s.Synthesize(context.Background(), FactSet{Preferences: []string{"Go"}})

	assert.Equal(t, strings.TrimSpace(realMemory), string(doc))
	assert.Equal(t, int64(3), calls.Load())
	assert.False(t, doc.IsFallback())
}

func TestSynthesize_FallsBackAfterExhaustion(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	gen := provider.GeneratorFunc(func(context.Context, provider.Request) (string, error) {
		calls.Add(1)
		return "", errors.New("503 overloaded")
	})
	policy := provider.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	s := NewSynthesizer(gen, SynthesizerConfig{Model: "m", MaxAttempts: 2, Retry: policy}, nil)
	doc := s.Synthesize(context.Background(), FactSet{Beliefs: []string{"x"}})

	assert.True(t, doc.IsFallback())
	assert.Contains(t, string(doc), "Raw fact count: 1")
	assert.Equal(t, int64(4), calls.Load(), "two attempts with two transport tries each")
}

func TestSynthesize_TemperatureSent(t *testing.T) {
	t.Parallel()

	for name, tc := range map[string]struct{ set, want float64 }{
		"default":  {set: 0, want: DefaultSynthesisTemperature},
		"explicit": {set: 0.2, want: 0.2},
		"greedy":   {set: -1, want: 0},
	} {
		var got float64
		gen := provider.GeneratorFunc(func(_ context.Context, req provider.Request) (string, error) {
			got = req.Temperature
			return realMemory, nil
		})
		s := NewSynthesizer(gen, SynthesizerConfig{Model: "m", Temperature: tc.set, Retry: provider.RetryPolicy{MaxAttempts: 1}}, nil)
		s.Synthesize(context.Background(), FactSet{Preferences: []string{"Go"}})
		assert.Equal(t, tc.want, got, name)
	}
}
