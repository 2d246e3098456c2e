// Package provider adapts hosted text-generation APIs to the single call shape the pipeline uses:
// a prompt in, untrusted text out.
package provider

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when the service answered without any text.
var ErrEmptyResponse = errors.New("provider: empty response")

// Request is one generation call.
type Request struct {
	Model           string
	Prompt          string
	MaxOutputTokens int

	// Temperature 0 is sent as 0 to Anthropic; OpenAI leaves it unset.
	Temperature float64

	// Schema optionally constrains the output to a JSON schema (see GenerateSchema).
	// Generators without structured output support ignore it.
	Schema     map[string]any
	SchemaName string
}

// Generator turns a prompt into text.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
