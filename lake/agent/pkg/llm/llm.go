// Package llm wraps the reasoning model used by the analyst workflow: a raw
// text completion interface and a typed structured-call helper on top of it.
package llm

import (
	"context"
)

// CompleteOptions holds options for a single completion.
type CompleteOptions struct {
	CacheSystemPrompt bool  // Mark the system prompt as cacheable
	MaxTokens         int64 // Overrides the client default when non-zero
}

// CompleteOption is a functional option for Complete.
type CompleteOption func(*CompleteOptions)

// WithCacheControl enables prompt caching for the system prompt. Stages that
// share a large schema-bearing system prompt across calls should set it.
func WithCacheControl() CompleteOption {
	return func(o *CompleteOptions) {
		o.CacheSystemPrompt = true
	}
}

// WithMaxTokens caps the response length for one call.
func WithMaxTokens(n int64) CompleteOption {
	return func(o *CompleteOptions) {
		o.MaxTokens = n
	}
}

// Completer is the interface for interacting with an LLM.
type Completer interface {
	// Complete sends a prompt and returns the response text.
	Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error)
}

// ApplyOptions folds opts into a CompleteOptions value.
func ApplyOptions(opts []CompleteOption) CompleteOptions {
	var o CompleteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
