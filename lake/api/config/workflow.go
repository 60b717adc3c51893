package config

import (
	"fmt"
	"log/slog"

	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/catalog"
	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/llm"
	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/scope"
	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/workflow"
)

// NewLLM returns the Anthropic client for cfg.
func NewLLM(log *slog.Logger, cfg *Config) *llm.AnthropicClient {
	return llm.NewAnthropicClient(llm.AnthropicConfig{
		Logger: log,
		APIKey: cfg.AnthropicAPIKey,
		Model:  cfg.Model(),
	})
}

// NewWorkflow wires the scope gate and workflow around completer and exec.
func NewWorkflow(log *slog.Logger, cfg *Config, completer llm.Completer, exec workflow.Executor) (*workflow.Workflow, error) {
	cat, err := catalog.Default()
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	gate, err := scope.New(scope.Config{
		Logger:   log,
		LLM:      llm.NewStructured(completer, log),
		Entities: cat.KnownEntities,
		CacheTTL: cfg.ScopeCacheTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create scope gate: %w", err)
	}

	return workflow.New(&workflow.Config{
		Logger:     log,
		LLM:        completer,
		Executor:   exec,
		Catalog:    cat,
		Gate:       gate,
		MaxRetries: cfg.MaxRetries,
		Dialect:    cfg.Dialect(),
	})
}
