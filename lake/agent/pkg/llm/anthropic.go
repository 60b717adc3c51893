package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultModel     = anthropic.ModelClaudeHaiku4_5_20251001
	DefaultMaxTokens = 2048
	DefaultMaxTries  = 4

	// Returned by the API when it is temporarily over capacity.
	statusOverloaded = 529
)

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	Logger    *slog.Logger
	APIKey    string // Falls back to ANTHROPIC_API_KEY when empty
	Model     anthropic.Model
	MaxTokens int64
	MaxTries  uint // Attempts per call for transient failures
}

// AnthropicClient implements Completer using the Anthropic Messages API.
type AnthropicClient struct {
	log       *slog.Logger
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	maxTries  uint
}

// NewAnthropicClient creates a new Anthropic-based LLM client.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = DefaultMaxTries
	}

	// Retries are handled here so that every attempt is logged.
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}

	return &AnthropicClient{
		log:       cfg.Logger,
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		maxTries:  cfg.MaxTries,
	}
}

// Complete sends a prompt to Claude and returns the response text.
func (c *AnthropicClient) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error) {
	o := ApplyOptions(opts)

	maxTokens := c.maxTokens
	if o.MaxTokens > 0 {
		maxTokens = o.MaxTokens
	}

	system := anthropic.TextBlockParam{Text: systemPrompt}
	if o.CacheSystemPrompt {
		system.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{system},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}

	start := time.Now()
	c.log.Debug("Anthropic API call starting", "model", c.model, "maxTokens", maxTokens, "userPromptLen", len(userPrompt), "cached", o.CacheSystemPrompt)

	attempt := 0
	msg, err := backoff.Retry(ctx, func() (*anthropic.Message, error) {
		attempt++
		msg, err := c.client.Messages.New(ctx, params)
		if err == nil {
			return msg, nil
		}
		if !isTransient(err) {
			return nil, backoff.Permanent(err)
		}
		c.log.Warn("Anthropic API call failed, retrying", "attempt", attempt, "error", err)
		return nil, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(c.maxTries))

	duration := time.Since(start)
	if err != nil {
		c.log.Error("Anthropic API call failed", "duration", duration, "attempts", attempt, "error", err)
		return "", fmt.Errorf("anthropic API error: %w", err)
	}
	c.log.Debug("Anthropic API call completed", "duration", duration, "stopReason", msg.StopReason,
		"inputTokens", msg.Usage.InputTokens, "outputTokens", msg.Usage.OutputTokens)

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}

	return "", fmt.Errorf("no text content in response")
}

// isTransient reports whether a failed API call is worth retrying.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == statusOverloaded,
			apiErr.StatusCode >= http.StatusInternalServerError:
			return true
		default:
			return false
		}
	}
	// Transport-level failures carry no status code.
	return true
}
