package memory

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/llm"
)

//go:embed SUMMARY.md
var summaryPrompt string

const (
	summaryMessageLimit = 10
	summaryMessageChars = 300
	summaryMaxTokens    = 512

	DefaultUpdateConcurrency = 3
)

// Facts is what a finished run contributes to memory.
type Facts struct {
	// ResultFacts is serialized into the summary prompt.
	ResultFacts map[string]any
	// ContextPatch is shallow-merged into the session context.
	ContextPatch map[string]any
	// Intent replaces the last SQL intent when set.
	Intent *SQLIntent
}

type UpdaterConfig struct {
	Logger      *slog.Logger
	LLM         llm.Completer
	Store       Store
	Concurrency int
}

// Updater writes memory layers after a run.
type Updater struct {
	log   *slog.Logger
	llm   llm.Completer
	store Store
	pool  pond.Pool
}

func NewUpdater(cfg UpdaterConfig) (*Updater, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("LLM client is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultUpdateConcurrency
	}
	return &Updater{
		log:   cfg.Logger,
		llm:   cfg.LLM,
		store: cfg.Store,
		pool:  pond.NewPool(cfg.Concurrency),
	}, nil
}

// Close waits for in-flight updates and stops the pool.
func (u *Updater) Close() {
	u.pool.StopAndWait()
}

// Update refreshes the summary, merges the context patch and stores the SQL
// intent concurrently. The first failure cancels the remaining writers and is
// returned after all of them finish.
func (u *Updater) Update(ctx context.Context, user string, session uuid.UUID, facts Facts) error {
	group := u.pool.NewGroupContext(ctx)
	// Cancelled as soon as any writer fails.
	gctx := group.Context()

	group.SubmitErr(func() error {
		return u.updateSummary(gctx, user, session, facts.ResultFacts)
	})
	if len(facts.ContextPatch) > 0 {
		group.SubmitErr(func() error {
			merged, err := u.store.MergeContext(gctx, user, session, facts.ContextPatch)
			if err != nil {
				return fmt.Errorf("failed to merge context: %w", err)
			}
			u.log.Debug("memory: context updated", "session", session, "keys", len(merged))
			return nil
		})
	}
	if facts.Intent != nil {
		group.SubmitErr(func() error {
			if err := u.store.SetLastSQLIntent(gctx, user, session, facts.Intent); err != nil {
				return fmt.Errorf("failed to store last SQL intent: %w", err)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return fmt.Errorf("memory update failed: %w", err)
	}
	return nil
}

func (u *Updater) updateSummary(ctx context.Context, user string, session uuid.UUID, resultFacts map[string]any) error {
	bundle, err := u.store.Bundle(ctx, user, session)
	if err != nil {
		return fmt.Errorf("failed to load memory: %w", err)
	}
	msgs, err := u.store.RecentMessages(ctx, user, session, summaryMessageLimit)
	if err != nil {
		return fmt.Errorf("failed to load recent messages: %w", err)
	}

	summary, err := u.llm.Complete(ctx, strings.TrimSpace(summaryPrompt), SummaryInput(bundle.Summary, msgs, resultFacts), llm.WithMaxTokens(summaryMaxTokens))
	if err != nil {
		return fmt.Errorf("failed to summarise session: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil
	}
	if err := u.store.SetSummary(ctx, user, session, summary); err != nil {
		return fmt.Errorf("failed to store summary: %w", err)
	}
	u.log.Debug("memory: summary updated", "session", session, "chars", len(summary))
	return nil
}

// SummaryInput builds the user prompt for the rolling summary.
func SummaryInput(prev string, msgs []Message, resultFacts map[string]any) string {
	if prev == "" {
		prev = "(none)"
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, strings.ToUpper(m.Role)+": "+Truncate(m.Content, summaryMessageChars))
	}
	var facts string
	if len(resultFacts) > 0 {
		if b, err := json.Marshal(resultFacts); err == nil {
			facts = "\nResult facts: " + string(b)
		}
	}
	return fmt.Sprintf("Previous summary:\n%s\n\nRecent messages:\n%s\n%s", prev, strings.Join(lines, "\n"), facts)
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
