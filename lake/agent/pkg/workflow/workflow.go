// Package workflow turns a natural-language question about pharmaceutical
// sales into policy-checked SQL, runs it, and streams back an answer. A run
// is a fixed sequence of stages; every stage reports progress through an
// Emitter before doing its work.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/catalog"
	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/llm"
	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/scope"
	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/sqlpolicy"
	"github.com/malbeclabs/pharma-lake/lake/pkg/warehouse"
)

const (
	DefaultMaxRetries = 2
	DefaultDialect    = "PostgreSQL"

	rejectionPrefix    = "I can only help with pharmaceutical sales data questions. "
	clarificationIntro = "I'd like to help! Could you provide more details?\n"
)

// Executor runs a single read-only query.
type Executor interface {
	Execute(ctx context.Context, sql string) (*warehouse.QueryResult, error)
	ErrorPolicy() warehouse.ErrorPolicy
}

type Config struct {
	Logger   *slog.Logger
	LLM      llm.Completer
	Executor Executor
	Catalog  *catalog.Catalog
	Gate     *scope.Gate
	Prompts  *Prompts
	Clock    clockwork.Clock

	// MaxRetries bounds fix attempts per task in each repair loop. Zero
	// means DefaultMaxRetries; a negative value disables repair.
	MaxRetries int
	// Dialect names the warehouse SQL dialect in generation prompts.
	Dialect string
}

// Workflow is safe for concurrent runs; all per-run data lives in State.
type Workflow struct {
	cfg     *Config
	log     *slog.Logger
	llm     *llm.Structured
	clock   clockwork.Clock
	prompts *Prompts
	gate    *scope.Gate
	schema  string
	policy  string
}

func New(cfg *Config) (*Workflow, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("LLM client is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Dialect == "" {
		cfg.Dialect = DefaultDialect
	}

	structured := &llm.Structured{LLM: cfg.LLM, Clock: cfg.Clock, Logger: cfg.Logger}

	if cfg.Prompts == nil {
		p, err := LoadPrompts()
		if err != nil {
			return nil, err
		}
		cfg.Prompts = p
	}
	if cfg.Gate == nil {
		g, err := scope.New(scope.Config{Logger: cfg.Logger, LLM: structured, Entities: cfg.Catalog.KnownEntities})
		if err != nil {
			return nil, fmt.Errorf("failed to create scope gate: %w", err)
		}
		cfg.Gate = g
	}

	return &Workflow{
		cfg:     cfg,
		log:     cfg.Logger,
		llm:     structured,
		clock:   cfg.Clock,
		prompts: cfg.Prompts,
		gate:    cfg.Gate,
		schema:  cfg.Catalog.Summary(),
		policy:  sqlpolicy.AllowlistSummary(),
	}, nil
}

// MaxRetries is the effective per-loop repair budget.
func (w *Workflow) MaxRetries() int {
	return w.cfg.MaxRetries
}

// Run executes every stage for req. Scope rejections and clarification
// requests are successful runs with a terminal flag set. Policy and database
// errors are recorded on tasks. Malformed LLM output, LLM transport failures
// and emitter errors abort the run.
func (w *Workflow) Run(ctx context.Context, req Request, emit Emitter) (*State, error) {
	if emit == nil {
		emit = Discard
	}
	st := &State{
		Message:   req.Message,
		History:   req.History,
		Memory:    req.Memory,
		StartedAt: w.clock.Now(),
	}

	if err := w.preprocess(ctx, st, emit); err != nil {
		return st, err
	}
	if err := w.checkScope(ctx, st, emit); err != nil {
		return st, err
	}
	if st.Terminal() {
		return st, w.respondEarly(ctx, st, emit)
	}

	for _, stage := range []struct {
		name string
		run  func(context.Context, *State, Emitter) error
	}{
		{StepGround, w.ground},
		{StepPlan, w.plan},
		{StepGenerate, w.generate},
		{StepValidate, w.validate},
		{StepRepair, w.repairInvalid},
		{StepExecute, w.execute},
		{StepVisualize, w.visualize},
		{StepSynthesize, w.synthesize},
	} {
		if err := stage.run(ctx, st, emit); err != nil {
			return st, fmt.Errorf("%s: %w", stage.name, err)
		}
	}

	w.logInfo("workflow: run complete",
		"mode", st.Mode,
		"tasks", len(st.Tasks),
		"retries", st.Metrics.RetriesUsed,
		"rows", st.Metrics.RowsReturned,
		"llm", st.Metrics.LLM,
		"db", st.Metrics.DB,
		"duration", w.clock.Since(st.StartedAt))
	return st, nil
}

// Elapsed is the wall time since the run started.
func (w *Workflow) Elapsed(st *State) time.Duration {
	return w.clock.Since(st.StartedAt)
}

func (w *Workflow) preprocess(ctx context.Context, st *State, emit Emitter) error {
	if err := status(ctx, emit, StepPreprocess, "Preprocessing your question…"); err != nil {
		return err
	}
	st.Preprocessed = strings.TrimSpace(st.Message)
	st.Mode = scope.DetectMode(st.Preprocessed)
	w.logInfo("workflow: preprocessed", "mode", st.Mode)
	return nil
}

func (w *Workflow) checkScope(ctx context.Context, st *State, emit Emitter) error {
	d, ok := w.gate.Rules(st.Preprocessed, st.Mode)
	if !ok {
		if err := status(ctx, emit, StepScope, scope.AmbiguousStatus); err != nil {
			return err
		}
		var err error
		if d, err = w.gate.Fallback(ctx, st.Preprocessed); err != nil {
			return fmt.Errorf("%s: %w", StepScope, err)
		}
		st.Metrics.LLM += d.LLMTime
	}

	st.Scope = d
	switch d.Outcome {
	case scope.Blocked:
		st.Blocked = true
		st.Rejected = true
		st.RejectReason = d.Reason
	case scope.RejectedLLM:
		st.Rejected = true
		st.RejectReason = d.Reason
	case scope.NeedsClarification:
		st.NeedsClarification = true
		st.ClarificationQuestions = d.Questions
	}
	w.logInfo("workflow: scope checked", "outcome", d.Outcome, "cached", d.Cached)
	return status(ctx, emit, StepScope, d.Status)
}

// respondEarly streams the fixed rejection or clarification text.
func (w *Workflow) respondEarly(ctx context.Context, st *State, emit Emitter) error {
	msg := "Responding…"
	text := rejectionPrefix + st.RejectReason
	if st.NeedsClarification && !st.Rejected {
		msg = "Asking for clarification…"
		lines := make([]string, 0, len(st.ClarificationQuestions))
		for _, q := range st.ClarificationQuestions {
			lines = append(lines, "• "+q)
		}
		text = clarificationIntro + strings.Join(lines, "\n")
	}

	if err := status(ctx, emit, StepSynthesize, msg); err != nil {
		return err
	}
	st.Answer = text
	return w.streamAnswer(ctx, st, emit, text)
}

// streamAnswer emits text one word at a time. Every word but the last keeps
// its trailing space so the concatenated tokens equal text.
func (w *Workflow) streamAnswer(ctx context.Context, st *State, emit Emitter, text string) error {
	words := strings.Split(text, " ")
	for i, word := range words {
		if i < len(words)-1 {
			word += " "
		}
		if err := emit.Emit(ctx, EventToken, TokenEvent{Text: word}); err != nil {
			return err
		}
		st.Metrics.TokensStreamed++
	}
	return nil
}

func status(ctx context.Context, emit Emitter, step, message string) error {
	return emit.Emit(ctx, EventStatus, StatusEvent{Step: step, Message: message})
}

func (w *Workflow) logInfo(msg string, args ...any) {
	if w.log != nil {
		w.log.Info(msg, args...)
	}
}
