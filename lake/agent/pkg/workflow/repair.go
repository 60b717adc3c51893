package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/llm"
)

// repairSource parameterizes the shared repair loop for one kind of failure.
type repairSource struct {
	// name is the retry event type.
	name string
	// status is a format taking the attempt and the budget.
	status string
	prompt string
	// user is a format taking the task title.
	user string
	// repairable reports whether a failure is worth a fix attempt.
	repairable func(err error) bool
	// stopOnInvalidFix ends the loop when a fix fails the SQL policy.
	stopOnInvalidFix bool
}

func (w *Workflow) validatorSource() repairSource {
	return repairSource{
		name:       "validator",
		status:     "SQL failed validation → repair (%d/%d)",
		prompt:     w.prompts.RepairValidation,
		user:       "Fix this SQL for: %s",
		repairable: func(error) bool { return true },
	}
}

func (w *Workflow) databaseSource() repairSource {
	policy := w.cfg.Executor.ErrorPolicy()
	return repairSource{
		name:             "db",
		status:           "Query error → repair (%d/%d)",
		prompt:           w.prompts.RepairDatabase,
		user:             "Fix SQL for: %s",
		repairable:       policy.Repairable,
		stopOnInvalidFix: true,
	}
}

// repairer drives the bounded try/fix loop shared by validation and
// execution failures.
type repairer struct {
	w    *Workflow
	st   *State
	emit Emitter
	src  repairSource
}

// errFixRejected marks a fix that failed the SQL policy when the source
// stops on such fixes.
var errFixRejected = errors.New("repaired SQL failed validation")

// run calls try until it succeeds, the failure is not repairable, or the
// fix budget is spent. Failures from try are recorded on the task and are
// not returned; only LLM, emitter and context errors are.
func (r *repairer) run(ctx context.Context, task *Task, try func(context.Context) error) error {
	budget := r.w.cfg.MaxRetries
	for attempt := 0; ; attempt++ {
		err := try(ctx)
		if err == nil {
			task.Error = ""
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		task.Error = err.Error()
		if attempt >= budget || !r.src.repairable(err) {
			return nil
		}

		if err := r.fix(ctx, task, attempt+1, budget); err != nil {
			if errors.Is(err, errFixRejected) {
				return nil
			}
			return err
		}
	}
}

// fix asks the LLM for corrected SQL and re-checks it against the policy.
func (r *repairer) fix(ctx context.Context, task *Task, attempt, budget int) error {
	w, st := r.w, r.st
	reason := w.cfg.Executor.ErrorPolicy().Label(task.Error)
	st.Metrics.RetriesUsed++
	task.Retries++

	if err := status(ctx, r.emit, StepRepair, fmt.Sprintf(r.src.status, attempt, budget)); err != nil {
		return err
	}
	if err := r.emit.Emit(ctx, EventRetry, RetryEvent{Type: r.src.name, Attempt: attempt, Max: budget, Reason: reason}); err != nil {
		return err
	}

	system := render(r.src.prompt, map[string]string{
		"DIALECT": w.cfg.Dialect,
		"SCHEMA":  w.schema,
		"POLICY":  w.policy,
		"ERROR":   task.Error,
		"SQL":     task.SQL,
	})
	resp, err := llm.Call[sqlResponse](ctx, w.llm, system, fmt.Sprintf(r.src.user, task.Title))
	st.Metrics.LLM += resp.Elapsed
	if err != nil {
		return fmt.Errorf("task %q repair: %w", task.Title, err)
	}
	if sql := strings.TrimSpace(resp.Result.SQL); sql != "" {
		task.SQL = sql
	}

	if err := checkPolicy(task); err != nil {
		w.logInfo("workflow: repair attempt failed", "source", r.src.name, "task", task.Title, "attempt", attempt, "error", task.Error)
		if r.src.stopOnInvalidFix {
			return errFixRejected
		}
		return nil
	}
	w.logInfo("workflow: repaired SQL", "source", r.src.name, "task", task.Title, "attempt", attempt)
	return nil
}

// repairInvalid runs the validator-driven loop for every task that failed
// the SQL policy.
func (w *Workflow) repairInvalid(ctx context.Context, st *State, emit Emitter) error {
	r := &repairer{w: w, st: st, emit: emit, src: w.validatorSource()}
	for _, task := range st.Tasks {
		if task.Valid {
			continue
		}
		if err := r.run(ctx, task, func(context.Context) error { return checkPolicy(task) }); err != nil {
			return err
		}
	}
	return nil
}
