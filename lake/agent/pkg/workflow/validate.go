package workflow

import (
	"context"

	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/sqlpolicy"
)

func (w *Workflow) validate(ctx context.Context, st *State, emit Emitter) error {
	if err := status(ctx, emit, StepValidate, "Validating SQL…"); err != nil {
		return err
	}
	for _, task := range st.Tasks {
		if err := checkPolicy(task); err != nil && w.log != nil {
			w.log.Warn("workflow: validation failed", "task", task.Title, "error", task.Error)
		}
	}
	return nil
}

// checkPolicy validates the task's current SQL and records the outcome on
// the task.
func checkPolicy(task *Task) error {
	v := sqlpolicy.Validate(task.SQL)
	task.Valid = v.Valid
	if v.Valid {
		task.Error = ""
		return nil
	}
	task.Error = v.Error()
	return v
}
