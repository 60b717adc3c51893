package workflow

import (
	"context"
)

func (w *Workflow) execute(ctx context.Context, st *State, emit Emitter) error {
	if err := status(ctx, emit, StepExecute, "Running queries…"); err != nil {
		return err
	}

	r := &repairer{w: w, st: st, emit: emit, src: w.databaseSource()}
	for _, task := range st.Tasks {
		if !task.Valid {
			if task.Error == "" {
				task.Error = "SQL validation failed"
			}
			continue
		}

		err := r.run(ctx, task, func(ctx context.Context) error {
			res, err := w.cfg.Executor.Execute(ctx, task.SQL)
			if err != nil {
				if w.log != nil {
					w.log.Warn("workflow: query failed", "task", task.Title, "error", err)
				}
				return err
			}
			task.Result = res
			st.Metrics.DB += res.Elapsed
			st.Metrics.RowsReturned += res.RowCount
			return nil
		})
		if err != nil {
			return err
		}
	}

	artifact := SQLArtifact{Tasks: make([]SQLArtifactTask, 0, len(st.Tasks))}
	for _, task := range st.Tasks {
		artifact.Tasks = append(artifact.Tasks, SQLArtifactTask{
			Title:       task.Title,
			SQL:         task.SQL,
			OriginalSQL: task.OriginalSQL,
			Error:       task.Error,
		})
	}
	if err := emit.Emit(ctx, EventArtifactSQL, artifact); err != nil {
		return err
	}

	for _, task := range st.Tasks {
		if task.Result == nil {
			continue
		}
		if err := emit.Emit(ctx, EventArtifactTable, TableArtifact{
			TaskTitle: task.Title,
			Columns:   task.Result.Columns,
			Rows:      task.Result.Rows,
			RowCount:  task.Result.RowCount,
			Truncated: task.Result.Truncated,
		}); err != nil {
			return err
		}
	}
	return nil
}
