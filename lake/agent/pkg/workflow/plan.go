package workflow

import (
	"context"
	"fmt"

	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/llm"
	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/scope"
)

const maxInsightTasks = 4

type planResponse struct {
	Tasks []struct {
		Title       string `json:"title,omitempty"`
		Description string `json:"description,omitempty"`
	} `json:"tasks,omitempty"`
}

func (w *Workflow) plan(ctx context.Context, st *State, emit Emitter) error {
	if err := status(ctx, emit, StepPlan, "Planning analysis…"); err != nil {
		return err
	}

	count := "1"
	if st.Mode == scope.ModeInsights {
		count = "3-4"
	}
	system := render(w.prompts.Plan, map[string]string{
		"TASK_COUNT": count,
		"SCHEMA":     w.schema,
		"GROUNDING":  st.Grounding,
	})
	resp, err := llm.Call[planResponse](ctx, w.llm, system, st.Preprocessed, llm.WithCacheControl())
	st.Metrics.LLM += resp.Elapsed
	if err != nil {
		return err
	}

	st.Tasks = st.Tasks[:0]
	for i, t := range resp.Result.Tasks {
		if st.Mode == scope.ModeInsights && i == maxInsightTasks {
			break
		}
		title := t.Title
		if title == "" {
			title = fmt.Sprintf("Task %d", i+1)
		}
		st.Tasks = append(st.Tasks, &Task{Title: title, Description: t.Description})
	}
	if len(st.Tasks) == 0 {
		st.Tasks = []*Task{{Title: "Main query", Description: st.Preprocessed}}
	}

	w.logInfo("workflow: planned", "tasks", len(st.Tasks))
	return nil
}
