package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/llm"
)

const chartSampleRows = 5

var chartTypes = map[string]bool{"bar": true, "line": true, "pie": true, "table": true}

type chartResponse struct {
	ChartType string `json:"chart_type,omitempty"`
	XColumn   string `json:"x_column,omitempty"`
	YColumn   string `json:"y_column,omitempty"`
	Title     string `json:"title,omitempty"`
	Available *bool  `json:"available,omitempty"`
}

func (w *Workflow) visualize(ctx context.Context, st *State, emit Emitter) error {
	if err := status(ctx, emit, StepVisualize, "Building visualisation…"); err != nil {
		return err
	}

	var task *Task
	for _, t := range st.Tasks {
		if t.Result != nil && t.Result.RowCount > 0 {
			task = t
			break
		}
	}
	if task == nil {
		st.Chart = nil
		return emit.Emit(ctx, EventArtifactChart, ChartSpec{Available: false})
	}

	rows := task.Result.Rows
	if len(rows) > chartSampleRows {
		rows = rows[:chartSampleRows]
	}
	preview, err := json.Marshal(struct {
		Columns    []string `json:"columns"`
		SampleRows [][]any  `json:"sample_rows"`
	}{task.Result.Columns, rows})
	if err != nil {
		return fmt.Errorf("failed to encode preview: %w", err)
	}

	user := fmt.Sprintf("Question: %s\nData:\n%s", st.Preprocessed, preview)
	resp, err := llm.Call[chartResponse](ctx, w.llm, w.prompts.Visualize, user)
	st.Metrics.LLM += resp.Elapsed
	if err != nil {
		return err
	}

	spec := ChartSpec{
		Available: resp.Result.Available == nil || *resp.Result.Available,
		ChartType: resp.Result.ChartType,
		XColumn:   resp.Result.XColumn,
		YColumn:   resp.Result.YColumn,
		Title:     resp.Result.Title,
	}
	if spec.Available && !chartTypes[spec.ChartType] {
		spec.ChartType = "table"
	}
	st.Chart = &spec
	return emit.Emit(ctx, EventArtifactChart, spec)
}
