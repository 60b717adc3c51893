package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/llm"
	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/memory"
)

func (w *Workflow) ground(ctx context.Context, st *State, emit Emitter) error {
	if err := status(ctx, emit, StepGround, "Mapping to schema…"); err != nil {
		return err
	}

	system := render(w.prompts.Ground, map[string]string{
		"SCHEMA": w.schema,
		"MEMORY": memorySection(st.Memory),
	})
	resp, err := llm.Call[Grounding](ctx, w.llm, system, st.Preprocessed, llm.WithCacheControl())
	st.Metrics.LLM += resp.Elapsed
	if err != nil {
		return err
	}

	st.GroundingParsed = resp.Result
	text, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format grounding: %w", err)
	}
	st.Grounding = string(text)
	st.TablesUsed = resp.Result.Tables
	st.MetricsUsed = resp.Result.Metrics

	w.logInfo("workflow: grounded", "tables", st.TablesUsed, "metrics", st.MetricsUsed)
	return nil
}

// memorySection renders session memory for the grounding prompt.
func memorySection(b *memory.Bundle) string {
	if b.Empty() {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\nSESSION MEMORY:\n")
	if b.Summary != "" {
		sb.WriteString("Summary:\n" + b.Summary + "\n")
	}
	if len(b.Context) > 0 {
		if data, err := json.Marshal(b.Context); err == nil {
			sb.WriteString("Context: " + string(data) + "\n")
		}
	}
	if b.LastSQLIntent != nil {
		if data, err := json.Marshal(b.LastSQLIntent); err == nil {
			sb.WriteString("Last SQL intent: " + string(data) + "\n")
		}
	}
	sb.WriteString("Resolve follow-up references (\"that\", \"same period\") against this memory.\n")
	return sb.String()
}
