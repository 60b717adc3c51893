package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/llm"
)

const (
	historyTurns     = 5
	historyTurnChars = 200
)

type sqlResponse struct {
	SQL string `json:"sql,omitempty"`
}

func (w *Workflow) generate(ctx context.Context, st *State, emit Emitter) error {
	if err := status(ctx, emit, StepGenerate, "Generating SQL…"); err != nil {
		return err
	}

	system := render(w.prompts.Generate, map[string]string{
		"DIALECT":   w.cfg.Dialect,
		"SCHEMA":    w.schema,
		"GROUNDING": st.Grounding,
		"POLICY":    w.policy,
		"HISTORY":   historySection(st.History),
	})

	for _, task := range st.Tasks {
		user := fmt.Sprintf("Task: %s\nUser question: %s", task.Title, st.Preprocessed)
		resp, err := llm.Call[sqlResponse](ctx, w.llm, system, user, llm.WithCacheControl())
		st.Metrics.LLM += resp.Elapsed
		if err != nil {
			return fmt.Errorf("task %q: %w", task.Title, err)
		}
		task.SQL = strings.TrimSpace(resp.Result.SQL)
		task.OriginalSQL = task.SQL
		w.logInfo("workflow: generated SQL", "task", task.Title, "sql", truncate(task.SQL, 100))
	}
	return nil
}

// historySection renders the last few turns for the generation prompt.
func historySection(history []Message) string {
	if len(history) == 0 {
		return ""
	}
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	lines := make([]string, 0, len(history))
	for _, m := range history {
		lines = append(lines, strings.ToUpper(m.Role)+": "+truncate(m.Content, historyTurnChars))
	}
	return "\nRecent conversation:\n" + strings.Join(lines, "\n") + "\n"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
