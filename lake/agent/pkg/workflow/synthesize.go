package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/llm"
)

const (
	digestRows    = 10
	defaultAnswer = "I was unable to generate a summary."
	noDataDigest  = "No data was returned."
)

type synthesisResponse struct {
	Answer      string   `json:"answer,omitempty"`
	Assumptions []string `json:"assumptions,omitempty"`
	FollowUps   []string `json:"follow_ups,omitempty"`
}

func (w *Workflow) synthesize(ctx context.Context, st *State, emit Emitter) error {
	if err := status(ctx, emit, StepSynthesize, "Writing answer…"); err != nil {
		return err
	}

	user := fmt.Sprintf("User question: %s\n\nQuery results:\n%s", st.Preprocessed, digest(st.Tasks))
	resp, err := llm.Call[synthesisResponse](ctx, w.llm, w.prompts.Synthesize, user)
	st.Metrics.LLM += resp.Elapsed
	if err != nil {
		return err
	}

	answer := resp.Result.Answer
	if answer == "" {
		answer = defaultAnswer
	}
	st.Assumptions = nonNil(resp.Result.Assumptions)
	st.FollowUps = nonNil(resp.Result.FollowUps)

	if err := emit.Emit(ctx, EventAnswerMeta, AnswerMeta{Assumptions: st.Assumptions, FollowUps: st.FollowUps}); err != nil {
		return err
	}
	st.Answer = answer
	return w.streamAnswer(ctx, st, emit, answer)
}

// digest summarizes task outcomes for the synthesis prompt.
func digest(tasks []*Task) string {
	var parts []string
	for _, t := range tasks {
		switch {
		case t.Result != nil && t.Result.RowCount > 0:
			rows := t.Result.Rows
			if len(rows) > digestRows {
				rows = rows[:digestRows]
			}
			lines := make([]string, 0, len(rows))
			for _, row := range rows {
				data, err := json.Marshal(row)
				if err != nil {
					data = []byte(fmt.Sprint(row))
				}
				lines = append(lines, string(data))
			}
			parts = append(parts, fmt.Sprintf("Task: %s\nColumns: %s\nRows (%d total):\n%s",
				t.Title, strings.Join(t.Result.Columns, ", "), t.Result.RowCount, strings.Join(lines, "\n")))
		case t.Error != "":
			parts = append(parts, fmt.Sprintf("Task: %s\nError: %s", t.Title, t.Error))
		}
	}
	if len(parts) == 0 {
		return noDataDigest
	}
	return strings.Join(parts, "\n\n")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
