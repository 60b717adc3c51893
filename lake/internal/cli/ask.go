package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/workflow"
	"github.com/malbeclabs/pharma-lake/lake/api/config"
	"github.com/malbeclabs/pharma-lake/lake/pkg/logger"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

type AskCmd struct{}

func NewAskCmd() *AskCmd {
	return &AskCmd{}
}

func (c *AskCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question against the warehouse",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
			if err != nil {
				return fmt.Errorf("failed to get verbose flag: %w", err)
			}
			showSQL, err := cmd.Flags().GetBool("sql")
			if err != nil {
				return fmt.Errorf("failed to get sql flag: %w", err)
			}

			_ = godotenv.Load()
			log := logger.NewWithWriter(cmd.ErrOrStderr(), verbose || logger.Verbose())

			cfg, err := config.FromEnv()
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			exec, err := config.NewWarehouse(ctx, log, cfg, nil)
			if err != nil {
				return fmt.Errorf("failed to open warehouse: %w", err)
			}
			defer exec.Close()

			wf, err := config.NewWorkflow(log, cfg, config.NewLLM(log, cfg), exec)
			if err != nil {
				return err
			}

			question := strings.Join(args, " ")
			st, err := wf.Run(ctx, workflow.Request{Message: question}, newConsoleEmitter(cmd.OutOrStdout(), cmd.ErrOrStderr()))
			if err != nil {
				return fmt.Errorf("workflow failed: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout())
			printState(cmd.OutOrStdout(), st, showSQL)
			if !st.SafetyChecksPassed() {
				return fmt.Errorf("question not answered: %s", st.Outcome())
			}
			return nil
		},
	}
	cmd.Flags().Bool("sql", true, "print the executed SQL")
	return cmd
}

// newConsoleEmitter streams answer tokens to out and progress to status.
func newConsoleEmitter(out, status io.Writer) workflow.Emitter {
	return workflow.EmitterFunc(func(ctx context.Context, name string, payload any) error {
		switch ev := payload.(type) {
		case workflow.StatusEvent:
			fmt.Fprintf(status, "» %s\n", ev.Message)
		case workflow.RetryEvent:
			fmt.Fprintf(status, "↻ %s retry %d/%d: %s\n", ev.Type, ev.Attempt, ev.Max, ev.Reason)
		case workflow.TokenEvent:
			fmt.Fprint(out, ev.Text)
		}
		return ctx.Err()
	})
}

// printState renders query results, the chart suggestion and follow-ups
// after the streamed answer.
func printState(w io.Writer, st *workflow.State, showSQL bool) {
	if st.NeedsClarification {
		for _, q := range st.ClarificationQuestions {
			fmt.Fprintf(w, "? %s\n", q)
		}
		return
	}

	for _, t := range st.Tasks {
		fmt.Fprintf(w, "\n## %s\n", t.Title)
		if showSQL && t.SQL != "" {
			fmt.Fprintf(w, "%s\n", t.SQL)
		}
		if t.Error != "" {
			fmt.Fprintf(w, "error: %s\n", t.Error)
			continue
		}
		if t.Result == nil {
			continue
		}

		table := tablewriter.NewWriter(w)
		table.SetAutoWrapText(false)
		table.SetAutoFormatHeaders(false)
		table.SetHeader(t.Result.Columns)
		for _, row := range t.Result.Rows {
			cells := make([]string, len(row))
			for i, v := range row {
				cells[i] = formatCell(v)
			}
			table.Append(cells)
		}
		table.Render()
		if t.Result.Truncated {
			fmt.Fprintf(w, "(showing first %d rows)\n", t.Result.RowCount)
		}
	}

	if st.Chart != nil && st.Chart.Available {
		fmt.Fprintf(w, "\nchart: %s of %s by %s", st.Chart.ChartType, st.Chart.YColumn, st.Chart.XColumn)
		if st.Chart.Title != "" {
			fmt.Fprintf(w, " (%s)", st.Chart.Title)
		}
		fmt.Fprintln(w)
	}
	for _, f := range st.FollowUps {
		fmt.Fprintf(w, "→ %s\n", f)
	}
}

func formatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case float64:
		return fmt.Sprintf("%.2f", val)
	default:
		return fmt.Sprint(val)
	}
}
