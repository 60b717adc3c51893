package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/sqlpolicy"
	"github.com/spf13/cobra"
)

var errPolicyViolation = errors.New("SQL policy violation")

type ValidateCmd struct{}

func NewValidateCmd() *ValidateCmd {
	return &ValidateCmd{}
}

func (c *ValidateCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [sql]",
		Short: "Check SQL against the read-only policy",
		Long:  "Check SQL against the read-only policy. Reads the statement from stdin when no argument is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sql := strings.Join(args, " ")
			if len(args) == 0 {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
				sql = string(b)
			}

			out := cmd.OutOrStdout()
			res := sqlpolicy.Validate(sql)
			if !res.Valid {
				for _, e := range res.Errors {
					fmt.Fprintf(out, "✗ %s\n", e)
				}
				return errPolicyViolation
			}

			fmt.Fprintln(out, "✓ valid")
			if tables := sqlpolicy.ReferencedTables(sql); len(tables) > 0 {
				fmt.Fprintf(out, "tables: %s\n", strings.Join(tables, ", "))
			}
			return nil
		},
	}
	return cmd
}
