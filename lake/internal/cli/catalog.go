package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/catalog"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

type CatalogCmd struct{}

func NewCatalogCmd() *CatalogCmd {
	return &CatalogCmd{}
}

func (c *CatalogCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Show the semantic catalog the agent grounds questions on",
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := cmd.Flags().GetBool("summary")
			if err != nil {
				return fmt.Errorf("failed to get summary flag: %w", err)
			}

			cat, err := catalog.Default()
			if err != nil {
				return fmt.Errorf("failed to load catalog: %w", err)
			}

			out := cmd.OutOrStdout()
			if summary {
				fmt.Fprintln(out, cat.Summary())
				return nil
			}

			table := tablewriter.NewWriter(out)
			table.SetAutoWrapText(false)
			table.SetAutoFormatHeaders(false)
			table.SetHeader([]string{"Table", "Columns", "Description"})
			for _, t := range cat.Tables {
				cols := make([]string, 0, len(t.Columns))
				for _, col := range t.Columns {
					cols = append(cols, col.Name)
				}
				table.Append([]string{t.Name, strings.Join(cols, ", "), t.Description})
			}
			table.Render()

			if len(cat.Metrics) > 0 {
				names := make([]string, 0, len(cat.Metrics))
				for name := range cat.Metrics {
					names = append(names, name)
				}
				sort.Strings(names)

				metrics := tablewriter.NewWriter(out)
				metrics.SetAutoWrapText(false)
				metrics.SetAutoFormatHeaders(false)
				metrics.SetHeader([]string{"Metric", "Definition"})
				for _, name := range names {
					metrics.Append([]string{name, cat.Metrics[name]})
				}
				metrics.Render()
			}
			return nil
		},
	}
	cmd.Flags().Bool("summary", false, "print the catalog text used in prompts")
	return cmd
}
