package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/threatlink/internal/output"
)

func newAnalyzeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <alert-key>...",
		Short: "Correlate specific alerts",
		Long: `Scores every pair among the given alert keys (source:id) and stores the
edges that clear the minimum score.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.printer(cmd)
			if err != nil {
				return err
			}
			res, err := g.client().Analyze(cmd.Context(), args)
			if err != nil {
				return fmt.Errorf("analysis failed: %w", err)
			}
			return p.Value(res, func() *output.Table {
				t := output.NewTable("RUN", "CORRELATIONS", "AVG SCORE")
				t.AddRow(res.RunID, fmt.Sprint(res.CorrelationsFound), fmt.Sprintf("%.3f", res.AverageScore))
				return t
			})
		},
	}
}
