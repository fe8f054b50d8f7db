package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/threatlink/internal/output"
)

func newConnectorsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connectors",
		Aliases: []string{"connector"},
		Short:   "Inspect and sync SIEM connectors",
	}
	cmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show connector state and last sync",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := g.printer(cmd)
			if err != nil {
				return err
			}
			sts, err := g.client().Connectors(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list connectors: %w", err)
			}
			if len(sts) == 0 && !p.Structured() {
				p.Info("No connectors configured")
				return nil
			}
			return p.Value(sts, func() *output.Table {
				t := output.NewTable("NAME", "TYPE", "STATE", "LAST SYNC", "ALERTS", "LAST ERROR")
				for _, s := range sts {
					last := "-"
					if !s.LastSync.IsZero() {
						last = s.LastSync.Format(time.RFC3339)
					}
					t.AddRow(s.Name, string(s.Type), string(s.State), last, fmt.Sprint(s.Alerts), s.LastError)
				}
				return t
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "sync <name>",
		Short: "Run a sync cycle now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.printer(cmd)
			if err != nil {
				return err
			}
			n, err := g.client().SyncConnector(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			if p.Structured() {
				return p.Value(map[string]any{"connector": args[0], "alerts": n}, nil)
			}
			p.Success("%s: %d alerts ingested", args[0], n)
			return nil
		},
	})
	return cmd
}
