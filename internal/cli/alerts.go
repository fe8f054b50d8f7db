package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/threatlink/internal/models"
)

func newAlertsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Manage analyst status of alerts",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status <alert-key> <new|in_progress|resolved|closed>",
		Short: "Change the status of an alert",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.printer(cmd)
			if err != nil {
				return err
			}
			status := models.AlertStatus(args[1])
			if !status.Valid() {
				return fmt.Errorf("unknown status %q", args[1])
			}
			a, err := g.client().UpdateAlertStatus(cmd.Context(), args[0], status)
			if err != nil {
				return fmt.Errorf("failed to update alert: %w", err)
			}
			if p.Structured() {
				return p.Value(a, nil)
			}
			p.Success("Alert %s is now %s", a.Key(), a.Status)
			return nil
		},
	})
	return cmd
}
