package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/threatlink/internal/models"
	"github.com/telhawk-systems/threatlink/internal/output"
)

func newCampaignsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "campaigns",
		Aliases: []string{"campaign"},
		Short:   "Inspect and manage campaigns",
	}
	cmd.AddCommand(newCampaignsListCmd(g), newCampaignsShowCmd(g), newCampaignsDetectCmd(g), newCampaignsCloseCmd(g))
	return cmd
}

func campaignTable(cs []models.Campaign) func() *output.Table {
	return func() *output.Table {
		t := output.NewTable("ID", "NAME", "STATUS", "SEVERITY", "CONFIDENCE", "ALERTS", "UPDATED")
		for _, c := range cs {
			t.AddRow(c.ID, c.Name, string(c.Status), string(c.Severity),
				fmt.Sprintf("%.2f", c.ConfidenceScore), fmt.Sprint(len(c.Members)),
				c.UpdatedAt.Format("2006-01-02 15:04"))
		}
		return t
	}
}

func newCampaignsListCmd(g *globals) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List campaigns",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := g.printer(cmd)
			if err != nil {
				return err
			}
			cs, err := g.client().ListCampaigns(cmd.Context(), models.CampaignStatus(status), limit)
			if err != nil {
				return fmt.Errorf("failed to list campaigns: %w", err)
			}
			if len(cs) == 0 && !p.Structured() {
				p.Info("No campaigns found")
				return nil
			}
			return p.Value(cs, campaignTable(cs))
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status: emerging, active, dormant, closed")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum campaigns to list")
	return cmd
}

func newCampaignsShowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show <campaign-id>",
		Short: "Show a campaign and its timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.printer(cmd)
			if err != nil {
				return err
			}
			c, err := g.client().GetCampaign(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get campaign: %w", err)
			}
			return p.Value(c, func() *output.Table {
				t := output.NewTable("FIELD", "VALUE")
				t.AddRow("ID", c.ID)
				t.AddRow("Name", c.Name)
				t.AddRow("Status", string(c.Status))
				t.AddRow("Severity", string(c.Severity))
				t.AddRow("Confidence", fmt.Sprintf("%.2f", c.ConfidenceScore))
				t.AddRow("Alerts", strings.Join(c.Members, ", "))
				for _, ev := range c.Timeline {
					t.AddRow(ev.Timestamp.Format("2006-01-02 15:04"), ev.EventType+": "+ev.Description)
				}
				return t
			})
		},
	}
}

func newCampaignsDetectCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Run campaign detection now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := g.printer(cmd)
			if err != nil {
				return err
			}
			res, err := g.client().DetectCampaigns(cmd.Context())
			if err != nil {
				return fmt.Errorf("detection failed: %w", err)
			}
			if p.Structured() {
				return p.Value(res, nil)
			}
			p.Success("%d new, %d updated", len(res.NewCampaigns), len(res.UpdatedCampaigns))
			all := append(append([]models.Campaign{}, res.NewCampaigns...), res.UpdatedCampaigns...)
			if len(all) == 0 {
				return nil
			}
			return p.Value(all, campaignTable(all))
		},
	}
}

func newCampaignsCloseCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "close <campaign-id>",
		Short: "Close a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.printer(cmd)
			if err != nil {
				return err
			}
			c, err := g.client().CloseCampaign(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to close campaign: %w", err)
			}
			if p.Structured() {
				return p.Value(c, nil)
			}
			p.Success("Campaign %s closed", c.ID)
			return nil
		},
	}
}
