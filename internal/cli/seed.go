package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/threatlink/common/logging"
	"github.com/telhawk-systems/threatlink/internal/config"
	"github.com/telhawk-systems/threatlink/internal/events"
	"github.com/telhawk-systems/threatlink/internal/models"
	"github.com/telhawk-systems/threatlink/internal/output"
	"github.com/telhawk-systems/threatlink/internal/seeder"
)

func newSeedCmd(g *globals) *cobra.Command {
	var (
		cfg       = seeder.DefaultConfig()
		batchSize int
		direct    bool
		wf        = &webhookFlags{}
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Generate synthetic alerts with embedded campaigns",
		Long: `Generates background alerts plus clusters of alerts that share C2
infrastructure and techniques, then delivers them to a webhook (--url) or
straight into the configured repository (--direct).

Direct mode also runs correlation and campaign detection over the seeded
alerts.`,
		Example: `  threatlink seed --url http://localhost:8090/webhooks/generic --count 500
  threatlink seed --direct --campaigns 5 --campaign-size 6`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := g.printer(cmd)
			if err != nil {
				return err
			}
			if direct == (wf.url != "") {
				return fmt.Errorf("exactly one of --url or --direct is required")
			}
			runner := seeder.NewRunner(seeder.NewGenerator(cfg), batchSize, nil)

			var sum seeder.Summary
			if direct {
				sum, err = seedDirect(cmd.Context(), g, runner, p)
			} else {
				sum, err = seedWebhook(cmd.Context(), g, runner, wf)
			}
			if err != nil {
				return err
			}
			return p.Value(sum, func() *output.Table {
				t := output.NewTable("GENERATED", "INGESTED", "FAILED", "BATCHES")
				t.AddRow(fmt.Sprint(sum.Generated), fmt.Sprint(sum.Ingested), fmt.Sprint(sum.Failed), fmt.Sprint(sum.Batches))
				return t
			})
		},
	}
	cmd.Flags().IntVar(&cfg.Count, "count", cfg.Count, "background alerts to generate")
	cmd.Flags().IntVar(&cfg.Campaigns, "campaigns", cfg.Campaigns, "campaign clusters to embed")
	cmd.Flags().IntVar(&cfg.CampaignSize, "campaign-size", cfg.CampaignSize, "alerts per campaign (minimum 3)")
	cmd.Flags().DurationVar(&cfg.Spread, "spread", cfg.Spread, "time window the alerts are spread over")
	cmd.Flags().Int64Var(&cfg.Seed, "seed", 0, "random seed (0 picks one)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 50, "alerts per delivery")
	cmd.Flags().BoolVar(&direct, "direct", false, "write into the configured repository instead of a webhook")

	wf.register(cmd)
	return cmd
}

func seedWebhook(ctx context.Context, g *globals, runner *seeder.Runner, wf *webhookFlags) (seeder.Summary, error) {
	c := g.client()
	return runner.Deliver(ctx, func(ctx context.Context, body []byte) (int, error) {
		wr, err := wf.request(body)
		if err != nil {
			return 0, err
		}
		status, res, err := c.SendWebhook(ctx, wr)
		if err != nil {
			return 0, err
		}
		if status != http.StatusOK || !res.Success {
			return 0, fmt.Errorf("rejected (%d %s): %s", status, res.Kind, res.Message)
		}
		return res.AlertsProcessed, nil
	})
}

// seedDirect ingests into the configured repository and analyzes the result
// in one pass; no server needs to be running.
func seedDirect(ctx context.Context, g *globals, runner *seeder.Runner, p *output.Printer) (seeder.Summary, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return seeder.Summary{}, fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).Logger

	d := &daemon{cfg: cfg, logger: logger, bus: events.Nop()}
	defer d.close()
	if err := d.openRepository(ctx); err != nil {
		return seeder.Summary{}, err
	}
	if err := d.buildPipeline(ctx); err != nil {
		return seeder.Summary{}, err
	}

	sink := &keyRecorder{Sink: d.svc}
	sum, err := runner.Run(ctx, sink)
	if err != nil {
		return sum, err
	}

	res, err := d.svc.AnalyzeRelationships(ctx, sink.keys)
	if err != nil {
		return sum, fmt.Errorf("analysis failed: %w", err)
	}
	det, err := d.svc.DetectCampaigns(ctx)
	if err != nil {
		return sum, fmt.Errorf("detection failed: %w", err)
	}
	p.Success("%d correlations, %d new campaigns", res.CorrelationsFound, len(det.NewCampaigns))
	logger.Info("seeded data analyzed",
		slog.Int("correlations", res.CorrelationsFound),
		slog.Int("campaigns", len(det.NewCampaigns)))
	return sum, nil
}

// keyRecorder remembers the keys of every alert the sink accepted.
type keyRecorder struct {
	seeder.Sink
	keys []string
}

func (k *keyRecorder) IngestAlerts(ctx context.Context, alerts []models.Alert) error {
	if err := k.Sink.IngestAlerts(ctx, alerts); err != nil {
		return err
	}
	for i := range alerts {
		k.keys = append(k.keys, alerts[i].Key())
	}
	return nil
}
