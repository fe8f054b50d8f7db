package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/threatlink/common/logging"
	natsclient "github.com/telhawk-systems/threatlink/common/messaging/nats"
	"github.com/telhawk-systems/threatlink/internal/config"
	"github.com/telhawk-systems/threatlink/internal/dlq"
	"github.com/telhawk-systems/threatlink/internal/output"
)

func newDLQCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect the dead letter queue",
		Long: `Reads the dead letter queue configured in the config file. Payloads land
there when a webhook or connector delivery passed authentication but could
not be parsed or stored.`,
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List failed payloads, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := g.printer(cmd)
			if err != nil {
				return err
			}
			return withQueue(cmd.Context(), g, func(ctx context.Context, q dlq.Queue) error {
				items, err := q.List(ctx, limit)
				if err != nil {
					return err
				}
				return p.Value(items, func() *output.Table {
					t := output.NewTable("TIME", "ORIGIN", "REASON", "ERROR")
					for _, it := range items {
						t.AddRow(it.Timestamp.Format(time.RFC3339), it.Origin, it.Reason, it.Error)
					}
					return t
				})
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum payloads to show")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := g.printer(cmd)
			if err != nil {
				return err
			}
			return withQueue(cmd.Context(), g, func(ctx context.Context, q dlq.Queue) error {
				st := q.Stats(ctx)
				return p.Value(st, func() *output.Table {
					keys := make([]string, 0, len(st))
					for k := range st {
						keys = append(keys, k)
					}
					sort.Strings(keys)
					t := output.NewTable("FIELD", "VALUE")
					for _, k := range keys {
						t.AddRow(k, fmt.Sprint(st[k]))
					}
					return t
				})
			})
		},
	}

	var yes bool
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete every payload in the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := g.printer(cmd)
			if err != nil {
				return err
			}
			if !yes {
				return fmt.Errorf("refusing to purge without --yes")
			}
			return withQueue(cmd.Context(), g, func(ctx context.Context, q dlq.Queue) error {
				if err := q.Purge(ctx); err != nil {
					return err
				}
				p.Success("dead letter queue purged")
				return nil
			})
		},
	}
	purge.Flags().BoolVar(&yes, "yes", false, "confirm the purge")

	cmd.AddCommand(list, stats, purge)
	return cmd
}

// withQueue opens the configured DLQ backend for the duration of fn.
func withQueue(ctx context.Context, g *globals, fn func(context.Context, dlq.Queue) error) error {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.DLQ.Enabled {
		return dlq.ErrDisabled
	}
	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).Logger

	var js *natsclient.JetStreamClient
	if cfg.DLQ.Backend != "file" {
		d := &daemon{cfg: cfg, logger: logger}
		js, err = natsclient.NewJetStreamClient(d.natsConfig(), logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer js.Close()
	}

	q, err := openQueue(ctx, cfg, js, logger)
	if err != nil {
		return err
	}
	return fn(ctx, q)
}
