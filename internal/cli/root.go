// Package cli implements the threatlink command line.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/threatlink/internal/client"
	"github.com/telhawk-systems/threatlink/internal/output"
)

// Version is stamped at build time.
var Version = "0.1.0"

// globals are the persistent flags shared by every command.
type globals struct {
	configPath string
	output     string
	server     string
}

func (g *globals) printer(cmd *cobra.Command) (*output.Printer, error) {
	f, err := output.ParseFormat(g.output)
	if err != nil {
		return nil, err
	}
	return output.New(cmd.OutOrStdout(), cmd.ErrOrStderr(), f), nil
}

func (g *globals) client() *client.Client {
	return client.New(g.server)
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "threatlink",
		Short: "Security alert correlation and campaign detection",
		Long: `threatlink ingests security alerts from webhooks and SIEM connectors,
correlates them by shared indicators, techniques and timing, and groups
strongly linked alerts into campaigns.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	serverDefault := os.Getenv("THREATLINK_URL")
	if serverDefault == "" {
		serverDefault = "http://localhost:8090"
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default: ./config.yaml or /etc/threatlink/config.yaml)")
	root.PersistentFlags().StringVarP(&g.output, "output", "o", "table", "output format: table, json, yaml")
	root.PersistentFlags().StringVar(&g.server, "server", serverDefault, "threatlink server URL ($THREATLINK_URL)")

	root.AddCommand(
		newServeCmd(g),
		newAnalyzeCmd(g),
		newCampaignsCmd(g),
		newAlertsCmd(g),
		newConnectorsCmd(g),
		newWebhookCmd(g),
		newSeedCmd(g),
		newDLQCmd(g),
	)
	return root
}
