package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/threatlink/common/logging"
	"github.com/telhawk-systems/threatlink/internal/config"
)

func newServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the threatlink server",
		Long: `Starts the webhook gateway, the REST API, the connector sync manager, the
correlation worker and the detection schedule. Stops gracefully on SIGINT or
SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
				With(slog.String("service", "threatlink"))
			logging.SetDefault(logger)

			logger.Info("starting threatlink",
				slog.String("version", Version),
				slog.Int("port", cfg.Server.Port),
				slog.String("database", cfg.Database.Type),
				slog.Int("webhooks", len(cfg.Webhooks)),
				slog.Int("connectors", len(cfg.Connectors)),
			)

			d, err := newDaemon(cmd.Context(), cfg, logger.Logger)
			if err != nil {
				return err
			}
			return d.run(cmd.Context(), nil)
		},
	}
}
