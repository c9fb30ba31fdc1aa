package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pysugar/teams-sync/internal/app"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook receiver and background loops",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(func(a *app.App) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				log.WithFields(log.Fields{
					"tenant":   a.Tenant.ID,
					"timezone": a.Tenant.Location.String(),
					"database": a.Config.Database.Path,
				}).Info("🚀 Teams sync starting")
				return a.Serve(ctx)
			})
		},
	}
}
