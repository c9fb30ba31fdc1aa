package cli

import (
	"fmt"

	"github.com/pysugar/teams-sync/internal/api/handlers"
	"github.com/pysugar/teams-sync/internal/app"
	"github.com/pysugar/teams-sync/internal/db"
	"github.com/spf13/cobra"
)

func newAuthCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the Microsoft authorization",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "login-url",
			Short: "Print the browser login URL served by 'teamsync serve'",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := opts.config()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "http://%s%s\n", cfg.Addr(), handlers.LoginPath)
				return err
			},
		},
		&cobra.Command{
			Use:   "login",
			Short: "Authorize in the browser, receiving the callback locally",
			Long: `Starts a temporary callback server on the configured redirect URL,
prints the Microsoft consent URL and waits for the browser to return.
The redirect URL must point at this machine, e.g. http://localhost:8400/callback.`,
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.withApp(func(a *app.App) error {
					results, cleanup, err := a.Flow.StartCallbackServer()
					if err != nil {
						return err
					}
					defer cleanup()

					out := cmd.OutOrStdout()
					fmt.Fprintln(out, "Open this URL in your browser to authorize Teams sync:")
					fmt.Fprintln(out, a.Flow.LoginURL())

					select {
					case res := <-results:
						if res.Err != nil {
							return res.Err
						}
						_, err := fmt.Fprintf(out, "✅ Authorized as %s\n", res.Principal.Email)
						return err
					case <-cmd.Context().Done():
						return cmd.Context().Err()
					}
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show whether a usable authorization is stored",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.withApp(func(a *app.App) error {
					status, err := a.Tokens.Status(cmd.Context())
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), status)
				})
			},
		},
		&cobra.Command{
			Use:   "revoke",
			Short: "Delete the stored authorization",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.withApp(func(a *app.App) error {
					if err := a.Tokens.Revoke(cmd.Context()); err != nil {
						return err
					}
					_, err := fmt.Fprintln(cmd.OutOrStdout(), "🔒 Authorization revoked")
					return err
				})
			},
		},
	)
	return cmd
}

func newAPIKeyCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Show or rotate the management API key",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the API key",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.withApp(func(a *app.App) error {
					_, err := fmt.Fprintln(cmd.OutOrStdout(), db.GetAPIKey(a.DB))
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "regenerate",
			Short: "Replace the API key",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.withApp(func(a *app.App) error {
					key, err := db.RegenerateAPIKey(a.DB)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
					return err
				})
			},
		},
	)
	return cmd
}
