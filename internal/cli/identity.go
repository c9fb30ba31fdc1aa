package cli

import (
	"github.com/pysugar/teams-sync/internal/app"
	"github.com/spf13/cobra"
)

func newIdentityCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Resolve participant emails to Microsoft accounts",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "resolve <email>",
			Short: "Resolve one email, using the cache when possible",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.withApp(func(a *app.App) error {
					objectID, err := a.Identities.Resolve(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), map[string]string{"email": args[0], "object_id": objectID})
				})
			},
		},
		&cobra.Command{
			Use:   "reconcile",
			Short: "Resolve every participant referenced by any record",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.withApp(func(a *app.App) error {
					summary, err := a.Identities.ReconcileAll(cmd.Context())
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), summary)
				})
			},
		},
	)
	return cmd
}

func newSubscriptionCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscription",
		Short: "Manage the calendar change-notification subscription",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "Subscribe to updates of the principal's calendar events",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.withApp(func(a *app.App) error {
					sub, err := a.Subscriptions.Subscribe(cmd.Context())
					if err != nil {
						return err
					}
					sub.ClientState = ""
					return printJSON(cmd.OutOrStdout(), sub)
				})
			},
		},
		&cobra.Command{
			Use:   "renew",
			Short: "Extend the subscription, re-creating it if needed",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.withApp(func(a *app.App) error {
					sub, err := a.Subscriptions.Renew(cmd.Context())
					if err != nil {
						return err
					}
					sub.ClientState = ""
					return printJSON(cmd.OutOrStdout(), sub)
				})
			},
		},
	)
	return cmd
}
