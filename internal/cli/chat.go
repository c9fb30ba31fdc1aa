package cli

import (
	"fmt"

	"github.com/pysugar/teams-sync/internal/app"
	"github.com/pysugar/teams-sync/internal/chat"
	"github.com/pysugar/teams-sync/internal/records"
	"github.com/spf13/cobra"
)

func newChatCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Manage record chats and mirrored messages",
	}

	var (
		emails []string
		topic  string
	)
	ensure := &cobra.Command{
		Use:   "ensure <Doctype/Name>",
		Short: "Create or update the group chat bound to a record",
		Long: `Creates the record's group chat on first use and adds missing members
afterwards. Participants come from the record unless --email is given.`,
		Example: `  teamsync chat ensure Project/PRJ-001
  teamsync chat ensure Event/EV-7 --email alice@contoso.com --email bob@contoso.com --topic "Launch"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := records.ParseKey(args[0])
			if err != nil {
				return err
			}
			return opts.withApp(func(a *app.App) error {
				var res *chat.EnsureResult
				if len(emails) > 0 {
					res, err = a.Chat.EnsureChatForRecord(cmd.Context(), key, emails, topic)
				} else {
					res, err = a.Chat.EnsureChatFromRecord(cmd.Context(), key)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	ensure.Flags().StringSliceVarP(&emails, "email", "e", nil, "participant email (repeatable)")
	ensure.Flags().StringVar(&topic, "topic", "", "chat topic when --email is used")

	send := &cobra.Command{
		Use:   "send <chat-id> <text>",
		Short: "Send a message to a chat and store it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(a *app.App) error {
				msg, err := a.Chat.SendMessage(cmd.Context(), args[0], args[1], "")
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), msg)
			})
		},
	}

	post := &cobra.Command{
		Use:   "post <team-id> <channel-id> <text>",
		Short: "Post a message to a team channel and store it",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(a *app.App) error {
				msg, err := a.Chat.PostToChannel(cmd.Context(), args[0], args[1], args[2])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), msg)
			})
		},
	}

	var limit int
	fetch := &cobra.Command{
		Use:   "fetch <chat-id>",
		Short: "Fetch recent messages of a chat into the local store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(a *app.App) error {
				res, err := a.Chat.FetchAndStore(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	fetch.Flags().IntVarP(&limit, "limit", "n", chat.DefaultFetchLimit, fmt.Sprintf("maximum messages to fetch (at most %d)", chat.MaxFetchLimit))

	sync := &cobra.Command{
		Use:   "sync",
		Short: "Fetch new messages for every bound chat",
		Long: `Runs one synchronization pass over all record chats, then removes
messages older than sync.retention_days when that is configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(func(a *app.App) error {
				summary, err := a.SyncOnce(cmd.Context())
				if summary != nil {
					if perr := printJSON(cmd.OutOrStdout(), summary); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}

	stats := &cobra.Command{
		Use:   "stats [chat-id]",
		Short: "Show statistics of locally stored messages",
		Long:  "Without a chat id, totals cover every chat with a per-chat breakdown.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var chatID string
			if len(args) == 1 {
				chatID = args[0]
			}
			return opts.withApp(func(a *app.App) error {
				res, err := a.Chat.GetStatistics(cmd.Context(), chatID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}

	var days int
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete stored messages older than --days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(func(a *app.App) error {
				deleted, err := a.Chat.CleanupOlderThan(cmd.Context(), days)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "🧹 Deleted %d messages older than %d days\n", deleted, days)
				return err
			})
		},
	}
	cleanup.Flags().IntVar(&days, "days", 90, "age threshold in days")

	cmd.AddCommand(ensure, send, post, fetch, sync, stats, cleanup)
	return cmd
}
