package cli

import (
	"github.com/pysugar/teams-sync/internal/app"
	"github.com/pysugar/teams-sync/internal/meeting"
	"github.com/pysugar/teams-sync/internal/records"
	"github.com/spf13/cobra"
)

func newMeetingCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meeting",
		Short: "Manage the Teams meeting linked to a record",
	}

	// keyed builds a command that runs fn for the record named by its argument.
	keyed := func(use, short string, fn func(cmd *cobra.Command, a *app.App, key records.Key) (any, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <Doctype/Name>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				key, err := records.ParseKey(args[0])
				if err != nil {
					return err
				}
				return opts.withApp(func(a *app.App) error {
					res, err := fn(cmd, a, key)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), res)
				})
			},
		}
	}

	create := keyed("create", "Schedule the record's meeting, or add new attendees to it",
		func(cmd *cobra.Command, a *app.App, key records.Key) (any, error) {
			return a.Meetings.CreateMeeting(cmd.Context(), key)
		})

	var newStart, newEnd string
	reschedule := keyed("reschedule", "Move the record's meeting",
		func(cmd *cobra.Command, a *app.App, key records.Key) (any, error) {
			return a.Meetings.RescheduleMeeting(cmd.Context(), key, newStart, newEnd)
		})
	reschedule.Long = `Moves the meeting to --start/--end. Values are RFC3339 or local times
such as "2024-06-05 15:00" in the configured timezone. Without flags the
record's own start and end are used.`
	reschedule.Flags().StringVar(&newStart, "start", "", "new start time")
	reschedule.Flags().StringVar(&newEnd, "end", "", "new end time")

	remove := keyed("delete", "Cancel the record's meeting and unlink it",
		func(cmd *cobra.Command, a *app.App, key records.Key) (any, error) {
			return a.Meetings.DeleteMeeting(cmd.Context(), key)
		})

	attendees := keyed("attendees", "List the meeting's attendees and their replies",
		func(cmd *cobra.Command, a *app.App, key records.Key) (any, error) {
			return a.Meetings.GetAttendees(cmd.Context(), key)
		})

	details := keyed("details", "Show the linked meeting",
		func(cmd *cobra.Command, a *app.App, key records.Key) (any, error) {
			return a.Meetings.GetMeetingDetails(cmd.Context(), key)
		})

	var start, end string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check a proposed meeting window without calling Teams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			res, err := meeting.ValidateWindowValues(start, end, loc, nowFunc())
			if err != nil && len(res.Errors) == 0 {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	validate.Flags().StringVar(&start, "start", "", "proposed start")
	validate.Flags().StringVar(&end, "end", "", "proposed end")
	_ = validate.MarkFlagRequired("start")
	_ = validate.MarkFlagRequired("end")

	cmd.AddCommand(create, reschedule, remove, attendees, details, validate)
	return cmd
}
