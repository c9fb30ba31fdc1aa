// Package cli is the teamsync command line.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pysugar/teams-sync/internal/app"
	"github.com/pysugar/teams-sync/internal/config"
	"github.com/pysugar/teams-sync/internal/domain"
	"github.com/pysugar/teams-sync/internal/logging"
	"github.com/pysugar/teams-sync/internal/version"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// nowFunc is the clock used by commands that work without the provider.
var nowFunc = time.Now

// options are shared by every command.
type options struct {
	configPath string
	logLevel   string
	verbose    bool

	cfg *config.Config
}

// NewRootCommand builds the teamsync command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "teamsync",
		Short: "Keep business records in sync with Microsoft Teams",
		Long: `teamsync binds business records to Microsoft Teams group chats and
online meetings, mirrors chat messages into a local database, and keeps
meeting replies up to date through Graph change notifications.`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default: TEAMSYNC_CONFIG or teamsync.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newServeCommand(opts),
		newAuthCommand(opts),
		newChatCommand(opts),
		newMeetingCommand(opts),
		newIdentityCommand(opts),
		newSubscriptionCommand(opts),
		newAPIKeyCommand(opts),
		newVersionCommand(),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", describe(err))
		return 1
	}
	return 0
}

// config loads and caches the configuration and sets up logging.
func (o *options) config() (*config.Config, error) {
	if o.cfg != nil {
		return o.cfg, nil
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if o.logLevel != "" {
		level = o.logLevel
	}
	if o.verbose {
		level = "debug"
	}
	if err := logging.Setup(level, cfg.Log.Format, os.Stderr); err != nil {
		return nil, err
	}
	o.cfg = cfg
	return cfg, nil
}

// withApp builds the service graph, runs fn and releases the database.
func (o *options) withApp(fn func(a *app.App) error) error {
	cfg, err := o.config()
	if err != nil {
		return err
	}
	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			log.WithError(cerr).Warn("⚠️ Failed to close database")
		}
	}()
	return fn(a)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// describe renders classified errors the way people should see them and
// keeps the technical detail in the debug log.
func describe(err error) string {
	var de *domain.Error
	if errors.As(err, &de) {
		log.WithError(err).Debug("Command failed")
		return domain.UserMessage(err)
	}
	return err.Error()
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.String())
			return err
		},
	}
}
