// Package commands provides the bookstore CLI commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aalmada/BookStore-sub002"
	"github.com/aalmada/BookStore-sub002/app"
	"github.com/aalmada/BookStore-sub002/cli/config"
	"github.com/aalmada/BookStore-sub002/cli/ui"
	"github.com/aalmada/BookStore-sub002/logging"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// newApp builds the application for a command. Tests replace it.
var newApp = func(ctx context.Context, cfg *config.Config, opts ...app.Option) (*app.App, error) {
	return app.New(ctx, cfg, opts...)
}

// NewRootCommand creates the root command for the bookstore CLI
func NewRootCommand() *cobra.Command {
	var noColor bool

	rootCmd := &cobra.Command{
		Use:   "bookstore",
		Short: "Event-sourced book catalog service",
		Long: ui.Banner() + `

Runs the bookstore HTTP service and administers its event store,
projections, schedules and tenants.

` + ui.Title.Render("Quick Start:") + `

  ` + ui.Code.Render("bookstore init") + `            Write a bookstore.yaml
  ` + ui.Code.Render("bookstore migrate") + `         Create the database schema
  ` + ui.Code.Render("bookstore tenant add acme") + ` Register a tenant
  ` + ui.Code.Render("bookstore serve") + `           Start the service`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				ui.DisableColors()
			}
		},
	}

	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default: bookstore.yaml in this or a parent directory)")

	rootCmd.AddCommand(NewInitCommand())
	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewMigrateCommand())
	rootCmd.AddCommand(NewProjectionCommand())
	rootCmd.AddCommand(NewTenantCommand())
	rootCmd.AddCommand(NewScheduleCommand())
	rootCmd.AddCommand(NewDiagnoseCommand())
	rootCmd.AddCommand(NewVersionCommand(Version, Commit, BuildDate))

	return rootCmd
}

// Execute runs the root command
func Execute() error {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.FormatError(err.Error()))
		return err
	}
	return nil
}

// loadConfig reads --config, or the nearest bookstore.yaml, or the
// defaults, and applies BOOKSTORE_* overrides and bound flags.
func loadConfig(cmd *cobra.Command, v *viper.Viper) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err = config.LoadFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		_, cfg, err = config.FindConfig(cwd)
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.DefaultConfig()
		} else if err != nil {
			return nil, err
		}
	}

	if v == nil {
		v = viper.New()
	}
	cfg.ApplyOverrides(v)
	return cfg, nil
}

// closeApp releases an application built by newApp. Tests replace it.
var closeApp = func(a *app.App) error {
	return a.Close()
}

// buildApp builds the application for an administrative command. Logs below
// warn are dropped so they do not mix with the command output.
func buildApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return nil, err
	}
	if logging.ParseLevel(cfg.Logging.Level) < slog.LevelWarn {
		cfg.Logging.Level = "warn"
	}
	return newApp(cmd.Context(), cfg, app.WithLogOutput(cmd.ErrOrStderr()), app.WithTraceOutput(io.Discard))
}

// openApp builds the application and loads the registered tenants.
func openApp(cmd *cobra.Command) (*app.App, error) {
	a, err := buildApp(cmd)
	if err != nil {
		return nil, err
	}
	if err := a.LoadTenants(cmd.Context()); err != nil {
		_ = closeApp(a)
		return nil, err
	}
	return a, nil
}

// NewVersionCommand creates the version command
func NewVersionCommand(version, commit, date string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, ui.Banner())
			fmt.Fprintln(out)
			fmt.Fprintln(out, ui.Table([]string{"", ""}, [][]string{
				{"Version", version},
				{"Commit", commit},
				{"Built", date},
				{"Engine", bookstore.Version()},
				{"Go", runtime.Version()},
				{"OS/Arch", runtime.GOOS + "/" + runtime.GOARCH},
			}))
			return nil
		},
	}
}
