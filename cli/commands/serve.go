package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aalmada/BookStore-sub002/cli/ui"
)

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Long: `Run the HTTP API, the projection engine, the command scheduler and
the outbox processor until interrupted.

Flags override the config file; BOOKSTORE_* environment variables override
both, e.g. BOOKSTORE_SERVER_ADDR=:9090.

Examples:
  bookstore serve
  bookstore serve --addr :9090 --driver memory
  bookstore serve --migrate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			for key, flag := range map[string]string{
				"server.addr":        "addr",
				"database.driver":    "driver",
				"database.url":       "database-url",
				"server.admin_token": "admin-token",
				"logging.level":      "log-level",
				"logging.format":     "log-format",
				"tracing.enabled":    "tracing",
				"scheduler.enabled":  "scheduler",
			} {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}

			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeApp(a) }()

			if migrate {
				if err := a.Migrate(ctx); err != nil {
					return err
				}
			}

			fmt.Fprintln(cmd.OutOrStdout(), ui.Banner())
			fmt.Fprintln(cmd.OutOrStdout(), ui.FormatKeyValue("Listening", cfg.Server.Addr))
			fmt.Fprintln(cmd.OutOrStdout(), ui.FormatKeyValue("Driver", cfg.Database.Driver))
			return a.Run(ctx)
		},
	}

	cmd.Flags().String("addr", "", "HTTP listen address")
	cmd.Flags().String("driver", "", "Database driver (postgres, memory)")
	cmd.Flags().String("database-url", "", "Database connection string")
	cmd.Flags().String("admin-token", "", "Bearer token required on /admin")
	cmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	cmd.Flags().String("log-format", "", "Log format (text, json)")
	cmd.Flags().Bool("tracing", false, "Export OpenTelemetry spans to stdout")
	cmd.Flags().Bool("scheduler", true, "Run the command scheduler")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Create the schema before serving")

	return cmd
}
