package commands

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aalmada/BookStore-sub002/cli/ui"
)

// NewMigrateCommand creates the migrate command
func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Long: `Create the event store, projection, schedule, outbox and idempotency
tables. Running it again is safe.

Examples:
  bookstore migrate
  BOOKSTORE_DATABASE_URL=postgres://localhost/books bookstore migrate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = closeApp(a) }()

			out := cmd.OutOrStdout()
			if a.Config.Database.Driver == "memory" {
				fmt.Fprintln(out, ui.FormatInfo("Memory driver doesn't require migrations"))
				return nil
			}

			if !isTerminal(out) {
				if err := a.Migrate(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(out, ui.FormatSuccess("Schema "+a.Config.Database.Schema+" is up to date"))
				return nil
			}

			p := tea.NewProgram(ui.NewSpinner("Migrating schema "+a.Config.Database.Schema+"..."), tea.WithOutput(out))
			errc := make(chan error, 1)
			go func() {
				err := a.Migrate(cmd.Context())
				errc <- err
				if err != nil {
					p.Send(ui.SpinnerDoneMsg{Result: "Migration failed", Err: err})
					return
				}
				p.Send(ui.SpinnerDoneMsg{Result: "Schema " + a.Config.Database.Schema + " is up to date"})
			}()
			if _, err := p.Run(); err != nil {
				return err
			}
			return <-errc
		},
	}
}
