package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aalmada/BookStore-sub002"
	"github.com/aalmada/BookStore-sub002/cli/ui"
)

// NewScheduleCommand creates the schedule command
func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect scheduled commands",
		Long: `Inspect the commands waiting in the scheduler, such as the start and
end of a book sale.

Examples:
  bookstore schedule list acme
  bookstore schedule list acme --status pending,failed`,
	}

	cmd.AddCommand(newScheduleListCommand())
	return cmd
}

func newScheduleListCommand() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list <tenant>",
		Short: "List scheduled commands of a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var statuses []bookstore.ScheduleStatus
			if status != "" {
				for _, s := range strings.Split(status, ",") {
					parsed, err := bookstore.ParseScheduleStatus(strings.TrimSpace(s))
					if err != nil {
						return err
					}
					statuses = append(statuses, parsed)
				}
			}

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = closeApp(a) }()

			entries, err := a.Scheduler.List(cmd.Context(), args[0], statuses...)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, ui.FormatInfo("No scheduled commands"))
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					e.Key,
					e.CommandType,
					formatTime(e.DueAt),
					ui.StatusBadge(e.Status.String()),
					strconv.Itoa(e.Attempts),
					e.LastError,
				})
			}
			fmt.Fprintln(out, ui.Table([]string{"KEY", "COMMAND", "DUE", "STATUS", "ATTEMPTS", "LAST ERROR"}, rows))
			return nil
		},
	}

	cmd.Flags().StringVarP(&status, "status", "s", "", "Comma-separated statuses (pending, processing, completed, failed)")
	return cmd
}
