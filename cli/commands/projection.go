package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aalmada/BookStore-sub002"
	"github.com/aalmada/BookStore-sub002/app"
	"github.com/aalmada/BookStore-sub002/cli/ui"
)

// NewProjectionCommand creates the projection command
func NewProjectionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "projection",
		Aliases: []string{"proj"},
		Short:   "Inspect and rebuild projections",
		Long: `Inspect the projection workers of every tenant, rebuild a projection
into a new generation, or resume a faulted worker.

Examples:
  bookstore projection list
  bookstore projection status book-search acme
  bookstore projection rebuild book-search acme
  bookstore projection rebuild authors --yes
  bookstore projection resume book-search acme`,
	}

	cmd.AddCommand(newProjectionListCommand())
	cmd.AddCommand(newProjectionStatusCommand())
	cmd.AddCommand(newProjectionRebuildCommand())
	cmd.AddCommand(newProjectionResumeCommand())

	return cmd
}

func newProjectionListCommand() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projection workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = closeApp(a) }()

			out := cmd.OutOrStdout()
			var rows [][]string
			for _, s := range a.Engine.Statuses(cmd.Context()) {
				if tenant != "" && s.TenantID != tenant {
					continue
				}
				rows = append(rows, []string{
					s.Name,
					s.TenantID,
					ui.StatusBadge(string(s.State)),
					strconv.FormatUint(s.Position, 10),
					strconv.FormatInt(s.Generation, 10),
					strconv.FormatUint(s.Lag, 10),
				})
			}
			if len(rows) == 0 {
				fmt.Fprintln(out, ui.FormatInfo("No projection workers. Register a tenant with 'bookstore tenant add'."))
				return nil
			}
			fmt.Fprintln(out, ui.Table([]string{"PROJECTION", "TENANT", "STATE", "POSITION", "GENERATION", "LAG"}, rows))
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "Only show this tenant")
	return cmd
}

func newProjectionStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <projection> <tenant>",
		Short: "Show one projection worker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = closeApp(a) }()

			ctx := cmd.Context()
			status, err := a.Engine.Status(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			checkpoint, err := a.Engine.GetCheckpoint(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, ui.Title.Render(status.Name+" / "+status.TenantID))
			fmt.Fprintln(out, ui.FormatKeyValue("State", string(status.State)))
			fmt.Fprintln(out, ui.FormatKeyValue("Persisted state", checkpoint.State))
			fmt.Fprintln(out, ui.FormatKeyValue("Position", strconv.FormatUint(status.Position, 10)))
			fmt.Fprintln(out, ui.FormatKeyValue("Generation", strconv.FormatInt(status.Generation, 10)))
			fmt.Fprintln(out, ui.FormatKeyValue("Lag", strconv.FormatUint(status.Lag, 10)))
			fmt.Fprintln(out, ui.FormatKeyValue("Updated", formatTime(checkpoint.UpdatedAt)))
			if checkpoint.Error != "" {
				fmt.Fprintln(out)
				fmt.Fprintln(out, ui.FormatError(checkpoint.Error))
			}
			return nil
		},
	}
}

func newProjectionRebuildCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "rebuild <projection> [tenant]",
		Short: "Rebuild a projection into a new generation",
		Long: `Replay the tenant's events into a new document generation and switch
reads to it once the replay reaches the head of the log. Without a tenant
the projection is rebuilt for every registered tenant.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = closeApp(a) }()

			name := args[0]
			if _, err := a.Engine.Projection(name); err != nil {
				return err
			}
			tenants := a.Engine.Tenants()
			if len(args) == 2 {
				tenants = []string{args[1]}
			}
			if len(tenants) == 0 {
				return fmt.Errorf("no tenants registered")
			}

			out := cmd.OutOrStdout()
			if !yes {
				confirmed, err := confirm(
					fmt.Sprintf("Rebuild projection '%s' for %d tenant(s)?", name, len(tenants)),
					"Events are replayed into a new generation; reads switch over when it completes",
				)
				if err != nil {
					return err
				}
				if !confirmed {
					fmt.Fprintln(out, ui.FormatInfo("Cancelled"))
					return nil
				}
			}

			for _, tenant := range tenants {
				if err := rebuild(cmd.Context(), cmd, a, name, tenant); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation")
	return cmd
}

// rebuild runs one rebuild, drawing a progress bar on terminals and
// printing a summary line otherwise.
func rebuild(ctx context.Context, cmd *cobra.Command, a *app.App, name, tenant string) error {
	out := cmd.OutOrStdout()
	title := fmt.Sprintf("Rebuilding %s for %s", name, tenant)

	if !isTerminal(out) {
		var last bookstore.RebuildProgress
		err := a.Rebuilder.Rebuild(ctx, name, tenant, bookstore.RebuildOptions{
			ProgressCallback: func(p bookstore.RebuildProgress) { last = p },
		})
		if err != nil {
			fmt.Fprintln(out, ui.FormatError(title+" failed: "+err.Error()))
			return err
		}
		fmt.Fprintln(out, ui.FormatSuccess(fmt.Sprintf("%s completed: generation %d, %d events", title, last.Generation, last.ProcessedEvents)))
		return nil
	}

	p := tea.NewProgram(ui.NewProgress(title), tea.WithOutput(out))
	errc := make(chan error, 1)
	go func() {
		err := a.Rebuilder.Rebuild(ctx, name, tenant, bookstore.RebuildOptions{
			ProgressInterval: 100 * time.Millisecond,
			ProgressCallback: func(progress bookstore.RebuildProgress) {
				p.Send(ui.ProgressMsg{Processed: progress.ProcessedEvents, Total: progress.TotalEvents})
			},
		})
		errc <- err
		p.Send(ui.ProgressDoneMsg{Err: err})
	}()
	if _, err := p.Run(); err != nil {
		return err
	}
	return <-errc
}

func newProjectionResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <projection> <tenant>",
		Short: "Resume a faulted projection worker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = closeApp(a) }()

			if err := a.Engine.Resume(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.FormatSuccess(fmt.Sprintf("Projection %s resumed for %s", args[0], args[1])))
			return nil
		},
	}
}
