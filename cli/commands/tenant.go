package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aalmada/BookStore-sub002/cli/ui"
)

// NewTenantCommand creates the tenant command
func NewTenantCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
		Long: `Register and list tenants. Every tenant gets its own event log and
read models.

Examples:
  bookstore tenant add acme --name "Acme Books"
  bookstore tenant list`,
	}

	cmd.AddCommand(newTenantAddCommand())
	cmd.AddCommand(newTenantListCommand())

	return cmd
}

func newTenantAddCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Register a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = closeApp(a) }()

			tenant, err := a.Tenants.Register(cmd.Context(), args[0], name)
			if err != nil {
				return err
			}
			if err := a.Engine.AddTenant(tenant.ID); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.FormatSuccess(fmt.Sprintf("Registered tenant %s (%s)", tenant.ID, tenant.Name)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Display name (default: the ID)")
	return cmd
}

func newTenantListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = closeApp(a) }()

			tenants, err := a.Tenants.List(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(tenants) == 0 {
				fmt.Fprintln(out, ui.FormatInfo("No tenants registered"))
				return nil
			}
			rows := make([][]string, 0, len(tenants))
			for _, t := range tenants {
				rows = append(rows, []string{t.ID, t.Name, formatTime(t.RegisteredAt)})
			}
			fmt.Fprintln(out, ui.Table([]string{"ID", "NAME", "REGISTERED"}, rows))
			return nil
		},
	}
}
