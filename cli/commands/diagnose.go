package commands

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aalmada/BookStore-sub002"
	"github.com/aalmada/BookStore-sub002/app"
	"github.com/aalmada/BookStore-sub002/cli/config"
	"github.com/aalmada/BookStore-sub002/cli/ui"
)

// CheckStatus represents the status of a diagnostic check
type CheckStatus int

const (
	StatusOK CheckStatus = iota
	StatusWarning
	StatusError
)

// CheckResult represents the result of a diagnostic check
type CheckResult struct {
	Name           string
	Status         CheckStatus
	Message        string
	Recommendation string
}

// NewDiagnoseCommand creates the diagnose command
func NewDiagnoseCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "diagnose",
		Aliases: []string{"doctor"},
		Short:   "Run diagnostic checks",
		Long: `Check the configuration, the database connection, the tenants and the
projection workers.`,
		RunE: runDiagnose,
	}
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, ui.Banner())
	fmt.Fprintln(out)

	results := []CheckResult{{Name: "Go version", Status: StatusOK, Message: runtime.Version()}}

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		results = append(results, CheckResult{Name: "Configuration", Status: StatusError, Message: err.Error(),
			Recommendation: "Fix " + config.ConfigFileName + " or run 'bookstore init'"})
		return report(out, results)
	}
	results = append(results, checkConfiguration(cfg))
	if results[len(results)-1].Status == StatusError {
		return report(out, results)
	}

	a, err := buildApp(cmd)
	if err != nil {
		results = append(results, CheckResult{Name: "Database", Status: StatusError, Message: err.Error(),
			Recommendation: "Check database.url and that the database is reachable"})
		return report(out, results)
	}
	defer func() { _ = closeApp(a) }()
	results = append(results, CheckResult{Name: "Database", Status: StatusOK, Message: cfg.Database.Driver})

	results = append(results, checkTenants(cmd.Context(), a))
	results = append(results, checkProjections(cmd.Context(), a))
	return report(out, results)
}

func checkConfiguration(cfg *config.Config) CheckResult {
	if problems := cfg.Validate(); len(problems) > 0 {
		return CheckResult{
			Name:           "Configuration",
			Status:         StatusError,
			Message:        strings.Join(problems, "; "),
			Recommendation: "Fix the listed settings in " + config.ConfigFileName,
		}
	}
	return CheckResult{Name: "Configuration", Status: StatusOK, Message: "valid"}
}

func checkTenants(ctx context.Context, a *app.App) CheckResult {
	if err := a.LoadTenants(ctx); err != nil {
		return CheckResult{Name: "Tenants", Status: StatusError, Message: err.Error(),
			Recommendation: "Run 'bookstore migrate'"}
	}
	ids := a.Engine.Tenants()
	if len(ids) == 0 {
		return CheckResult{Name: "Tenants", Status: StatusWarning, Message: "no tenants registered",
			Recommendation: "Run 'bookstore tenant add <id>'"}
	}
	return CheckResult{Name: "Tenants", Status: StatusOK, Message: fmt.Sprintf("%d registered", len(ids))}
}

func checkProjections(ctx context.Context, a *app.App) CheckResult {
	var faulted []string
	for _, s := range a.Engine.Statuses(ctx) {
		if s.State == bookstore.ProjectionStateFaulted {
			faulted = append(faulted, s.Name+"/"+s.TenantID)
			continue
		}
		if cp, err := a.Engine.GetCheckpoint(ctx, s.Name, s.TenantID); err == nil && cp.State == string(bookstore.ProjectionStateFaulted) {
			faulted = append(faulted, s.Name+"/"+s.TenantID)
		}
	}
	if len(faulted) > 0 {
		return CheckResult{
			Name:           "Projections",
			Status:         StatusError,
			Message:        "faulted: " + strings.Join(faulted, ", "),
			Recommendation: "Inspect with 'bookstore projection status' and run 'bookstore projection resume'",
		}
	}
	return CheckResult{Name: "Projections", Status: StatusOK, Message: "no faulted workers"}
}

// report prints the results and fails when any check failed.
func report(out io.Writer, results []CheckResult) error {
	failed := 0
	for _, r := range results {
		var label string
		switch r.Status {
		case StatusOK:
			label = ui.SuccessStyle.Render("OK")
		case StatusWarning:
			label = ui.WarningStyle.Render("WARNING")
		default:
			label = ui.ErrorStyle.Render("FAILED")
			failed++
		}
		fmt.Fprintf(out, "  %-14s %s  %s\n", r.Name, label, ui.Muted.Render(r.Message))
	}
	fmt.Fprintln(out)

	var recommendations []string
	for _, r := range results {
		if r.Recommendation != "" {
			recommendations = append(recommendations, "  → "+r.Recommendation)
		}
	}
	if failed == 0 && len(recommendations) == 0 {
		fmt.Fprintln(out, ui.FormatSuccess("All checks passed"))
		return nil
	}
	if len(recommendations) > 0 {
		fmt.Fprintln(out, strings.Join(recommendations, "\n"))
	}
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}
