// bookstore runs the multi-tenant book catalog service and its
// administrative commands.
//
// Usage:
//
//	bookstore <command> [flags]
//
// Commands:
//
//	init        Write a bookstore.yaml
//	serve       Start the HTTP service and background workers
//	migrate     Create the database schema
//	projection  Inspect, rebuild and resume projections
//	tenant      Register and list tenants
//	schedule    Inspect scheduled commands
//	diagnose    Run diagnostic checks
//	version     Show version information
//
// Examples:
//
//	bookstore init
//	bookstore migrate
//	bookstore tenant add acme --name "Acme Books"
//	bookstore serve --addr :8080
//	bookstore projection rebuild book-search acme
package main

import (
	"os"

	"github.com/aalmada/BookStore-sub002/cli/commands"
)

// Build information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.BuildDate = buildDate

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
