// Package cmd provides CLI commands for the ingestd binary.
package cmd

import "github.com/urfave/cli/v2"

// Shared flags for read-only commands.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// AddrFlag points a read-only command at a running daemon.
	AddrFlag = &cli.StringFlag{
		Name:  "addr",
		Usage: "Daemon address (host:port or URL)",
		Value: "localhost:8080",
	}

	// TokenFlag is the bearer identity sent with admin reads.
	TokenFlag = &cli.StringFlag{
		Name:  "token",
		Usage: "Bearer token for admin endpoints",
	}
)

// ReadOnlyFlags returns the shared flags for all read-only commands.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
	}
}
