// Package cli provides the command-line interface for pagecheck.
package cli

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Version is set at build time.
var Version = "dev"

// GlobalFlags are available to all commands.
var GlobalFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:    "verbose",
		Usage:   "Mirror the run log to stderr at debug level",
		EnvVars: []string{"PAGECHECK_VERBOSE"},
	},
	&cli.BoolFlag{
		Name:  "no-ansi",
		Usage: "Disable ANSI colors",
	},
}

// NewApp builds the application. Tests run it with their own arguments.
func NewApp() *cli.App {
	return &cli.App{
		Name:    "pagecheck",
		Usage:   "Declarative browser acceptance tests",
		Version: Version,
		Description: `pagecheck replays JSON or YAML test documents against a browser and
reports each step as passed, failed or skipped.

Examples:
  pagecheck run tests/login.json
  pagecheck run tests/ -e BASE_URL=https://staging.example.com
  pagecheck run tests/ --driver chromedp --parallel 4
  pagecheck validate tests/
  pagecheck history "Login"`,
		Flags: GlobalFlags,
		Before: func(c *cli.Context) error {
			if c.Bool("no-ansi") {
				colorsEnabled = false
			}
			return nil
		},
		Commands: []*cli.Command{
			runCommand,
			validateCommand,
			installCommand,
			historyCommand,
		},
	}
}

// Execute runs the CLI.
func Execute() {
	if err := NewApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
