package cli

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/pagecheck/pkg/validator"
)

var validateCommand = &cli.Command{
	Name:      "validate",
	Usage:     "Parse and lint test documents without running them",
	ArgsUsage: "<test-file-or-folder>...",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to pagecheck.yaml (default: ./pagecheck.yaml if present)",
		},
		&cli.StringSliceFlag{
			Name:  "include-tags",
			Usage: "Only include tests with one of these tags",
		},
		&cli.StringSliceFlag{
			Name:  "exclude-tags",
			Usage: "Exclude tests with any of these tags",
		},
		&cli.BoolFlag{
			Name:  "strict",
			Usage: "Treat lint warnings as errors",
		},
	},
	Action: runValidate,
}

func runValidate(c *cli.Context) error {
	ws, err := loadWorkspaceConfig(c.String("config"))
	if err != nil {
		return err
	}
	paths := c.Args().Slice()
	if len(paths) == 0 {
		paths = ws.Tests
	}
	if len(paths) == 0 {
		return fmt.Errorf("at least one test file or folder is required")
	}

	include, exclude := ws.IncludeTags, ws.ExcludeTags
	if c.IsSet("include-tags") {
		include = c.StringSlice("include-tags")
	}
	if c.IsSet("exclude-tags") {
		exclude = c.StringSlice("exclude-tags")
	}

	result := validator.New(include, exclude).Strict(c.Bool("strict")).Validate(paths...)
	out := c.App.Writer

	for i, def := range result.Tests {
		fmt.Fprintf(out, "  %s✓%s %s (%s) %d step(s)\n",
			color(colorGreen), color(colorReset), def.TestName, result.Files[i], len(def.Steps))
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "  %s⚠%s %s\n", color(colorYellow), color(colorReset), w)
	}
	for _, err := range result.Errors {
		fmt.Fprintf(c.App.ErrWriter, "  %s✗%s %v\n", color(colorRed), color(colorReset), err)
	}

	fmt.Fprintf(out, "\n%d valid, %d error(s), %d warning(s)", len(result.Tests), len(result.Errors), len(result.Warnings))
	if result.Filtered > 0 {
		fmt.Fprintf(out, ", %d filtered by tags", result.Filtered)
	}
	fmt.Fprintln(out)

	if !result.IsValid() {
		return cli.Exit(fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)), 1)
	}
	return nil
}
