package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/pagecheck/pkg/config"
	"github.com/devicelab-dev/pagecheck/pkg/driver"
	"github.com/devicelab-dev/pagecheck/pkg/driver/playwright"
)

var installCommand = &cli.Command{
	Name:      "install",
	Usage:     "Download the Playwright driver and browsers",
	ArgsUsage: "[chromium|firefox|webkit]...",
	Description: `Downloads into $PAGECHECK_HOME/cache/playwright unless --driver-dir is given.
Installs chromium when no browser is named.`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "driver-dir",
			Usage: "Directory for the driver and browsers",
		},
	},
	Action: runInstall,
}

func runInstall(c *cli.Context) error {
	browsers := c.Args().Slice()
	for _, b := range browsers {
		if !slices.Contains(playwright.Browsers, b) {
			return fmt.Errorf("unknown browser %q (want one of %s)", b, strings.Join(playwright.Browsers, ", "))
		}
	}

	dir := c.String("driver-dir")
	if dir == "" {
		dir = config.GetBrowsersDir(driver.Playwright)
	}

	fmt.Fprintf(c.App.Writer, "Installing Playwright into %s...\n", dir)
	if err := playwright.Install(playwright.Options{DriverDirectory: dir}, browsers...); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "  %s✓%s Installed\n", color(colorGreen), color(colorReset))
	return nil
}
