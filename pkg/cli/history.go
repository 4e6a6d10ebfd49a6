package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/pagecheck/pkg/history"
)

var historyCommand = &cli.Command{
	Name:      "history",
	Usage:     "Show recent runs, or recent outcomes of one test",
	ArgsUsage: "[testName]",
	Description: `Reads the SQLite database written by "pagecheck run --history-db".

Examples:
  pagecheck history --history-db .pagecheck/history.db
  pagecheck history --history-db .pagecheck/history.db "Login"
  pagecheck history --history-db .pagecheck/history.db --prune 720h`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to pagecheck.yaml (default: ./pagecheck.yaml if present)",
		},
		&cli.StringFlag{
			Name:    "history-db",
			Usage:   "SQLite history database",
			EnvVars: []string{"PAGECHECK_HISTORY_DB"},
		},
		&cli.IntFlag{
			Name:  "limit",
			Usage: "Rows to show",
			Value: 10,
		},
		&cli.DurationFlag{
			Name:  "prune",
			Usage: "Delete runs older than this age (e.g. 720h) before listing",
		},
	},
	Action: runHistory,
}

func runHistory(c *cli.Context) error {
	path := c.String("history-db")
	if path == "" {
		ws, err := loadWorkspaceConfig(c.String("config"))
		if err != nil {
			return err
		}
		path = ws.HistoryDB
	}
	if path == "" {
		return fmt.Errorf("no history database configured (use --history-db or historyDb in pagecheck.yaml)")
	}

	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := c.Context
	out := c.App.Writer

	if age := c.Duration("prune"); age > 0 {
		n, err := store.Prune(ctx, time.Now().Add(-age))
		if err != nil {
			return fmt.Errorf("prune history: %w", err)
		}
		fmt.Fprintf(out, "Pruned %d run(s) older than %s\n\n", n, age)
	}

	if c.NArg() == 0 {
		runs, err := store.Runs(ctx, c.Int("limit"))
		if err != nil {
			return err
		}
		printRuns(out, runs)
		return nil
	}

	name := c.Args().First()
	records, err := store.Recent(ctx, name, c.Int("limit"))
	if err != nil {
		return err
	}
	stats, err := store.Stats(ctx, name)
	if err != nil {
		return err
	}
	printTestHistory(out, name, records, stats)
	return nil
}

func printRuns(out io.Writer, runs []history.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tRUN\tDRIVER\tPASSED\tFAILED\tSKIPPED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.StartTime.Local().Format(time.DateTime), r.RunID, r.Driver,
			r.Passed, r.Failed, r.Skipped, formatDuration(r.Duration))
	}
	tw.Flush()
}

func printTestHistory(out io.Writer, name string, records []history.TestRecord, stats history.Stats) {
	if stats.Runs == 0 {
		fmt.Fprintf(out, "No history for %q\n", name)
		return
	}
	fmt.Fprintf(out, "%s%s%s: %d run(s), %d passed, %d failed, %d skipped (pass rate %.0f%%)\n\n",
		color(colorBold), name, color(colorReset),
		stats.Runs, stats.Passed, stats.Failed, stats.Skipped, stats.PassRate()*100)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tSTATUS\tDURATION\tFAILED STEPS")
	for _, r := range records {
		failed := strings.Join(r.FailedSteps, ", ")
		if r.Critical && r.Error != "" {
			failed = r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			r.StartTime.Local().Format(time.DateTime), r.Status, formatDuration(r.Duration), failed)
	}
	tw.Flush()
}
