package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/chazu/quill/config"
	"github.com/chazu/quill/stats"
)

// handleStatsCommand processes `quill stats`: one line per recorded run,
// then one line per loop head with what happened to its traces.
func handleStatsCommand(cfg *config.Config, stdout, stderr io.Writer) int {
	path := cfg.StatsPath()
	if path == "" {
		fmt.Fprintln(stderr, "Error: no [stats] path configured")
		return 1
	}
	store, err := stats.Open(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	ctx := context.Background()
	runs, err := store.Runs(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	loops, err := store.Loops(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tINSTALLED\tABORTED\tENTRIES\tEXITS")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n",
			r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), r.Installed, r.Aborted, r.Entries, r.SideExits)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "LOOP\tINSTALLED\tABORTED\tINVALIDATED\tBLACKLISTED")
	for _, l := range loops {
		fmt.Fprintf(tw, "%s@%d\t%d\t%d\t%d\t%t\n",
			l.Function, l.PC, l.Installed, l.Aborted, l.Invalidated, l.Blacklisted)
	}
	if err := tw.Flush(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
