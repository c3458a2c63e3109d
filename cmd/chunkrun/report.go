package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/izavyalov-dev/chunkrun/orchestrator"
	"github.com/izavyalov-dev/chunkrun/state"
)

func printRuns(w io.Writer, runs []state.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPHASE\tBRANCH\tCHUNK\tSTART\tDURATION\tRESTART\tSTATUS")
	for _, run := range runs {
		fmt.Fprintf(tw, "%04d\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			run.ID,
			run.Phase,
			optional(run.Branch),
			run.ChunkIndex,
			run.StartOffset,
			run.Duration,
			restartColumn(run.RestartSource),
			run.Status)
	}
	_ = tw.Flush()
}

func printReport(w io.Writer, report orchestrator.Report) {
	fmt.Fprintf(w, "\nensemble %s: %s\n", report.EnsembleID, report.State)
	for _, chain := range report.Chains {
		name := string(chain.Phase)
		if chain.Branch != nil {
			name = fmt.Sprintf("%s[%d]", chain.Phase, *chain.Branch)
		}
		status := "ok"
		if chain.Err != nil {
			status = fmt.Sprintf("%s: %v", orchestrator.ClassifyFailure(chain.Err), chain.Err)
		}
		fmt.Fprintf(w, "  %-12s runs=%d/%d reused=%d skipped=%d %s\n",
			name, len(chain.Runs), chain.Planned, chain.Reused, chain.Skipped, status)
	}
}

func optional(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

func restartColumn(source *int64) string {
	if source == nil {
		return "cold"
	}
	return fmt.Sprintf("%04d", *source)
}
