package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/paulschiretz/pgl-sitebackup/pkg/flagparse"
)

// RunStatus prints the state of every planned job without changing anything.
func RunStatus(ctx context.Context, flagMap map[string]interface{}) error {
	_, sess, err := setup(ctx, flagparse.Status, flagMap)
	if err != nil {
		return err
	}
	defer sess.Close()

	statuses, err := sess.orchestrator.Status(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tSTATE\tPROGRESS\tFILES\tARCHIVE\tNOTE")
	for _, s := range statuses {
		files := "-"
		if s.TotalFiles > 0 {
			files = fmt.Sprintf("%d/%d", s.ProcessedFiles, s.TotalFiles)
		}
		fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\t%s\t%s\n", s.Name, s.State, s.Percentage, files, s.ArchivePath, s.Reason)
	}
	return w.Flush()
}
