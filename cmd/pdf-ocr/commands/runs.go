package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical/pdf-ocr/cmd/pdf-ocr/ui"
	"github.com/spherical/pdf-ocr/internal/observability"
	"github.com/spherical/pdf-ocr/pkg/ocr"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List recorded conversion runs, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := ocr.NewClient(appConfig, ocr.WithLogger(observability.NopLogger()))
		if err != nil {
			return err
		}
		defer client.Close()

		if len(args) == 1 {
			run, err := client.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRun(run)
			return nil
		}

		runs, err := client.Runs(cmd.Context(), runsLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			ui.Info("No runs recorded yet")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDOCUMENT\tSTATUS\tPAGES\tCHUNKS\tSTARTED\tDURATION")
		for _, run := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
				run.ID, run.DocumentName, ui.Status(string(run.Status)), run.Pages, run.Chunks,
				run.StartedAt.Local().Format(time.DateTime), formatDuration(run.Duration()))
		}
		return w.Flush()
	},
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "number of runs to list")
	rootCmd.AddCommand(runsCmd)
}

func printRun(run *ocr.Run) {
	ui.Section(run.DocumentName)
	fmt.Printf("ID:        %s\n", run.ID)
	fmt.Printf("Status:    %s\n", ui.Status(string(run.Status)))
	fmt.Printf("SHA-256:   %s\n", run.SHA256)
	fmt.Printf("Pages:     %d (%d empty)\n", run.Pages, run.EmptyPages)
	fmt.Printf("Chunks:    %d\n", run.Chunks)
	fmt.Printf("Output:    %d chars\n", run.OutputChars)
	fmt.Printf("Cached:    %t\n", run.Cached)
	fmt.Printf("Started:   %s\n", run.StartedAt.Local().Format(time.DateTime))
	fmt.Printf("Duration:  %s\n", formatDuration(run.Duration()))
	if run.Error != "" {
		ui.Error("%s: %s", run.ErrorType, run.Error)
	}
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}
