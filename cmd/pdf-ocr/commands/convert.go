package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical/pdf-ocr/cmd/pdf-ocr/ui"
	"github.com/spherical/pdf-ocr/internal/domain"
	"github.com/spherical/pdf-ocr/internal/observability"
	"github.com/spherical/pdf-ocr/internal/output"
	"github.com/spherical/pdf-ocr/pkg/ocr"
)

var (
	outputFile string
	chunkSize  int
	workers    int
)

var convertCmd = &cobra.Command{
	Use:   "convert <file.pdf>",
	Short: "Transcribe a PDF into markdown",
	Long: `Transcribe every page of a PDF and write the joined markdown.

By default the result is saved under the output directory (MARKDOWN_DIR,
.assets/markdown when unset) with a name derived from the PDF. Use -o to
choose a file, or -o - to print to stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: runConvert,
}

func init() {
	convertCmd.Flags().StringVarP(&outputFile, "output", "o", "", "output file, - for stdout")
	convertCmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "pages per inference call (default from config)")
	convertCmd.Flags().IntVar(&workers, "workers", 0, "parallel page preprocessing workers (default from config)")
	rootCmd.AddCommand(convertCmd)
}

func runConvert(cmd *cobra.Command, args []string) error {
	cfg := appConfig
	if cmd.Flags().Changed("chunk-size") {
		cfg.Pipeline.ChunkSize = chunkSize
	}
	if cmd.Flags().Changed("workers") {
		cfg.Pipeline.Workers = workers
	}

	// keep the progress display readable unless asked for detail
	clientLogger := logger
	if !verbose {
		clientLogger = observability.NewLogger(observability.LogConfig{
			Level:  "warn",
			Format: cfg.Observability.LogFormat,
		})
	}

	client, err := ocr.NewClient(cfg, ocr.WithLogger(clientLogger))
	if err != nil {
		return err
	}
	defer client.Close()

	pdfPath := args[0]
	start := time.Now()

	events := make(chan ocr.StreamEvent, 100)
	done := make(chan struct{})
	go func() {
		defer close(done)
		renderProgress(events, filepath.Base(pdfPath))
	}()

	doc, err := client.ConvertFile(cmd.Context(), pdfPath, events)
	close(events)
	<-done

	if err != nil {
		return fmt.Errorf("convert %s: %w", pdfPath, err)
	}

	if outputFile == "-" {
		_, err := os.Stdout.WriteString(doc.Markdown + "\n")
		return err
	}

	dir, name := cfg.Output.Dir, output.MarkdownFilename(doc.Name)
	if outputFile != "" {
		dir, name = filepath.Dir(outputFile), filepath.Base(outputFile)
	}

	path, err := output.Save(dir, name, doc.Markdown)
	if err != nil {
		return err
	}

	if doc.Pages == 0 {
		ui.Warning("%s has no pages, wrote an empty document", doc.Name)
	}

	source := "transcribed"
	if doc.Cached {
		source = "served from cache"
	}
	ui.Success("%d pages %s in %v", doc.Pages, source, time.Since(start).Round(time.Millisecond))
	ui.Success("Markdown saved to %s", path)
	return nil
}

// renderProgress shows a spinner until the page count is known, then a bar.
func renderProgress(events <-chan ocr.StreamEvent, name string) {
	spin := ui.NewSpinner("Opening " + name)
	spin.Start()
	spinning := true

	var bar *ui.ProgressBar

	stop := func() {
		if spinning {
			spin.Stop()
			spinning = false
		}
	}

	for ev := range events {
		switch ev.Type {
		case ocr.EventState:
			if spinning {
				spin.UpdateMessage(stateMessage(ev.State, name))
			}

		case ocr.EventChunkStart:
			p, ok := ev.Payload.(domain.Progress)
			if !ok {
				continue
			}
			if bar == nil {
				stop()
				bar = ui.NewProgressBar(int64(p.Total), "Transcribing")
			}
			bar.Describe(p.Message)

		case ocr.EventChunkComplete:
			if p, ok := ev.Payload.(domain.Progress); ok && bar != nil {
				bar.Set(int64(p.Current))
			}

		case ocr.EventComplete:
			stop()
			if bar != nil {
				bar.Finish()
			}

		case ocr.EventError:
			stop()
		}
	}
	stop()
}

func stateMessage(state ocr.RunState, name string) string {
	switch state {
	case domain.StateRasterizing:
		return "Rendering pages of " + name
	case domain.StateChunking:
		return "Planning batches"
	default:
		return string(state)
	}
}
