package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical/pdf-ocr/cmd/pdf-ocr/ui"
	"github.com/spherical/pdf-ocr/internal/config"
	"github.com/spherical/pdf-ocr/internal/observability"
)

var (
	cfgFile string
	verbose bool
	noColor bool
)

// Set by PersistentPreRunE for every subcommand.
var (
	appConfig         *config.Config
	logger            *observability.Logger
	shutdownTelemetry func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "pdf-ocr",
	Short: "Convert PDF documents to markdown with a vision OCR model",
	Long: `pdf-ocr renders every page of a PDF, sends the pages in batches to a
DeepSeek-OCR model served by vLLM, cleans up the model output and joins the
pages into a single markdown document.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.Init(noColor)

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		appConfig = cfg

		level := cfg.Observability.LogLevel
		if verbose {
			level = "debug"
		}
		logger = observability.NewLogger(observability.LogConfig{
			Level:       level,
			Format:      cfg.Observability.LogFormat,
			ServiceName: cfg.Observability.OTEL.ServiceName,
		})

		shutdownTelemetry, err = observability.SetupTelemetry(cmd.Context(), observability.TelemetryConfig{
			Enabled:     cfg.Observability.OTEL.Enabled,
			Endpoint:    cfg.Observability.OTEL.Endpoint,
			ServiceName: cfg.Observability.OTEL.ServiceName,
		})
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if shutdownTelemetry == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTelemetry(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default $OCR_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command.
func Execute(ctx context.Context, version string) error {
	rootCmd.Version = version
	return rootCmd.ExecuteContext(ctx)
}
