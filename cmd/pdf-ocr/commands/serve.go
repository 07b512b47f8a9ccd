package commands

import (
	"github.com/spf13/cobra"

	"github.com/spherical/pdf-ocr/internal/api"
	"github.com/spherical/pdf-ocr/pkg/ocr"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP conversion API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := appConfig
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}

		client, err := ocr.NewClient(cfg, ocr.WithLogger(logger))
		if err != nil {
			return err
		}
		defer client.Close()

		logger.Info().
			Str("engine", cfg.Engine.Driver).
			Str("engine_url", cfg.Engine.URL).
			Str("model", cfg.Engine.Model).
			Str("cache", cfg.Cache.Driver).
			Str("storage", cfg.Storage.Driver).
			Msg("Converter ready")

		router := api.NewRouter(logger, client, cfg.Server)
		return api.NewServer(cfg.Server, router, logger).Run(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
