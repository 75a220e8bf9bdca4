package commands

import (
	"fmt"

	"github.com/davidmoltin/crm-rules/internal/app"
	"github.com/davidmoltin/crm-rules/pkg/config"
	"github.com/davidmoltin/crm-rules/pkg/logger"
	"github.com/spf13/cobra"
)

var skipMigrations bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and the reprocess worker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log, err := logger.New(cfg.Logger.Level, cfg.Logger.Format)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer log.Sync()
		logger.SetDefault(log)

		a, err := app.New(cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		if !skipMigrations {
			if err := a.Migrate(); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
		}

		return a.Serve(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "Do not apply pending migrations on start")
	rootCmd.AddCommand(serveCmd)
}
