package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create tables / indexes for the configured store.driver",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, sync, err := loadConfig()
		if err != nil {
			return err
		}
		defer sync()

		b, err := openBackends(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer b.Close()

		if err := b.migrate(cmd.Context()); err != nil {
			return err
		}
		logger.Info("migrate done", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
