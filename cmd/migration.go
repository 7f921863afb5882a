package cmd

import (
	"context"

	"github.com/AzielCF/az-inbox/infrastructure/whatsapp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the application tables and exit",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := context.Background()
		logrus.Infof("[MIGRATION] Migrating %s database...", appConfig.Database.Driver)
		if err := openDatabase(ctx); err != nil {
			logrus.Fatalf("[MIGRATION] %v", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		// Opening the device store upgrades its schema.
		container, err := whatsapp.OpenStore(ctx, appConfig.Whatsapp)
		if err != nil {
			logrus.Fatalf("[MIGRATION] %v", err)
		}
		_ = container.Close()
		logrus.Info("[MIGRATION] Done")
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
