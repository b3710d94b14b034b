package cmd

import (
	"context"
	"time"

	"github.com/AzielCF/az-publisher/core/config"
	coreDB "github.com/AzielCF/az-publisher/core/database"
	"github.com/AzielCF/az-publisher/repository"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the publications schema and exit",
	Run:   runMigrations,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrations(_ *cobra.Command, _ []string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := migratePublications(ctx, config.Global); err != nil {
		logrus.Fatalf("[MIGRATION] %v", err)
	}
	logrus.Info("[MIGRATION] Publications schema is up to date")
}

func migratePublications(ctx context.Context, cfg *config.Config) error {
	logrus.Infof("[MIGRATION] Migrating publications (%s)", cfg.Database.Driver)
	db, err := coreDB.NewDatabase(cfg)
	if err != nil {
		return err
	}
	defer coreDB.Close()

	return repository.NewPublicationGormRepository(db).Init(ctx)
}
