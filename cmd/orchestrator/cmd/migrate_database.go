package cmd

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/imagery-orchestrator/internal/common/database"
	"github.com/G-Research/imagery-orchestrator/internal/common/orchcontext"
	orchestratordb "github.com/G-Research/imagery-orchestrator/internal/orchestrator/database"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "migrates the orchestrator database to the latest version",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := orchcontext.Background()
	start := time.Now()
	log.Info("Beginning orchestrator database migration")
	db, err := database.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return errors.WithMessage(err, "failed to connect to database")
	}
	defer db.Close()
	if err := orchestratordb.Migrate(ctx, db); err != nil {
		return errors.WithMessage(err, "failed to migrate orchestrator database")
	}
	log.Infof("Orchestrator database migrated in %s", time.Since(start))
	return nil
}
