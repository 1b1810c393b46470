package database

import (
	"context"
	"embed"

	"github.com/jackc/pgtype/pgxtype"

	"github.com/G-Research/imagery-orchestrator/internal/common/database"
)

//go:embed migrations/*.sql
var migrationFs embed.FS

// Migrate brings the orchestrator schema up to date.
func Migrate(ctx context.Context, db pgxtype.Querier) error {
	migrations, err := database.ReadMigrations(migrationFs, "migrations")
	if err != nil {
		return err
	}
	return database.UpdateDatabase(ctx, db, migrations)
}
