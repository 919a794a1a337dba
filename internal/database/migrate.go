package database

import (
	"errors"
	"fmt"

	"statement-reconciliation/internal/config"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"
)

// RunMigration applies "up", "down" or reports "version". steps > 0 limits
// up/down to that many migrations.
func RunMigration(cfg *config.Config, command string, steps int, log logrus.FieldLogger) error {
	m, err := migrate.New(
		fmt.Sprintf("file://%s", cfg.Migration.Dir),
		cfg.GetMigrationDBURL(),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize migrate: %w", err)
	}
	defer m.Close()

	switch command {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	case "version":
		version, dirty, verErr := m.Version()
		if errors.Is(verErr, migrate.ErrNilVersion) {
			log.Info("No migrations have been applied yet")
			return nil
		}
		if verErr != nil {
			return fmt.Errorf("failed to get version: %w", verErr)
		}
		log.WithField("dirty", dirty).Infof("Current migration version: %d", version)
		return nil
	default:
		return fmt.Errorf("invalid migration command: %s", command)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Info("No migration changes to apply")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("Migration completed successfully")
	return nil
}
