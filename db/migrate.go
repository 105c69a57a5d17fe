package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/mindhive/annotad/errors"
)

//go:embed sqlite/migrations/*.sql
var migrationFS embed.FS

const migrationDir = "sqlite/migrations"

// Migrate brings the schema up to date. Each .sql file under
// sqlite/migrations runs once, in lexical order, inside its own
// transaction; applied versions live in schema_migrations, which the
// first migration bootstraps.
func Migrate(database *sql.DB, logger *zap.SugaredLogger) error {
	names, err := migrationNames()
	if err != nil {
		return err
	}
	applied, err := appliedVersions(database)
	if err != nil {
		return err
	}

	ran := 0
	for _, name := range names {
		version, _, _ := strings.Cut(name, "_")
		if applied[version] {
			continue
		}
		if logger != nil {
			logger.Infow("Applying migration", "migration", name)
		}
		if err := applyMigration(database, name, version); err != nil {
			return err
		}
		ran++
	}

	if logger != nil {
		logger.Infow("Schema up to date", "applied", ran, "known", len(names))
	}
	return nil
}

func migrationNames() ([]string, error) {
	entries, err := migrationFS.ReadDir(migrationDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read embedded migrations")
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// appliedVersions reads the migration ledger, tolerating a missing
// table on a fresh database.
func appliedVersions(database *sql.DB) (map[string]bool, error) {
	var hasLedger bool
	if err := database.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM sqlite_master
			WHERE type = 'table' AND name = 'schema_migrations')`).
		Scan(&hasLedger); err != nil {
		return nil, errors.Wrap(err, "failed to probe schema_migrations")
	}

	applied := make(map[string]bool)
	if !hasLedger {
		return applied, nil
	}

	rows, err := database.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, errors.Wrap(err, "failed to read applied migrations")
	}
	defer rows.Close()
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, errors.Wrap(err, "failed to scan migration version")
		}
		applied[version] = true
	}
	return applied, errors.Wrap(rows.Err(), "failed to iterate applied migrations")
}

func applyMigration(database *sql.DB, name, version string) error {
	script, err := migrationFS.ReadFile(path.Join(migrationDir, name))
	if err != nil {
		return errors.Wrapf(err, "failed to read migration %s", name)
	}

	tx, err := database.Begin()
	if err != nil {
		return errors.Wrapf(err, "failed to begin transaction for %s", name)
	}
	if _, err := tx.Exec(string(script)); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "failed to apply %s", name)
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "failed to record %s", name)
	}
	return errors.Wrapf(tx.Commit(), "failed to commit %s", name)
}
