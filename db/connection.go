package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/mindhive/annotad/errors"
)

// Connection settings every annotad process relies on, carried in the
// DSN so each pooled connection gets them (a PRAGMA issued through
// database/sql only reaches one connection):
//   - WAL journaling, so worker writes don't block supervisor reads
//   - foreign keys, for cascade deletes on reset
//   - a busy timeout, so cross-process lock contention waits instead
//     of failing
//   - immediate transactions, so a read-modify-write (the rate
//     limiter's token consume) takes the write lock at BEGIN and never
//     hits the non-retryable deferred-upgrade SQLITE_BUSY
const dsnOptions = "_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"

// Open opens the SQLite state database at the specified path.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create database directory")
		}
	}
	database, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", path, dsnOptions))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// sql.Open is lazy; connect now so a bad path fails here.
	if err := database.Ping(); err != nil {
		database.Close()
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	if logger != nil {
		logger.Infow("Database opened",
			"path", path,
			"wal_mode", true,
			"foreign_keys", true,
		)
	}

	return database, nil
}
