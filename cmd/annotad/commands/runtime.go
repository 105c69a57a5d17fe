package commands

import (
	"database/sql"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/mindhive/annotad/config"
	"github.com/mindhive/annotad/db"
	"github.com/mindhive/annotad/errors"
	"github.com/mindhive/annotad/logger"
	"github.com/mindhive/annotad/ratelimit"
	"github.com/mindhive/annotad/store"
)

// runtimeEnv is the shared wiring every subcommand starts from: resolved
// paths, loaded settings, and an open, migrated database.
type runtimeEnv struct {
	paths    config.Paths
	holder   *settingsHolder
	database *sql.DB
	store    *store.Store
	limiter  *ratelimit.Limiter
}

func (e *runtimeEnv) close() {
	if e.database != nil {
		e.database.Close()
	}
}

func (e *runtimeEnv) settings() *config.Settings {
	return e.holder.get()
}

// settingsHolder makes hot-reloaded settings safe to read from the
// supervisor, watchdog and HTTP handlers concurrently.
type settingsHolder struct {
	mu sync.RWMutex
	s  *config.Settings
}

func (h *settingsHolder) get() *config.Settings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.s
}

func (h *settingsHolder) set(s *config.Settings) {
	h.mu.Lock()
	h.s = s
	h.mu.Unlock()
}

// openRuntime loads settings and opens the fleet database for the base
// directory from the --dir flag.
func openRuntime(cmd *cobra.Command) (*runtimeEnv, error) {
	dir, _ := cmd.Flags().GetString("dir")
	paths := config.ResolvePaths(dir)

	settings, err := config.Load(paths.Settings())
	if err != nil {
		return nil, err
	}

	database, err := db.Open(paths.Database(), logger.Logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}

	st := store.New(database, logger.Logger)
	st.SetStaleAfter(time.Duration(settings.Global.CrashDetectionMinutes * float64(time.Minute)))

	limiter := ratelimit.New(database, ratelimit.Limits{
		RequestsPerMinute: settings.Global.RateLimit.RequestsPerMinute,
		RequestsPerDay:    settings.Global.RateLimit.RequestsPerDay,
		BurstSize:         settings.Global.RateLimit.BurstSize,
	}, logger.Logger)

	return &runtimeEnv{
		paths:    paths,
		holder:   &settingsHolder{s: settings},
		database: database,
		store:    st,
		limiter:  limiter,
	}, nil
}
