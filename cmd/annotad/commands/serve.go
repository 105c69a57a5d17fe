package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mindhive/annotad/config"
	"github.com/mindhive/annotad/internal/fsutil"
	"github.com/mindhive/annotad/logger"
	"github.com/mindhive/annotad/server"
	"github.com/mindhive/annotad/supervisor"
	"github.com/mindhive/annotad/watchdog"
)

// ServeCmd runs the supervisor daemon.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the supervisor daemon",
	Long: `Start the annotad supervisor: worker process manager, crash watchdog,
and the HTTP/WebSocket status API.

Workers run as child processes of this daemon and survive its restarts;
on startup the supervisor reconciles the database against the live
process table and the watchdog adopts whatever is still running.

Examples:
  annotad serve                    # Listen on :8766
  annotad serve --addr :9000
  annotad serve --start-all        # Also start every enabled worker`,
	RunE: runServe,
}

var (
	serveAddrFlag     string
	serveStartAllFlag bool
)

func init() {
	ServeCmd.Flags().StringVar(&serveAddrFlag, "addr", server.DefaultAddr, "HTTP listen address")
	ServeCmd.Flags().BoolVar(&serveStartAllFlag, "start-all", false, "Start all enabled workers on boot")
}

func runServe(cmd *cobra.Command, args []string) error {
	env, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer env.close()

	if err := env.store.InitializeWorkers(env.settings()); err != nil {
		return err
	}

	manager, err := supervisor.New(supervisor.Options{
		Store:    env.store,
		Paths:    env.paths,
		Settings: env.settings,
		Logger:   logger.Logger,
	})
	if err != nil {
		return err
	}

	dog := watchdog.New(watchdog.Options{
		Store:    env.store,
		Manager:  manager,
		Limiter:  env.limiter,
		Settings: env.settings,
		Logger:   logger.Logger,
	})

	// applySettings persists a replacement config; the fsnotify watcher
	// below picks the write up and swaps the live settings.
	applySettings := func(s *config.Settings) error {
		return fsutil.WriteJSON(env.paths.Settings(), s)
	}

	srv, err := server.New(server.Options{
		Store:         env.store,
		Manager:       manager,
		Dog:           dog,
		Limiter:       env.limiter,
		Settings:      env.settings,
		ApplySettings: applySettings,
		Addr:          serveAddrFlag,
		Logger:        logger.Logger,
	})
	if err != nil {
		return err
	}

	watcher, err := config.NewWatcher(env.paths.Settings())
	if err != nil {
		logger.Warnw("Settings hot reload unavailable", "error", err)
	} else {
		watcher.OnReload(func(s *config.Settings) error {
			env.holder.set(s)
			return env.store.InitializeWorkers(s)
		})
		watcher.Start()
		defer watcher.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go dog.Run(ctx)
	srv.Start()

	if serveStartAllFlag {
		res := manager.StartAllEnabled()
		logger.Infow("Initial fleet start",
			"started", res.Started, "skipped", res.Skipped, "failed", res.Failed)
	}

	logger.Infow("Supervisor running",
		"addr", serveAddrFlag,
		"base", env.paths.Base,
		"database", env.paths.Database())

	<-ctx.Done()
	logger.Infow("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("HTTP shutdown incomplete", "error", err)
	}

	res := manager.StopAll()
	logger.Infow("Workers stopped", "stopped", res.Stopped, "forced", res.Forced)
	return nil
}
