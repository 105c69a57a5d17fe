package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mindhive/annotad/cmd/annotad/commands"
	"github.com/mindhive/annotad/logger"
)

var rootCmd = &cobra.Command{
	Use:   "annotad",
	Short: "annotad - LLM annotation fleet orchestrator",
	Long: `annotad - durable orchestration for a fleet of LLM annotation workers.

A fixed grid of (annotator, domain) workers walks a shared sample corpus,
labels each sample through a model API, and records every outcome in a
shared SQLite database. The supervisor spawns workers as child processes,
a watchdog restarts the ones that die, and an HTTP/WebSocket facade serves
configuration and live status.

Available commands:
  serve   - Start the supervisor daemon (worker manager + watchdog + API)
  worker  - Run a single annotation worker (spawned by serve)
  status  - Show fleet or per-worker status
  db      - Database operations (stats, reset, optimize)
  version - Show version information

Examples:
  annotad serve                              # Run the fleet
  annotad status                             # Fleet overview
  annotad status --annotator 2 --domain urgency
  annotad db stats                           # Database statistics`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("dir", "", "Base data directory (default: $ANNOTAD_HOME or .)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
