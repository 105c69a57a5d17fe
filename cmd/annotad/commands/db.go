package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mindhive/annotad/parser"
)

// DbCmd groups database maintenance operations.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the fleet database",
	Long: `Manage the shared SQLite state database.

Examples:
  annotad db stats                                  # Row counts and totals
  annotad db reset --confirm FACTORY_RESET          # Wipe all annotation data
  annotad db reset-worker --annotator 1 --domain urgency
  annotad db optimize                               # VACUUM + ANALYZE`,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Factory reset: delete all annotations and progress",
	Long: `Delete every annotation, progress row, heartbeat, event and rate
limiter bucket, keeping worker configuration (enabled flags, targets).
Requires --confirm FACTORY_RESET.`,
	RunE: runDbReset,
}

var dbResetWorkerCmd = &cobra.Command{
	Use:   "reset-worker",
	Short: "Reset one worker's annotations and progress",
	RunE:  runDbResetWorker,
}

var dbOptimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Run VACUUM and ANALYZE",
	RunE:  runDbOptimize,
}

var (
	resetConfirmFlag         string
	resetWorkerAnnotatorFlag int
	resetWorkerDomainFlag    string
)

func init() {
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbResetCmd)
	DbCmd.AddCommand(dbResetWorkerCmd)
	DbCmd.AddCommand(dbOptimizeCmd)

	dbResetCmd.Flags().StringVar(&resetConfirmFlag, "confirm", "", "Must be FACTORY_RESET")
	dbResetWorkerCmd.Flags().IntVar(&resetWorkerAnnotatorFlag, "annotator", 0, "Annotator identity (1..5)")
	dbResetWorkerCmd.Flags().StringVar(&resetWorkerDomainFlag, "domain", "", "Annotation domain")
	dbResetWorkerCmd.MarkFlagRequired("annotator")
	dbResetWorkerCmd.MarkFlagRequired("domain")
}

func runDbStats(cmd *cobra.Command, args []string) error {
	env, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer env.close()

	var workers, annotations, completed, events, buckets int
	row := env.database.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM workers),
			(SELECT COUNT(*) FROM annotations),
			(SELECT COUNT(*) FROM completed_samples),
			(SELECT COUNT(*) FROM worker_events),
			(SELECT COUNT(*) FROM rate_limiter_state)`)
	if err := row.Scan(&workers, &annotations, &completed, &events, &buckets); err != nil {
		return err
	}

	overview, err := env.store.GetSystemOverview()
	if err != nil {
		return err
	}

	fmt.Println("Database Statistics")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Database Path:      %s\n", env.paths.Database())
	fmt.Printf("Workers:            %d\n", workers)
	fmt.Printf("Annotations:        %d\n", annotations)
	fmt.Printf("Completed Samples:  %d (%d malformed)\n", completed, overview.TotalMalformedSamples)
	fmt.Printf("Worker Events:      %d\n", events)
	fmt.Printf("Rate Buckets:       %d\n", buckets)
	return nil
}

func runDbReset(cmd *cobra.Command, args []string) error {
	if resetConfirmFlag != "FACTORY_RESET" {
		return fmt.Errorf("refusing to reset: pass --confirm FACTORY_RESET")
	}

	env, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer env.close()

	if err := env.store.FactoryReset(); err != nil {
		return err
	}
	fmt.Println("Factory reset complete. Worker configuration preserved.")
	return nil
}

func runDbResetWorker(cmd *cobra.Command, args []string) error {
	if !parser.KnownDomain(resetWorkerDomainFlag) {
		return fmt.Errorf("unknown domain: %s", resetWorkerDomainFlag)
	}

	env, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer env.close()

	if err := env.store.ResetWorker(resetWorkerAnnotatorFlag, resetWorkerDomainFlag); err != nil {
		return err
	}
	fmt.Printf("Reset annotator %d / %s.\n", resetWorkerAnnotatorFlag, resetWorkerDomainFlag)
	return nil
}

func runDbOptimize(cmd *cobra.Command, args []string) error {
	env, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer env.close()

	if err := env.store.Optimize(); err != nil {
		return err
	}
	fmt.Println("Database optimized.")
	return nil
}
