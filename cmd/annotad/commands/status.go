package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mindhive/annotad/parser"
	"github.com/mindhive/annotad/store"
)

// StatusCmd shows fleet or per-worker status.
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fleet or per-worker status",
	Long: `Show the fleet overview and per-worker progress from the shared
database. Crash detection is applied on read: a worker whose heartbeat
has gone stale is shown as crashed even if its row still says running.

Examples:
  annotad status
  annotad status --annotator 2 --domain urgency
  annotad status --json`,
	RunE: runStatus,
}

var (
	statusAnnotatorFlag int
	statusDomainFlag    string
	statusJSONFlag      bool
)

func init() {
	StatusCmd.Flags().IntVar(&statusAnnotatorFlag, "annotator", 0, "Show a single annotator identity")
	StatusCmd.Flags().StringVar(&statusDomainFlag, "domain", "", "Show a single domain")
	StatusCmd.Flags().BoolVarP(&statusJSONFlag, "json", "j", false, "Output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	env, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer env.close()

	if statusAnnotatorFlag != 0 || statusDomainFlag != "" {
		if statusAnnotatorFlag == 0 || !parser.KnownDomain(statusDomainFlag) {
			return fmt.Errorf("single-worker status needs both --annotator and a valid --domain")
		}
		ws, err := env.store.GetWorkerStatus(statusAnnotatorFlag, statusDomainFlag)
		if err != nil {
			return err
		}
		if statusJSONFlag {
			return printJSON(ws)
		}
		printWorkerLine(ws)
		return nil
	}

	overview, err := env.store.GetSystemOverview()
	if err != nil {
		return err
	}
	statuses, err := env.store.GetAllWorkerStatuses()
	if err != nil {
		return err
	}

	if statusJSONFlag {
		return printJSON(map[string]interface{}{
			"overview": overview,
			"workers":  statuses,
		})
	}

	fmt.Println("Fleet Overview")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Workers:    %d total, %d enabled, %d running, %d completed, %d crashed\n",
		overview.TotalWorkers, overview.EnabledWorkers, overview.RunningWorkers,
		overview.CompletedWorkers, overview.CrashedWorkers)
	fmt.Printf("Samples:    %d / %d completed (%d malformed)\n",
		overview.TotalCompletedSamples, overview.TotalTargetSamples, overview.TotalMalformedSamples)
	fmt.Printf("Avg speed:  %.1f samples/min\n", overview.AvgSpeed)
	fmt.Printf("ETA:        %s\n", overview.EstimatedTimeRemaining)
	fmt.Println()

	for _, ws := range statuses {
		if !ws.Enabled && ws.Progress.Completed == 0 {
			continue
		}
		printWorkerLine(ws)
	}
	return nil
}

func printWorkerLine(ws *store.WorkerStatus) {
	pid := "-"
	if ws.PID != nil {
		pid = fmt.Sprintf("%d", *ws.PID)
	}
	fmt.Printf("  annotator %d / %-12s %-11s pid=%-8s %4d/%-4d (%.0f%%) %d malformed\n",
		ws.AnnotatorID, ws.Domain, ws.Status, pid,
		ws.Progress.Completed, ws.Progress.Target, ws.Progress.Percentage,
		ws.Progress.Malformed)
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
