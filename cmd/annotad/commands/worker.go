package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mindhive/annotad/config"
	"github.com/mindhive/annotad/corpus"
	"github.com/mindhive/annotad/errors"
	"github.com/mindhive/annotad/genai"
	"github.com/mindhive/annotad/logger"
	"github.com/mindhive/annotad/prompt"
	"github.com/mindhive/annotad/worker"
)

// WorkerCmd runs a single annotation worker. Normally spawned by the
// supervisor, but can be run by hand for one pair.
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run one annotation worker",
	Long: `Run the annotation loop for a single (annotator, domain) pair.

The worker walks the shared corpus from its durable cursor, annotates
each sample through the model API, and exits when the target count is
reached, a stop signal arrives, or the daily request quota is spent.

Examples:
  annotad worker --annotator 2 --domain urgency`,
	RunE: runWorker,
}

var (
	workerAnnotatorFlag int
	workerDomainFlag    string
)

func init() {
	WorkerCmd.Flags().IntVar(&workerAnnotatorFlag, "annotator", 0, "Annotator identity (1..5)")
	WorkerCmd.Flags().StringVar(&workerDomainFlag, "domain", "", "Annotation domain")
	WorkerCmd.MarkFlagRequired("annotator")
	WorkerCmd.MarkFlagRequired("domain")
}

func runWorker(cmd *cobra.Command, args []string) error {
	env, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer env.close()

	annotatorID, domain := workerAnnotatorFlag, workerDomainFlag
	settings := env.settings()

	if !settings.Pair(annotatorID, domain).Enabled {
		return errors.Wrapf(errors.ErrDisabled, "annotator %d / %s", annotatorID, domain)
	}

	keys, err := config.LoadAPIKeys(env.paths.APIKeys())
	if err != nil {
		return err
	}
	apiKey, err := keys.Key(annotatorID)
	if err != nil {
		return err
	}

	client, err := genai.NewClient(genai.Config{
		APIKey:     apiKey,
		Model:      settings.Global.ModelName,
		MaxRetries: settings.Global.MaxRetries,
		Timeout:    2 * time.Minute,
	})
	if err != nil {
		return err
	}

	samples, err := corpus.Load(env.paths.Corpus())
	if err != nil {
		return err
	}

	template, err := prompt.NewResolver(env.paths.PromptsDir()).Resolve(annotatorID, domain)
	if err != nil {
		return err
	}

	w, err := worker.New(worker.Options{
		AnnotatorID:  annotatorID,
		Domain:       domain,
		Settings:     settings,
		Store:        env.store,
		Limiter:      env.limiter,
		Corpus:       samples,
		Template:     template,
		Generator:    client,
		CredentialID: config.CredentialID(annotatorID),
		ControlPath:  env.paths.ControlFile(annotatorID, domain),
		MirrorPath:   env.paths.AnnotationsMirror(annotatorID, domain),
		Logger:       logger.Logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infow("Worker process starting",
		"annotator", annotatorID,
		"domain", domain,
		"run_id", w.RunID(),
		"pid", os.Getpid())
	return w.Run(ctx)
}
