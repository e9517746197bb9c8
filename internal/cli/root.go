// Package cli provides the mask command-line entry point: configuration
// resolution, backend wiring, and graceful-shutdown orchestration for one
// masking run. Grounded on the teacher's cli/root.go (cobra.OnInitialize,
// PersistentFlags, viper-bound flags, signal-driven graceful shutdown),
// generalized from the teacher's long-running HTTP server to a single
// batch run that exits when its cursor is exhausted.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"phimask.dev/internal/applog"
	"phimask.dev/internal/checkpoint"
	"phimask.dev/internal/config"
	"phimask.dev/internal/deadletter"
	"phimask.dev/internal/metrics"
	"phimask.dev/internal/retry"
	"phimask.dev/internal/rules"
	"phimask.dev/internal/scheduler"
	"phimask.dev/internal/store"
	"phimask.dev/internal/store/couchdb"
	"phimask.dev/internal/store/mongo"
	"phimask.dev/internal/workerpool"
)

// Exit codes per spec.md §6.
const (
	ExitSuccess        = 0
	ExitConfigError    = 2
	ExitConnectionErr  = 3
	ExitPartialSuccess = 4
	ExitFatalRuntime   = 5
	ExitCancelled      = 130
)

var v = config.NewViper()

// RootCmd is the mask command's entry point.
var RootCmd = &cobra.Command{
	Use:   "mask",
	Short: "de-identify PHI fields in a document collection",
	Long: `mask streams a document collection, replaces PHI fields with
structure-preserving surrogates according to a declarative rule set, and
writes the result back in-situ or into a destination collection, with
resumable checkpointing and adaptive batch sizing under a memory budget.`,
	RunE:         runMask,
	SilenceUsage: true,
}

func init() {
	config.BindFlags(RootCmd, v)
}

// Execute runs RootCmd, translating the result into the process's exit
// code per spec.md §6, and should be the only thing cmd/mask's main calls.
func Execute() int {
	if err := RootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		return ExitFatalRuntime
	}
	return ExitSuccess
}

// exitError pins a specific process exit code to an error, so runMask can
// return ordinary errors for cobra's usual error printing while Execute
// still recovers the intended exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

func runMask(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return exitWith(ExitConfigError, err)
	}

	log := applog.New(cfg.LogLevel, cfg.LogFormat).WithField("collection", cfg.Collection)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifyShutdown(ctx, cancel, log)

	runID := cfg.Collection

	ruleSet, err := loadRuleSet(cfg, log)
	if err != nil {
		return exitWith(ExitConfigError, err)
	}

	src, sink, closeStore, err := openStores(ctx, cfg)
	if err != nil {
		return exitWith(ExitConnectionErr, err)
	}
	defer closeStore()

	if cfg.CheckpointPath != "" {
		if err := os.MkdirAll(cfg.CheckpointPath, 0755); err != nil {
			return exitWith(ExitFatalRuntime, fmt.Errorf("creating checkpoint directory: %w", err))
		}
	}

	cps, err := checkpoint.Open(checkpointFilePath(cfg, runID))
	if err != nil {
		return exitWith(ExitFatalRuntime, fmt.Errorf("opening checkpoint store: %w", err))
	}
	defer cps.Close()

	if cfg.Reset {
		if err := cps.Reset(cfg.Collection, runID); err != nil {
			return exitWith(ExitFatalRuntime, fmt.Errorf("resetting checkpoint: %w", err))
		}
	}
	if cfg.Resume {
		if err := cps.CheckRunnable(cfg.Collection, runID); err != nil {
			return exitWith(ExitConfigError, err)
		}
	}

	dl, err := deadletter.Open(deadLetterFilePath(cfg, runID))
	if err != nil {
		return exitWith(ExitFatalRuntime, fmt.Errorf("opening dead-letter file: %w", err))
	}
	defer dl.Close()

	aggregator := metrics.NewAggregator()
	var coverage *metrics.CoverageReport
	if cfg.DryRun {
		coverage = metrics.NewCoverageReport()
	}

	memWatcher, err := metrics.NewMemWatcher()
	if err != nil {
		log.WithError(err).Warn("resident memory sampling unavailable; adaptive sizing runs on duration alone")
		memWatcher = nil
	}

	var publisher *metrics.Publisher
	if cfg.ProgressChannel != "" {
		publisher, err = metrics.NewPublisher(ctx, cfg.ProgressRedisURI, cfg.ProgressChannel)
		if err != nil {
			log.WithError(err).Warn("progress publisher unavailable; continuing without it")
			publisher = nil
		} else {
			defer publisher.Close()
		}
	}

	workerCount := cfg.Workers
	if workerCount <= 0 {
		workerCount = workerpool.DefaultWorkerCount()
	}
	pool := workerpool.New(ctx, runID, ruleSet, workerCount)
	defer pool.Stop()

	stop := make(chan struct{})
	defer close(stop)
	go aggregator.LogEvery(stop, progressInterval(cfg), cfg.Collection, log)
	if publisher != nil {
		go publishProgress(stop, ctx, publisher, aggregator, progressInterval(cfg))
	}

	sched := scheduler.NewScheduler(scheduler.RunConfig{
		CollectionName: cfg.Collection,
		RunID:          runID,
		Source:         src,
		Sink:           sink,
		Pool:           pool,
		RuleSet:        ruleSet,
		Checkpoints:    cps,
		Metrics:        aggregator,
		MemWatcher:     memWatcher,
		CoverageReport: coverage,
		DeadLetters:    dl,
		RetryPolicy:    retry.DefaultPolicy(),
		Adaptive: scheduler.AdaptiveSizerConfig{
			MinBatch:            cfg.BatchMin,
			MaxBatch:            cfg.BatchMax,
			InitialBatch:        cfg.BatchInit,
			TargetBatchDuration: scheduler.DefaultAdaptiveSizerConfig().TargetBatchDuration,
			HighWatermarkBytes:  cfg.MemHighBytes,
			LowWatermarkBytes:   cfg.MemLowBytes,
			RequiredConsecutive: scheduler.DefaultAdaptiveSizerConfig().RequiredConsecutive,
		},
		CopyMode: cfg.Mode == config.ModeCopy,
		Limit:    cfg.Limit,
		DryRun:   cfg.DryRun,
		Log:      log,
	})

	stats, err := sched.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return exitWith(ExitCancelled, err)
		}
		return exitWith(ExitFatalRuntime, err)
	}

	log.WithFields(map[string]interface{}{
		"evt":             "run_complete",
		"docsProcessed":   stats.DocsProcessed,
		"deadLetterCount": stats.DeadLetterCount,
		"finalState":      string(stats.FinalState),
	}).Info("run finished")

	if coverage != nil {
		logCoverage(log, coverage)
	}

	if ctx.Err() != nil {
		return exitWith(ExitCancelled, fmt.Errorf("run cancelled"))
	}
	if stats.DeadLetterCount > 0 {
		return exitWith(ExitPartialSuccess, fmt.Errorf("%d document(s) dead-lettered", stats.DeadLetterCount))
	}
	return nil
}

func loadRuleSet(cfg config.Config, log *logrus.Entry) (*rules.RuleSet, error) {
	if cfg.RulesFile != "" {
		reg := rules.NewRegistry("", "", log)
		return reg.LoadFile(cfg.Collection, cfg.RulesFile)
	}

	mappingFile := filepath.Join("rules", "mapping.json")
	reg := rules.NewRegistry(mappingFile, "rules", log)
	return reg.Load(cfg.Collection)
}

func openStores(ctx context.Context, cfg config.Config) (store.Source, store.Sink, func(), error) {
	if isMongoURI(cfg.SrcURI) {
		srcStore, err := mongo.Open(ctx, cfg.SrcURI, cfg.SrcDB, cfg.Collection)
		if err != nil {
			return nil, nil, func() {}, fmt.Errorf("connecting to source: %w", err)
		}

		dstStore := srcStore
		if cfg.DstURI != cfg.SrcURI || cfg.DstDB != cfg.SrcDB {
			dstStore, err = mongo.Open(ctx, cfg.DstURI, cfg.DstDB, cfg.Collection)
			if err != nil {
				srcStore.Close(ctx)
				return nil, nil, func() {}, fmt.Errorf("connecting to destination: %w", err)
			}
		}

		closeFn := func() {
			srcStore.Close(ctx)
			if dstStore != srcStore {
				dstStore.Close(ctx)
			}
		}
		return srcStore, dstStore, closeFn, nil
	}

	srcStore, err := couchdb.Open(ctx, cfg.SrcURI, cfg.SrcDB)
	if err != nil {
		return nil, nil, func() {}, fmt.Errorf("connecting to source: %w", err)
	}

	dstStore := srcStore
	if cfg.DstURI != cfg.SrcURI || cfg.DstDB != cfg.SrcDB {
		dstStore, err = couchdb.Open(ctx, cfg.DstURI, cfg.DstDB)
		if err != nil {
			srcStore.Close()
			return nil, nil, func() {}, fmt.Errorf("connecting to destination: %w", err)
		}
	}

	closeFn := func() {
		srcStore.Close()
		if dstStore != srcStore {
			dstStore.Close()
		}
	}
	return srcStore, dstStore, closeFn, nil
}

func isMongoURI(uri string) bool {
	return strings.HasPrefix(uri, "mongodb://") || strings.HasPrefix(uri, "mongodb+srv://")
}

func checkpointFilePath(cfg config.Config, runID string) string {
	dir := cfg.CheckpointPath
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "checkpoints.db")
}

func deadLetterFilePath(cfg config.Config, runID string) string {
	dir := cfg.CheckpointPath
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s.ndjson", cfg.Collection, runID))
}

func progressInterval(cfg config.Config) time.Duration {
	seconds := cfg.ProgressSeconds
	if seconds <= 0 {
		seconds = 5
	}
	return time.Duration(seconds) * time.Second
}

// notifyShutdown cancels ctx on SIGINT/SIGTERM so the scheduler drains to
// DONE instead of being killed mid-batch, mirroring the teacher's
// signal.Notify + context.WithTimeout graceful-shutdown sequence.
func notifyShutdown(ctx context.Context, cancel context.CancelFunc, log *logrus.Entry) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			log.Warn("received shutdown signal; draining in-flight batch")
			cancel()
		case <-ctx.Done():
		}
	}()
}

// publishProgress mirrors the aggregator's snapshot to the progress
// publisher on the same cadence as the log line, until stop is closed.
// Publish errors are discarded and never logged; a single failed publish
// is not worth surfacing per-tick.
func publishProgress(stop <-chan struct{}, ctx context.Context, pub *metrics.Publisher, agg *metrics.Aggregator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = pub.Publish(ctx, agg.Snapshot())
		}
	}
}

// logCoverage emits --dry-run's rule-coverage histogram as one log line per
// rule path, since a dry run never touches C7 and this is the only signal
// an operator gets about whether the rule file actually matches the data.
func logCoverage(log *logrus.Entry, coverage *metrics.CoverageReport) {
	for _, row := range coverage.Rows() {
		log.WithFields(logrus.Fields{
			"evt":       "coverage",
			"path":      row.Path,
			"evaluated": row.Evaluated,
			"changed":   row.Changed,
		}).Info("rule coverage")
	}
}
