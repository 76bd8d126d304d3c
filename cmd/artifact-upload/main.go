package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	uploadanalytics "github.com/bitrise-io/go-artifactupload/analytics"
	"github.com/bitrise-io/go-artifactupload/artifact"
	"github.com/bitrise-io/go-artifactupload/stepconf"
	"github.com/bitrise-io/go-artifactupload/upload"
	"github.com/bitrise-io/go-artifactupload/upload/network"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

var errUploadsFailed = errors.New("some artifacts failed to upload")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	tenantID  int64
	deviceID  int64
	statePath string
	verbose   bool
	progress  bool
}

func newRootCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "artifact-upload [flags] <path or pattern>...",
		Short: "Upload recorded media files through resumable upload sessions",
		Long: `Uploads every matching file to "{tenant}/{device}/{file name}" in the artifacts bucket.
Interrupted uploads resume from the last confirmed offset when the same state file is used again.
Connection settings are read from ARTIFACT_UPLOAD_* environment variables.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return run(ctx, opts, args, env.NewRepository(), log.NewLogger())
		},
	}

	cmd.Flags().Int64Var(&opts.tenantID, "tenant", 0, "Tenant (user) ID owning the artifacts")
	cmd.Flags().Int64Var(&opts.deviceID, "device", 0, "Device ID that recorded the artifacts")
	cmd.Flags().StringVar(&opts.statePath, "state", "", "JSON file keeping artifact records between runs")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logs")
	cmd.Flags().BoolVar(&opts.progress, "progress", true, "Print progress after every chunk")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("device")

	return cmd
}

func run(ctx context.Context, opts options, patterns []string, envRepo env.Repository, logger log.Logger) error {
	inputs, err := parseInputs(stepconf.NewInputParser(envRepo))
	if err != nil {
		return err
	}
	logger.EnableDebugLog(opts.verbose || inputs.Verbose)
	stepconf.Print(inputs)
	logger.Println()

	config := inputs.uploadConfig()

	paths := newPathCollector(pathutil.NewPathModifier(), pathutil.NewPathChecker(), logger).evaluatePaths(patterns)
	if len(paths) == 0 {
		return fmt.Errorf("no artifact found for %v", patterns)
	}

	records, err := loadState(opts.statePath)
	if err != nil {
		return err
	}
	selected, all := mergeArtifacts(records, paths, opts.tenantID, opts.deviceID, config.Bucket, time.Now())

	transport := network.NewTransport(network.TransportParams{
		AccessToken:  config.AccessToken,
		APIKey:       config.APIKey,
		QueryRetries: config.QueryRetries,
		HTTPClient:   config.HTTPClient,
	}, logger)
	defer transport.CloseIdleConnections()

	var verifier upload.Verifier
	if params, ok := inputs.verifyParams(config.Bucket); ok {
		s3Verifier, err := network.NewS3Verifier(ctx, params, logger)
		if err != nil {
			return fmt.Errorf("failed to create verifier: %w", err)
		}
		verifier = s3Verifier
	}

	var tracker analytics.Tracker
	if inputs.Analytics {
		tracker = uploadanalytics.NewDefaultUploadTracker(envRepo, logger)
	}

	controller := upload.NewController(config, network.NewSessionClient(transport, logger), verifier, logger)
	supervisor := upload.NewSupervisor(controller, config.Concurrency, tracker, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Infof("Uploading %d artifact(s)...", len(selected))
	tasks := make([]*upload.Task, len(selected))
	for i, art := range selected {
		tasks[i] = supervisor.Submit(ctx, art, upload.ScopeFor(opts.tenantID, art))
		if opts.progress {
			go printProgress(tasks[i], logger)
		}
	}

	stopSignals := handleInterrupts(tasks, cancel, logger)
	defer stopSignals()

	var updated []artifact.Artifact
	var failed int
	for _, task := range tasks {
		res, err := task.Wait(context.Background())
		updated = append(updated, res.Artifact)
		switch {
		case err != nil:
			failed++
			logger.Errorf("%s", err)
		case res.Cancelled:
			logger.Warnf("%s: cancelled at %s", task.Artifact.FilePath, units.BytesSize(float64(res.Offset)))
		case res.RemotePath != "" && res.Duration > 0:
			logger.Donef("%s -> %s (%s in %s)", task.Artifact.FilePath, res.RemotePath,
				units.BytesSize(float64(res.FileSize)), res.Duration.Round(time.Millisecond))
		default:
			logger.Donef("%s is already uploaded", res.RemotePath)
		}
	}
	supervisor.Wait()

	stats := controller.Stats()
	if stats.FinishedCount() > 0 {
		logger.Debugf("Chunks: %d, average duration: %s, throughput: %s/s", stats.FinishedCount(),
			stats.Average().Round(time.Millisecond), units.BytesSize(stats.BytesPerSecond()))
	}

	if err := saveState(opts.statePath, updateRecords(all, updated)); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", errUploadsFailed, failed, len(tasks))
	}
	return nil
}

func printProgress(task *upload.Task, logger log.Logger) {
	for p := range task.Updates() {
		logger.Printf("%s: %s / %s (%.1f%%)", p.FileName,
			units.BytesSize(float64(p.BytesUploaded)), units.BytesSize(float64(p.TotalBytes)), p.Percent())
	}
}

// handleInterrupts cancels every task at its next chunk boundary on the first interrupt
// and aborts in-flight requests on the second.
func handleInterrupts(tasks []*upload.Task, abort context.CancelFunc, logger log.Logger) func() {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case <-signals:
		case <-done:
			return
		}
		logger.Warnf("Interrupted, stopping after the current chunks (interrupt again to abort)")
		for _, task := range tasks {
			task.Cancel()
		}

		select {
		case <-signals:
			logger.Warnf("Aborting")
			abort()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(signals)
		close(done)
	}
}
