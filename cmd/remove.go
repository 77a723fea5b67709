package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/cutout/internal/batch"
	"github.com/andresmejia3/cutout/internal/config"
	"github.com/andresmejia3/cutout/internal/imagex"
	"github.com/andresmejia3/cutout/internal/metrics"
	"github.com/andresmejia3/cutout/internal/report"
	"github.com/andresmejia3/cutout/internal/resolve"
	"github.com/andresmejia3/cutout/internal/session"
	"github.com/andresmejia3/cutout/internal/types"
	"github.com/andresmejia3/cutout/internal/utils"
	"github.com/andresmejia3/cutout/internal/worker"
)

var removeOpts Options

var removeCmd = &cobra.Command{
	Use:   "remove <file|dir>...",
	Short: "Remove the background of every image in the given files and directories",
	Long: `Remove the background of every image in the given files and directories.

Directories are searched recursively for .jpg, .jpeg, .png, .bmp, .tiff and .webp files.
Each result is written as <name><suffix><ext> next to its input, or under --output-dir.
Ctrl+C stops handing out new images; the ones already being processed are finished.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := loadOptions(v, removeOpts)
		return runRemove(cmd.Context(), args, opts, workerFactory(opts.Settings))
	},
}

func init() {
	f := removeCmd.Flags()
	addTransformFlags(f)
	f.StringP(config.KeySuffix, "s", types.DefaultSuffix, "Appended to the file name of each result")
	f.IntP(config.KeyWorkers, "w", 0, "Images processed in parallel (0 = one per CPU)")
	f.StringP(config.KeyFormat, "f", "", "Force output format: png, jpg, bmp, tiff or webp (default: same as input)")
	f.StringVar(&removeOpts.ReportPath, "report", "", "Write a JSON summary of the batch to this file")
	f.StringVar(&removeOpts.MetricsFile, "metrics-file", "", "Write Prometheus textfile metrics to this file")

	rootCmd.AddCommand(removeCmd)
}

// runRemove resolves the inputs, runs the batch and prints the summary. It returns an
// error if the batch could not start, was cancelled or had failed items.
func runRemove(ctx context.Context, args []string, opts Options, factory worker.Factory) error {
	if err := validateRemoveFlags(&opts); err != nil {
		utils.ShowError("Invalid arguments", err, nil)
		return err
	}
	log := config.Logger

	// 1. Discover inputs. Unreadable or missing paths are reported, not fatal.
	inputs, dropped := resolve.Resolve(args, resolve.DefaultExtensions)
	for _, err := range dropped {
		log.Warn().Err(err).Msg("skipping input")
	}
	if len(inputs) == 0 {
		fmt.Fprintln(os.Stderr, "No images found.")
		return nil
	}

	items, err := resolve.WorkItems(inputs, opts.OutputDir, opts.Suffix, opts.Format)
	if err != nil {
		utils.ShowError("Output paths collide", err, nil)
		return err
	}
	if opts.OutputDir != "" {
		if err := utils.EnsureDir(opts.OutputDir); err != nil {
			utils.ShowError("Failed to create output directory", err, nil)
			return err
		}
	}

	topts, _ := opts.TransformOptions() // checked by validateRemoveFlags
	workers, _ := batch.ResolveConcurrency(opts.Workers)

	fmt.Fprintf(os.Stderr, "🖼️  Found %d images\n", len(items))
	fmt.Fprintf(os.Stderr, "⚙️  Loading model %s...\n", topts.ModelID)

	// 2. Load the model once for the whole batch.
	sessions := session.NewManager(factory, log)
	defer sessions.Close()

	sess, err := sessions.Get(ctx, topts.ModelID)
	if err != nil {
		utils.ShowError("Failed to load model", err, nil)
		return err
	}
	if sess.Serialized() && workers > 1 {
		log.Debug().Int("workers", workers).Msg("model calls are serialized; workers overlap file I/O only")
	}

	// 3. Run
	rec := metrics.New()
	engine := &batch.Engine{Concurrency: workers, Log: log, Recorder: rec}
	progress := newProgress(len(items), log)

	started := time.Now()
	results, runErr := engine.Run(ctx, items, sess, topts, progress.Update)
	progress.Finish()

	// 4. Report
	summary := report.Summarize(results)
	summary.BatchID = report.NewBatchID()
	summary.StartedAt = started
	summary.FinishedAt = time.Now()
	report.Print(os.Stderr, summary)

	if opts.ReportPath != "" {
		if err := report.WriteJSON(opts.ReportPath, summary); err != nil {
			log.Error().Err(err).Msg("report not written")
		} else {
			fmt.Fprintf(os.Stderr, "📝 Report written to %s\n", opts.ReportPath)
		}
	}
	if opts.MetricsFile != "" {
		if err := rec.WriteTextfile(opts.MetricsFile); err != nil {
			log.Error().Err(err).Msg("metrics not written")
		}
	}

	if runErr != nil {
		if errors.Is(runErr, batch.ErrCancelled) {
			fmt.Fprintf(os.Stderr, "🛑 Interrupted. Finished images were kept; the rest were not started.\n")
		}
		return runErr
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d images failed", summary.Failed, summary.Total)
	}
	fmt.Fprintf(os.Stderr, "🏁 Done. %d images processed.\n", summary.Succeeded)
	return nil
}

// validateRemoveFlags ensures all CLI arguments are valid before starting the worker.
func validateRemoveFlags(opts *Options) error {
	if !types.KnownModel(opts.Model) {
		return fmt.Errorf("unknown model %q (see 'cutout models')", opts.Model)
	}
	if opts.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", opts.Workers)
	}
	if opts.WorkerTimeout < 0 {
		return fmt.Errorf("worker-timeout must not be negative, got %s", opts.WorkerTimeout)
	}

	format, err := normalizeFormat(opts.Format)
	if err != nil {
		return err
	}
	opts.Format = format

	if _, err := opts.TransformOptions(); err != nil {
		return err
	}
	if opts.OutputDir != "" {
		if info, err := os.Stat(opts.OutputDir); err == nil && !info.IsDir() {
			return fmt.Errorf("output-dir %s exists and is not a directory", opts.OutputDir)
		}
	}
	return nil
}

// normalizeFormat accepts "PNG", ".png" or "png" and rejects formats without an encoder.
func normalizeFormat(format string) (string, error) {
	format = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
	if format == "" {
		return "", nil
	}
	if err := imagex.CheckFormat("x." + format); err != nil {
		return "", err
	}
	return format, nil
}
