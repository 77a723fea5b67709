package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/cutout/internal/batch"
	"github.com/andresmejia3/cutout/internal/config"
	"github.com/andresmejia3/cutout/internal/imagex"
	"github.com/andresmejia3/cutout/internal/resolve"
	"github.com/andresmejia3/cutout/internal/session"
	"github.com/andresmejia3/cutout/internal/utils"
	"github.com/andresmejia3/cutout/internal/worker"
)

// previewSuffix names single-image results; they are always PNG to keep transparency.
const previewSuffix = "_BgRemoved"

var previewOpts Options

var previewCmd = &cobra.Command{
	Use:   "preview <image>",
	Short: "Remove the background of one image and save it as <name>_BgRemoved.png",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := loadOptions(v, previewOpts)
		return runPreview(cmd.Context(), args[0], opts, workerFactory(opts.Settings))
	},
}

func init() {
	addTransformFlags(previewCmd.Flags())
	previewCmd.Flags().IntVar(&previewOpts.PreviewSize, "preview-size", 0, "Also write a copy scaled to this many pixels on its longest edge")

	rootCmd.AddCommand(previewCmd)
}

func runPreview(ctx context.Context, input string, opts Options, factory worker.Factory) error {
	opts.Workers = 1
	opts.Format = "png"
	if err := validateRemoveFlags(&opts); err != nil {
		utils.ShowError("Invalid arguments", err, nil)
		return err
	}
	if opts.PreviewSize < 0 {
		err := fmt.Errorf("preview-size must be >= 0, got %d", opts.PreviewSize)
		utils.ShowError("Invalid arguments", err, nil)
		return err
	}
	log := config.Logger

	inputs, dropped := resolve.Resolve([]string{input}, resolve.DefaultExtensions)
	if len(dropped) > 0 {
		utils.ShowError("Cannot read input", dropped[0], nil)
		return dropped[0]
	}
	if len(inputs) != 1 || utils.IsDir(input) {
		err := fmt.Errorf("%s is not a supported image file", input)
		utils.ShowError("Invalid input", err, nil)
		return err
	}

	items, err := resolve.WorkItems(inputs, opts.OutputDir, previewSuffix, opts.Format)
	if err != nil {
		return err
	}
	topts, _ := opts.TransformOptions()

	sessions := session.NewManager(factory, log)
	defer sessions.Close()

	fmt.Fprintf(os.Stderr, "⚙️  Loading model %s...\n", topts.ModelID)
	sess, err := sessions.Get(ctx, topts.ModelID)
	if err != nil {
		utils.ShowError("Failed to load model", err, nil)
		return err
	}

	engine := &batch.Engine{Concurrency: 1, Log: log}
	results, err := engine.Run(ctx, items, sess, topts, nil)
	if err != nil {
		return err
	}
	if res := results[0]; !res.Success {
		err := fmt.Errorf("%s: %s", res.InputPath, res.Error)
		utils.ShowError("Background removal failed", err, nil)
		return err
	}
	out := items[0].OutputPath
	fmt.Fprintf(os.Stderr, "💾 Saved %s\n", out)

	if opts.PreviewSize > 0 {
		path, err := writeScaledPreview(out, opts.PreviewSize)
		if err != nil {
			utils.ShowError("Failed to write scaled preview", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "🔍 Preview %s\n", path)
	}
	return nil
}

// writeScaledPreview stores <name>_preview.png next to result, no larger than maxSize.
func writeScaledPreview(result string, maxSize int) (string, error) {
	img, err := imagex.Open(result)
	if err != nil {
		return "", err
	}
	path := strings.TrimSuffix(result, filepath.Ext(result)) + "_preview.png"
	scaled := imagex.ResizeWithinMax(img, maxSize)
	err = utils.WriteFileAtomic(path, func(w io.Writer) error {
		return imagex.Encode(w, scaled, path)
	})
	return path, err
}
