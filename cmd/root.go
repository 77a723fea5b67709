package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/andresmejia3/cutout/internal/config"
	"github.com/andresmejia3/cutout/internal/types"
	"github.com/andresmejia3/cutout/internal/worker"
)

// Options holds the configuration for the remove and preview commands.
type Options struct {
	config.Settings

	ReportPath  string
	MetricsFile string
	PreviewSize int
}

var (
	// v merges cutout.yaml, CUTOUT_* variables and command line flags.
	v = config.New()
	// cfgFile is an explicit config path given with --config.
	cfgFile string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:          "cutout",
	Short:        "Batch image background removal",
	Version:      Version, // This enables the --version flag
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Flags win over env and file, but only once the user actually set them.
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		used, err := config.Read(v, cfgFile)
		if err != nil {
			return err
		}
		log := config.InitLogger(os.Stderr, v.GetString(config.KeyLogLevel))
		if used != "" {
			log.Debug().Str("file", used).Msg("config loaded")
		}
		return nil
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// First Ctrl+C stops submitting new images; a second one falls through to the default
	// handler and kills the process.
	go func() {
		<-ctx.Done()
		stop()
	}()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./cutout.yaml or $HOME/.config/cutout/cutout.yaml)")
	rootCmd.PersistentFlags().String(config.KeyLogLevel, "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String(config.KeyPython, "python3", "Python interpreter with rembg installed")
	rootCmd.PersistentFlags().String(config.KeyWorkerScript, "python/rembg_worker.py", "Path to the rembg worker script")
}

// addTransformFlags registers the flags shared by every command that runs the model.
func addTransformFlags(f *pflag.FlagSet) {
	f.StringP(config.KeyOutputDir, "o", "", "Directory for results (default: next to each input)")
	f.StringP(config.KeyModel, "m", types.DefaultModel, "Segmentation model (see 'cutout models')")
	f.BoolP(config.KeyAlphaMatting, "a", false, "Refine edges with alpha matting")
	f.Int(config.KeyFgThreshold, types.DefaultForegroundThreshold, "Alpha matting foreground threshold (0-255)")
	f.Int(config.KeyBgThreshold, types.DefaultBackgroundThreshold, "Alpha matting background threshold (0-255)")
	f.Int(config.KeyErodeSize, types.DefaultErodeSize, "Alpha matting erode size")
	f.Duration(config.KeyWorkerTimeout, 0, "Per-image inference timeout, e.g. '2m' (0 = wait forever)")
}

// loadOptions snapshots the merged configuration for one command run.
func loadOptions(vp *viper.Viper, extra Options) Options {
	extra.Settings = config.Load(vp)
	return extra
}

// workerFactory launches the rembg process described by s.
func workerFactory(s config.Settings) worker.Factory {
	return worker.NewFactory(worker.Config{
		Python:      s.Python,
		Script:      s.WorkerScript,
		ReadTimeout: s.WorkerTimeout,
	})
}
