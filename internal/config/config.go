package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/andresmejia3/cutout/internal/types"
)

// EnvPrefix is prepended to every environment override, e.g. CUTOUT_WORKERS=4.
const EnvPrefix = "CUTOUT"

// Keys shared by the config file, environment and command line flags.
const (
	KeyModel         = "model"
	KeyWorkers       = "workers"
	KeySuffix        = "suffix"
	KeyOutputDir     = "output-dir"
	KeyFormat        = "format"
	KeyAlphaMatting  = "alpha-matting"
	KeyFgThreshold   = "fg-threshold"
	KeyBgThreshold   = "bg-threshold"
	KeyErodeSize     = "erode-size"
	KeyWorkerTimeout = "worker-timeout"
	KeyPython        = "python"
	KeyWorkerScript  = "worker-script"
	KeyLogLevel      = "log-level"
)

// Settings is the merged configuration: flag > env > file > default.
type Settings struct {
	Model         string
	Workers       int
	Suffix        string
	OutputDir     string
	Format        string
	AlphaMatting  bool
	FgThreshold   int
	BgThreshold   int
	ErodeSize     int
	WorkerTimeout time.Duration
	Python        string
	WorkerScript  string
	LogLevel      string
}

// New returns a viper instance looking for cutout.yaml in the working directory and
// in $HOME/.config/cutout, with CUTOUT_* environment overrides.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("cutout")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/cutout")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyModel, types.DefaultModel)
	v.SetDefault(KeyWorkers, 0)
	v.SetDefault(KeySuffix, types.DefaultSuffix)
	v.SetDefault(KeyOutputDir, "")
	v.SetDefault(KeyFormat, "")
	v.SetDefault(KeyAlphaMatting, false)
	v.SetDefault(KeyFgThreshold, types.DefaultForegroundThreshold)
	v.SetDefault(KeyBgThreshold, types.DefaultBackgroundThreshold)
	v.SetDefault(KeyErodeSize, types.DefaultErodeSize)
	v.SetDefault(KeyWorkerTimeout, "0s")
	v.SetDefault(KeyPython, "python3")
	v.SetDefault(KeyWorkerScript, "python/rembg_worker.py")
	v.SetDefault(KeyLogLevel, "info")
	return v
}

// Read loads the config file. An explicit file must exist; when file is empty a missing
// cutout.yaml is not an error. It returns the path that was used, if any.
func Read(v *viper.Viper, file string) (string, error) {
	if file != "" {
		v.SetConfigFile(file)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file == "" && errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}
	return v.ConfigFileUsed(), nil
}

// Load snapshots v into Settings.
func Load(v *viper.Viper) Settings {
	return Settings{
		Model:         v.GetString(KeyModel),
		Workers:       v.GetInt(KeyWorkers),
		Suffix:        v.GetString(KeySuffix),
		OutputDir:     v.GetString(KeyOutputDir),
		Format:        v.GetString(KeyFormat),
		AlphaMatting:  v.GetBool(KeyAlphaMatting),
		FgThreshold:   v.GetInt(KeyFgThreshold),
		BgThreshold:   v.GetInt(KeyBgThreshold),
		ErodeSize:     v.GetInt(KeyErodeSize),
		WorkerTimeout: v.GetDuration(KeyWorkerTimeout),
		Python:        v.GetString(KeyPython),
		WorkerScript:  v.GetString(KeyWorkerScript),
		LogLevel:      v.GetString(KeyLogLevel),
	}
}

// TransformOptions validates the alpha matting ranges and builds the per-batch options.
func (s Settings) TransformOptions() (types.TransformOptions, error) {
	if err := checkByte("fg-threshold", s.FgThreshold); err != nil {
		return types.TransformOptions{}, err
	}
	if err := checkByte("bg-threshold", s.BgThreshold); err != nil {
		return types.TransformOptions{}, err
	}
	opts := types.TransformOptions{
		ModelID:             s.Model,
		AlphaMatting:        s.AlphaMatting,
		ForegroundThreshold: uint8(s.FgThreshold),
		BackgroundThreshold: uint8(s.BgThreshold),
		ErodeSize:           s.ErodeSize,
	}
	return opts, opts.Validate()
}

func checkByte(name string, v int) error {
	if v < 0 || v > 255 {
		return fmt.Errorf("%s must be between 0 and 255, got %d", name, v)
	}
	return nil
}
