package types

import (
	"errors"
	"fmt"
	"time"
)

// Defaults carried over from the rembg command line tool.
const (
	DefaultModel               = "u2net"
	DefaultSuffix              = "_nobg"
	DefaultForegroundThreshold = 240
	DefaultBackgroundThreshold = 10
	DefaultErodeSize           = 10
)

// Models lists the segmentation models the inference worker knows how to load.
var Models = []ModelInfo{
	{ID: "u2net", Description: "General purpose salient object segmentation"},
	{ID: "u2netp", Description: "Lightweight u2net, faster with slightly softer edges"},
	{ID: "u2net_human_seg", Description: "Tuned for human subjects"},
	{ID: "silueta", Description: "Compact u2net variant (43MB)"},
}

// ModelInfo describes one selectable model.
type ModelInfo struct {
	ID          string
	Description string
}

// KnownModel reports whether id is one of Models.
func KnownModel(id string) bool {
	for _, m := range Models {
		if m.ID == id {
			return true
		}
	}
	return false
}

// WorkItem maps one input image to the path its result is written to.
// Both paths are absolute and cleaned.
type WorkItem struct {
	InputPath  string
	OutputPath string
}

// TransformOptions is passed unchanged to every transform call of a batch.
type TransformOptions struct {
	ModelID             string `json:"model"`
	AlphaMatting        bool   `json:"alpha_matting"`
	ForegroundThreshold uint8  `json:"alpha_matting_foreground_threshold"`
	BackgroundThreshold uint8  `json:"alpha_matting_background_threshold"`
	ErodeSize           int    `json:"alpha_matting_erode_size"`
}

// DefaultTransformOptions returns the option set used when nothing is overridden.
func DefaultTransformOptions() TransformOptions {
	return TransformOptions{
		ModelID:             DefaultModel,
		ForegroundThreshold: DefaultForegroundThreshold,
		BackgroundThreshold: DefaultBackgroundThreshold,
		ErodeSize:           DefaultErodeSize,
	}
}

// Validate checks the ranges the inference worker relies on.
// Thresholds are uint8 so their 0-255 range is enforced by the type.
func (o TransformOptions) Validate() error {
	if o.ModelID == "" {
		return errors.New("model id must not be empty")
	}
	if o.ErodeSize < 0 {
		return fmt.Errorf("alpha matting erode size must be >= 0, got %d", o.ErodeSize)
	}
	return nil
}

// ItemResult is the outcome of one WorkItem. Exactly one of OutputPath and Error is set:
// the written file on success, the reason otherwise.
type ItemResult struct {
	InputPath  string        `json:"input"`
	Success    bool          `json:"success"`
	OutputPath string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// BatchSummary aggregates the ItemResults of one batch.
type BatchSummary struct {
	BatchID    string       `json:"batch_id"`
	Total      int          `json:"total"`
	Succeeded  int          `json:"succeeded"`
	Failed     int          `json:"failed"`
	Failures   []ItemResult `json:"failures"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}
