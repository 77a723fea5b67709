package batch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/cutout/internal/imagex"
	"github.com/andresmejia3/cutout/internal/types"
	"github.com/andresmejia3/cutout/internal/utils"
)

var (
	// ErrInvalidConcurrency is returned for a negative worker count.
	ErrInvalidConcurrency = errors.New("concurrency must be >= 1, or 0 for auto")
	// ErrNoApplier is returned when Run is called without a transform.
	ErrNoApplier = errors.New("no transform session")
	// ErrCancelled wraps the context error when a batch stops early.
	ErrCancelled = errors.New("batch cancelled")
)

// cancelledMessage is recorded for items that were never submitted.
const cancelledMessage = "not processed: batch cancelled"

// WriteError is an output that could not be encoded or written.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Applier is the transform the engine runs on every image. *session.Session implements it.
type Applier interface {
	Apply(ctx context.Context, img image.Image, opts types.TransformOptions) (image.Image, error)
}

// Recorder observes per-item timings. *metrics.Batch implements it.
type Recorder interface {
	ItemStarted()
	ItemDone(res types.ItemResult, d time.Duration)
}

// ProgressFunc receives (completed, total) once per finished item, from a single goroutine.
type ProgressFunc func(completed, total int)

// Engine runs a batch of WorkItems through an Applier with a fixed pool of workers.
type Engine struct {
	// Concurrency is the number of workers; 0 means one per CPU.
	Concurrency int
	Log         zerolog.Logger
	// Recorder is optional.
	Recorder Recorder
}

// ResolveConcurrency turns the configured worker count into an effective one.
func ResolveConcurrency(n int) (int, error) {
	switch {
	case n < 0:
		return 0, fmt.Errorf("%w (got %d)", ErrInvalidConcurrency, n)
	case n == 0:
		return runtime.NumCPU(), nil
	default:
		return n, nil
	}
}

type job struct {
	index int
	item  types.WorkItem
}

type completion struct {
	index  int
	result types.ItemResult
}

// Run processes every item exactly once and returns one result per item, in the order
// of items. A failing item never stops the batch.
//
// When ctx is cancelled no further items are submitted. Items already picked up by a
// worker finish normally so no output is left half written; the rest are reported as
// failed. Run then returns all results together with an error wrapping ErrCancelled.
func (e *Engine) Run(ctx context.Context, items []types.WorkItem, applier Applier, opts types.TransformOptions, onProgress ProgressFunc) ([]types.ItemResult, error) {
	if applier == nil {
		return nil, ErrNoApplier
	}
	workers, err := ResolveConcurrency(e.Concurrency)
	if err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transform options: %w", err)
	}

	total := len(items)
	results := make([]types.ItemResult, total)
	if total == 0 {
		return results, nil
	}
	workers = min(workers, total)

	e.Log.Debug().Int("items", total).Int("workers", workers).Str("model", opts.ModelID).Msg("batch started")

	jobs := make(chan job)
	done := make(chan completion, workers)

	// Single consumer: owns results and the progress counter.
	var completed atomic.Int64
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for c := range done {
			results[c.index] = c.result
			n := completed.Add(1)
			if onProgress != nil {
				onProgress(int(n), total)
			}
		}
	}()

	// In-flight items must not observe the caller's cancellation.
	workCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(workers)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for j := range jobs {
				done <- completion{index: j.index, result: e.process(workCtx, w, j.item, applier, opts)}
			}
			return nil
		})
	}

	submitted := 0
feed:
	for i, item := range items {
		// Check first so a cancelled batch never races a ready worker.
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break feed
		case jobs <- job{index: i, item: item}:
			submitted++
		}
	}
	close(jobs)
	_ = g.Wait()

	for i := submitted; i < total; i++ {
		done <- completion{index: i, result: types.ItemResult{
			InputPath: items[i].InputPath,
			Error:     cancelledMessage,
		}}
	}
	close(done)
	<-collected

	if submitted < total {
		e.Log.Warn().Int("submitted", submitted).Int("skipped", total-submitted).Msg("batch cancelled")
		return results, fmt.Errorf("%w after %d of %d items: %w", ErrCancelled, submitted, total, context.Cause(ctx))
	}
	e.Log.Debug().Int("items", total).Msg("batch finished")
	return results, nil
}

// process runs one item: read, transform, write.
func (e *Engine) process(ctx context.Context, workerID int, item types.WorkItem, applier Applier, opts types.TransformOptions) types.ItemResult {
	start := time.Now()
	if e.Recorder != nil {
		e.Recorder.ItemStarted()
	}

	res := types.ItemResult{InputPath: item.InputPath}
	err := e.transformFile(ctx, item, applier, opts)
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		e.Log.Debug().Err(err).Int("worker", workerID).Str("input", item.InputPath).Msg("item failed")
	} else {
		res.Success = true
		res.OutputPath = item.OutputPath
		e.Log.Debug().Int("worker", workerID).Str("output", item.OutputPath).Dur("took", res.Duration).Msg("item done")
	}

	if e.Recorder != nil {
		e.Recorder.ItemDone(res, res.Duration)
	}
	return res
}

func (e *Engine) transformFile(ctx context.Context, item types.WorkItem, applier Applier, opts types.TransformOptions) error {
	// Fail before the expensive transform if the result cannot be stored anyway.
	if err := imagex.CheckFormat(item.OutputPath); err != nil {
		return &WriteError{Path: item.OutputPath, Err: err}
	}

	img, err := imagex.Open(item.InputPath)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	out, err := applier.Apply(ctx, img, opts)
	if err != nil {
		return err
	}
	if out == nil {
		return errors.New("transform returned no image")
	}

	err = utils.WriteFileAtomic(item.OutputPath, func(w io.Writer) error {
		return imagex.Encode(w, out, item.OutputPath)
	})
	if err != nil {
		return &WriteError{Path: item.OutputPath, Err: err}
	}
	return nil
}
