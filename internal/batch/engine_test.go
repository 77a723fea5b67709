package batch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/cutout/internal/imagex"
	"github.com/andresmejia3/cutout/internal/report"
	"github.com/andresmejia3/cutout/internal/resolve"
	"github.com/andresmejia3/cutout/internal/types"
)

// cutoutApplier makes the left half of every image transparent.
type cutoutApplier struct {
	calls atomic.Int32
	fail  map[string]bool // keyed by image width
}

func (a *cutoutApplier) Apply(_ context.Context, img image.Image, _ types.TransformOptions) (image.Image, error) {
	a.calls.Add(1)
	b := img.Bounds()
	if a.fail[fmt.Sprint(b.Dx())] {
		return nil, errors.New("inference failed")
	}
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			if x < b.Dx()/2 {
				c.A = 0
			}
			out.SetNRGBA(x, y, c)
		}
	}
	return out, nil
}

// gateApplier counts concurrent Apply calls.
type gateApplier struct {
	active    atomic.Int32
	maxActive atomic.Int32
	delay     time.Duration
}

func (g *gateApplier) Apply(_ context.Context, img image.Image, _ types.TransformOptions) (image.Image, error) {
	n := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		m := g.maxActive.Load()
		if n <= m || g.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(g.delay)
	return img, nil
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 7)
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// makeItems creates n small PNG inputs and maps them into outDir.
func makeItems(t *testing.T, n int, outDir string) []types.WorkItem {
	t.Helper()
	in := t.TempDir()
	items := make([]types.WorkItem, n)
	for i := range items {
		name := fmt.Sprintf("img%02d", i)
		path := filepath.Join(in, name+".png")
		writePNG(t, path, 8+i, 6)
		items[i] = types.WorkItem{InputPath: path, OutputPath: filepath.Join(outDir, name+"_nobg.png")}
	}
	return items
}

func newEngine(n int) *Engine {
	return &Engine{Concurrency: n, Log: zerolog.Nop()}
}

func TestResolveConcurrency(t *testing.T) {
	tests := []struct {
		name    string
		in      int
		want    int
		wantErr bool
	}{
		{name: "Explicit", in: 3, want: 3},
		{name: "Auto", in: 0, want: runtime.NumCPU()},
		{name: "Negative", in: -1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveConcurrency(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConcurrency)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRun_OneResultPerItemInSubmissionOrder(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "out")
	items := makeItems(t, 12, out)
	app := &cutoutApplier{fail: map[string]bool{"11": true, "15": true}} // items 3 and 7

	results, err := newEngine(4).Run(context.Background(), items, app, types.DefaultTransformOptions(), nil)
	require.NoError(t, err)
	require.Len(t, results, len(items))

	for i, res := range results {
		assert.Equal(t, items[i].InputPath, res.InputPath, "result %d out of order", i)
		if i == 3 || i == 7 {
			assert.False(t, res.Success)
			assert.Contains(t, res.Error, "inference failed")
			assert.Empty(t, res.OutputPath, "nothing was written")
			assert.NoFileExists(t, items[i].OutputPath)
			continue
		}
		assert.True(t, res.Success, res.Error)
		fi, err := os.Stat(res.OutputPath)
		require.NoError(t, err)
		assert.Positive(t, fi.Size())
	}
	assert.EqualValues(t, 12, app.calls.Load())

	// No temporary files left next to the outputs.
	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Len(t, entries, 10)
}

func TestRun_ScenarioOneCorruptInput(t *testing.T) {
	out := t.TempDir()
	items := makeItems(t, 5, out)
	corrupt := items[2].InputPath
	require.NoError(t, os.WriteFile(corrupt, []byte("definitely not a png"), 0o644))

	results, err := newEngine(2).Run(context.Background(), items, &cutoutApplier{}, types.DefaultTransformOptions(), nil)
	require.NoError(t, err)

	summary := report.Summarize(results)
	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 4, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, corrupt, summary.Failures[0].InputPath)
	assert.NotEmpty(t, summary.Failures[0].Error)
}

func TestRun_ConcurrencyBound(t *testing.T) {
	items := makeItems(t, 16, t.TempDir())
	gate := &gateApplier{delay: 10 * time.Millisecond}

	_, err := newEngine(3).Run(context.Background(), items, gate, types.DefaultTransformOptions(), nil)
	require.NoError(t, err)

	assert.LessOrEqual(t, gate.maxActive.Load(), int32(3))
	assert.GreaterOrEqual(t, gate.maxActive.Load(), int32(1))
}

func TestRun_ProgressIsMonotonicAndReachesTotalOnce(t *testing.T) {
	items := makeItems(t, 9, t.TempDir())

	var seen []int
	var totals []int
	progress := func(completed, total int) {
		seen = append(seen, completed)
		totals = append(totals, total)
	}

	_, err := newEngine(4).Run(context.Background(), items, &gateApplier{delay: time.Millisecond}, types.DefaultTransformOptions(), progress)
	require.NoError(t, err)

	require.Len(t, seen, 9)
	reachedTotal := 0
	for i, c := range seen {
		assert.Equal(t, i+1, c)
		assert.Equal(t, 9, totals[i])
		if c == 9 {
			reachedTotal++
		}
	}
	assert.Equal(t, 1, reachedTotal)
}

func TestRun_IdempotentOutput(t *testing.T) {
	out := t.TempDir()
	items := makeItems(t, 3, out)
	e := newEngine(2)

	_, err := e.Run(context.Background(), items, &cutoutApplier{}, types.DefaultTransformOptions(), nil)
	require.NoError(t, err)
	first, err := os.ReadFile(items[0].OutputPath)
	require.NoError(t, err)

	_, err = e.Run(context.Background(), items, &cutoutApplier{}, types.DefaultTransformOptions(), nil)
	require.NoError(t, err)
	second, err := os.ReadFile(items[0].OutputPath)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRun_WebPInputKeepsWebPOutput(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "photo.webp")
	src := image.NewNRGBA(image.Rect(0, 0, 6, 4))
	for i := range src.Pix {
		src.Pix[i] = 0xff
	}
	f, err := os.Create(in)
	require.NoError(t, err)
	require.NoError(t, imagex.Encode(f, src, in))
	require.NoError(t, f.Close())

	items, err := resolve.WorkItems([]string{in}, "", "_nobg", "")
	require.NoError(t, err)
	app := &cutoutApplier{}

	results, err := newEngine(1).Run(context.Background(), items, app, types.DefaultTransformOptions(), nil)
	require.NoError(t, err)

	require.True(t, results[0].Success, results[0].Error)
	assert.EqualValues(t, 1, app.calls.Load())
	assert.Equal(t, filepath.Join(dir, "photo_nobg.webp"), results[0].OutputPath)

	got, err := imagex.Open(results[0].OutputPath)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(6, 4), got.Bounds().Size())
	_, _, _, a := got.At(0, 0).RGBA()
	assert.Zero(t, a, "cut-out alpha must survive the WebP encode")
}

func TestRun_UnknownOutputFormatSkipsTransform(t *testing.T) {
	items := makeItems(t, 1, t.TempDir())
	items[0].OutputPath = filepath.Join(filepath.Dir(items[0].OutputPath), "x_nobg.gif")
	app := &cutoutApplier{}

	results, err := newEngine(1).Run(context.Background(), items, app, types.DefaultTransformOptions(), nil)
	require.NoError(t, err)

	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "--format png")
	assert.Empty(t, results[0].OutputPath)
	assert.Zero(t, app.calls.Load())
}

func TestRun_Preconditions(t *testing.T) {
	items := makeItems(t, 1, t.TempDir())

	_, err := newEngine(1).Run(context.Background(), items, nil, types.DefaultTransformOptions(), nil)
	assert.ErrorIs(t, err, ErrNoApplier)

	_, err = newEngine(-2).Run(context.Background(), items, &cutoutApplier{}, types.DefaultTransformOptions(), nil)
	assert.ErrorIs(t, err, ErrInvalidConcurrency)

	bad := types.DefaultTransformOptions()
	bad.ErodeSize = -1
	_, err = newEngine(1).Run(context.Background(), items, &cutoutApplier{}, bad, nil)
	assert.Error(t, err)

	results, err := newEngine(0).Run(context.Background(), nil, &cutoutApplier{}, types.DefaultTransformOptions(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

// blockingApplier holds every call until release is closed and records whether the
// context it was given had been cancelled.
type blockingApplier struct {
	started   chan struct{}
	release   chan struct{}
	once      sync.Once
	sawCancel atomic.Bool
}

func (b *blockingApplier) Apply(ctx context.Context, img image.Image, _ types.TransformOptions) (image.Image, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	if ctx.Err() != nil {
		b.sawCancel.Store(true)
	}
	return img, nil
}

func TestRun_CancelStopsSubmissionAndFinishesInflight(t *testing.T) {
	items := makeItems(t, 5, t.TempDir())
	app := &blockingApplier{started: make(chan struct{}), release: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())

	var progress []int
	type outcome struct {
		results []types.ItemResult
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := newEngine(1).Run(ctx, items, app, types.DefaultTransformOptions(), func(c, _ int) {
			progress = append(progress, c)
		})
		done <- outcome{res, err}
	}()

	<-app.started
	cancel()
	close(app.release)

	var got outcome
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	require.ErrorIs(t, got.err, ErrCancelled)
	assert.ErrorIs(t, got.err, context.Canceled)
	require.Len(t, got.results, 5)
	assert.False(t, app.sawCancel.Load(), "in-flight item must not see the cancellation")

	// The item in flight at cancel time completes; the second one may have been handed
	// over just before the feeder noticed; nothing after that is submitted.
	assert.True(t, got.results[0].Success)
	assert.FileExists(t, items[0].OutputPath)
	for i := 2; i < 5; i++ {
		assert.False(t, got.results[i].Success)
		assert.Equal(t, cancelledMessage, got.results[i].Error)
		assert.Empty(t, got.results[i].OutputPath)
		assert.NoFileExists(t, items[i].OutputPath)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, progress)
}

type countingRecorder struct {
	started, ok, failed atomic.Int32
}

func (r *countingRecorder) ItemStarted() { r.started.Add(1) }

func (r *countingRecorder) ItemDone(res types.ItemResult, _ time.Duration) {
	if res.Success {
		r.ok.Add(1)
	} else {
		r.failed.Add(1)
	}
}

func TestRun_Recorder(t *testing.T) {
	items := makeItems(t, 4, t.TempDir())
	rec := &countingRecorder{}
	e := newEngine(2)
	e.Recorder = rec

	_, err := e.Run(context.Background(), items, &cutoutApplier{fail: map[string]bool{"8": true}}, types.DefaultTransformOptions(), nil)
	require.NoError(t, err)

	assert.EqualValues(t, 4, rec.started.Load())
	assert.EqualValues(t, 3, rec.ok.Load())
	assert.EqualValues(t, 1, rec.failed.Load())
}
