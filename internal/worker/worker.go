package worker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/cutout/internal/types"
	"github.com/andresmejia3/cutout/internal/utils" // Using the SafeCommand wrapper
)

// Transformer is the external background-removal capability: PNG in, PNG (with alpha) out.
type Transformer interface {
	Transform(ctx context.Context, img []byte, opts types.TransformOptions) ([]byte, error)
	Close() error
}

// Reentrant is implemented by transformers that accept concurrent Transform calls.
// Transformers without it are assumed to hold mutable per-call state.
type Reentrant interface {
	Reentrant() bool
}

// Factory builds a Transformer with modelID loaded.
type Factory func(ctx context.Context, modelID string) (Transformer, error)

const (
	statusOK  byte = 0
	statusErr byte = 1

	// maxFrame guards against reading garbage lengths from a confused child.
	maxFrame = 512 * 1024 * 1024
)

var (
	// ErrWorkerBroken is returned once the worker process died or desynced.
	ErrWorkerBroken = errors.New("python worker is no longer usable")
	// ErrTimeout is returned when the worker does not answer within ReadTimeout.
	ErrTimeout = errors.New("python worker timed out")
)

// RemoteError is an error reported by the Python side for one request.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "python worker error: " + e.Msg }

// Config controls how the inference process is launched.
type Config struct {
	Python         string        // interpreter, e.g. "python3"
	Script         string        // path to rembg_worker.py
	ModelID        string        // rembg model to load at startup
	ReadTimeout    time.Duration // per request; 0 waits forever
	StartupTimeout time.Duration // model load; 0 waits forever
}

// PythonWorker owns one rembg process. The model is loaded once at startup and reused for
// every request. One pipe pair means one request at a time: it is not reentrant.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	readTimeout time.Duration

	mu     sync.Mutex
	broken bool
	closed bool
}

// NewFactory returns a Factory launching Python workers with cfg.
func NewFactory(cfg Config) Factory {
	var seq int
	var mu sync.Mutex
	return func(ctx context.Context, modelID string) (Transformer, error) {
		mu.Lock()
		seq++
		id := seq
		mu.Unlock()

		c := cfg
		c.ModelID = modelID
		return NewPythonWorker(ctx, id, c)
	}
}

// NewPythonWorker starts the process and waits for the model-loaded handshake.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Script == "" {
		return nil, errors.New("python worker script path is empty")
	}
	if _, err := os.Stat(cfg.Script); err != nil {
		return nil, fmt.Errorf("python worker script: %w", err)
	}

	// The process outlives the caller's cancellation: an interrupted batch still lets
	// in-flight images finish. Close() is what stops it.
	py := utils.NewSafeCommand(context.WithoutCancel(ctx), cfg.Python, "-u", cfg.Script, "--model", cfg.ModelID)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	pw := &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		readTimeout: cfg.ReadTimeout,
	}

	// Handshake: the first frame says whether the model loaded.
	if _, err := pw.readFrame(ctx, cfg.StartupTimeout); err != nil {
		pw.kill()
		_ = pw.Close()
		if logs := py.Logs(); logs != "" {
			return nil, fmt.Errorf("worker %d failed to load model %q: %w\n%s", id, cfg.ModelID, err, logs)
		}
		return nil, fmt.Errorf("worker %d failed to load model %q: %w", id, cfg.ModelID, err)
	}
	return pw, nil
}

// Transform sends one PNG with its options and returns the PNG produced by rembg.
//
// Protocol: [Len][HeaderLen][Header JSON][Image]. The reply on FD 3 is
// [Len][Status:0][Image] or [Len][Status:1][MsgLen][Msg].
func (w *PythonWorker) Transform(ctx context.Context, img []byte, opts types.TransformOptions) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.broken {
		return nil, ErrWorkerBroken
	}

	header, err := json.Marshal(opts)
	if err != nil {
		return nil, err
	}

	if err := w.writeRequest(header, img); err != nil {
		w.broken = true
		return nil, fmt.Errorf("send to worker %d: %w", w.ID, err)
	}

	resp, err := w.readFrame(ctx, w.readTimeout)
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) {
			// The worker answered; the pipe is still in sync.
			return nil, err
		}
		w.broken = true
		if errors.Is(err, ErrTimeout) {
			// A late reply would desync the stream; the process has to go.
			w.kill()
		}
		return nil, err
	}
	if len(resp) == 0 {
		return nil, &RemoteError{Msg: "empty image returned"}
	}
	return resp, nil
}

func (w *PythonWorker) writeRequest(header, img []byte) error {
	total := 4 + len(header) + len(img)
	buf := make([]byte, 0, 8+len(header))
	buf = binary.BigEndian.AppendUint32(buf, uint32(total))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(header)))
	buf = append(buf, header...)

	if _, err := w.Stdin.Write(buf); err != nil {
		return err
	}
	_, err := w.Stdin.Write(img)
	return err
}

// readFrame reads one response frame, honouring timeout and ctx. A status-1 frame is
// returned as *RemoteError.
func (w *PythonWorker) readFrame(ctx context.Context, timeout time.Duration) ([]byte, error) {
	type frame struct {
		body []byte
		err  error
	}
	done := make(chan frame, 1)
	go func() {
		body, err := readFrameBody(w.DataPipe)
		done <- frame{body, err}
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	var f frame
	select {
	case f = <-done:
	case <-timer:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err // This is where we catch the "ModuleNotFoundError" crash
	}
	return parsePayload(f.body)
}

func readFrameBody(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n == 0 || n > maxFrame {
		return nil, fmt.Errorf("invalid frame length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func parsePayload(body []byte) ([]byte, error) {
	switch body[0] {
	case statusOK:
		return body[1:], nil
	case statusErr:
		if len(body) < 5 {
			return nil, &RemoteError{Msg: "truncated error message"}
		}
		msgLen := binary.BigEndian.Uint32(body[1:5])
		if int(msgLen) > len(body)-5 {
			return nil, &RemoteError{Msg: "truncated error message"}
		}
		return nil, &RemoteError{Msg: string(body[5 : 5+msgLen])}
	default:
		return nil, fmt.Errorf("unknown status byte %d", body[0])
	}
}

// Close asks the worker to exit by closing its stdin, then reaps it.
func (w *PythonWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}

// Logs returns the worker's captured stderr.
func (w *PythonWorker) Logs() string {
	return w.Cmd.Logs()
}

func (w *PythonWorker) kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		_ = w.Cmd.Process.Kill()
	}
}
