package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/andresmejia3/cutout/internal/imagex"
	"github.com/andresmejia3/cutout/internal/types"
	"github.com/andresmejia3/cutout/internal/worker"
)

// ErrClosed is returned by Apply once the session has been retired.
var ErrClosed = errors.New("session closed")

// InitializationError means the model could not be loaded. No item of the batch can run.
type InitializationError struct {
	ModelID string
	Err     error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize model %q: %v", e.ModelID, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// TransformError is a failure for one specific image.
type TransformError struct {
	Stage string // "encode", "inference" or "decode"
	Err   error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// Session is one loaded model shared by every worker of a batch.
//
// Calls into a transformer that is not Reentrant are serialized, so the engine's
// concurrency then only overlaps file I/O and image decoding/encoding.
type Session struct {
	modelID   string
	t         worker.Transformer
	serialize bool

	callMu sync.Mutex // single-flight gate for non-reentrant transformers

	mu       sync.Mutex
	inflight int
	closing  bool
	drained  chan struct{}
	done     chan struct{}
	closeErr error
}

// New loads modelID through factory. It fails with *InitializationError.
func New(ctx context.Context, modelID string, factory worker.Factory) (*Session, error) {
	if modelID == "" {
		return nil, &InitializationError{ModelID: modelID, Err: errors.New("empty model id")}
	}
	if factory == nil {
		return nil, &InitializationError{ModelID: modelID, Err: errors.New("no transformer factory")}
	}
	t, err := factory(ctx, modelID)
	if err != nil {
		return nil, &InitializationError{ModelID: modelID, Err: err}
	}
	return Wrap(modelID, t), nil
}

// Wrap adopts an already initialized transformer.
func Wrap(modelID string, t worker.Transformer) *Session {
	serialize := true
	if r, ok := t.(worker.Reentrant); ok && r.Reentrant() {
		serialize = false
	}
	return &Session{
		modelID:   modelID,
		t:         t,
		serialize: serialize,
		drained:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ModelID returns the model the session was built for.
func (s *Session) ModelID() string { return s.modelID }

// Serialized reports whether transform calls go through the single-flight gate.
func (s *Session) Serialized() bool { return s.serialize }

// Apply removes the background of img. It never returns a partial image: either the full
// result or a *TransformError (or ErrClosed).
func (s *Session) Apply(ctx context.Context, img image.Image, opts types.TransformOptions) (image.Image, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.release()

	in, err := imagex.EncodePNG(img)
	if err != nil {
		return nil, &TransformError{Stage: "encode", Err: err}
	}

	out, err := s.transform(ctx, in, opts)
	if err != nil {
		return nil, &TransformError{Stage: "inference", Err: err}
	}

	result, err := imagex.Decode(out)
	if err != nil {
		return nil, &TransformError{Stage: "decode", Err: err}
	}
	return result, nil
}

func (s *Session) transform(ctx context.Context, in []byte, opts types.TransformOptions) ([]byte, error) {
	if s.serialize {
		s.callMu.Lock()
		defer s.callMu.Unlock()
	}
	return s.t.Transform(ctx, in, opts)
}

func (s *Session) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return ErrClosed
	}
	s.inflight++
	return nil
}

func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	if s.inflight == 0 && s.closing {
		close(s.drained)
	}
}

// Close stops accepting new calls, waits for outstanding ones and then shuts the
// transformer down. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		<-s.done
		return s.closeErr
	}
	s.closing = true
	if s.inflight == 0 {
		close(s.drained)
	}
	s.mu.Unlock()

	<-s.drained
	s.closeErr = s.t.Close()
	close(s.done)
	return s.closeErr
}
