package session

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/andresmejia3/cutout/internal/worker"
)

// Manager keeps at most one live Session. Asking for a different model retires the
// current one; it closes in the background once its last outstanding call returns.
type Manager struct {
	factory worker.Factory
	log     zerolog.Logger

	mu       sync.Mutex // serializes model construction
	cache    *lru.Cache[string, *Session]
	retiring sync.WaitGroup
}

// NewManager returns a Manager building sessions with factory.
func NewManager(factory worker.Factory, log zerolog.Logger) *Manager {
	m := &Manager{factory: factory, log: log}
	// Size 1: a model switch evicts the previous session.
	cache, _ := lru.NewWithEvict[string, *Session](1, m.retire)
	m.cache = cache
	return m
}

// Get returns the live session for modelID, loading the model on first use.
// If loading fails the previous session, if any, stays live.
func (m *Manager) Get(ctx context.Context, modelID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.cache.Get(modelID); ok {
		return s, nil
	}

	m.log.Info().Str("model", modelID).Msg("loading model")
	s, err := New(ctx, modelID, m.factory)
	if err != nil {
		return nil, err
	}
	m.cache.Add(modelID, s)
	m.log.Debug().Str("model", modelID).Bool("serialized", s.Serialized()).Msg("model ready")
	return s, nil
}

// Close retires the live session and waits for every retired session to shut down.
func (m *Manager) Close() {
	m.mu.Lock()
	m.cache.Purge()
	m.mu.Unlock()
	m.retiring.Wait()
}

// retire is the eviction callback. Draining may take as long as the slowest in-flight
// image, so the close runs on its own goroutine and Get never waits for it.
func (m *Manager) retire(modelID string, s *Session) {
	m.retiring.Add(1)
	go func() {
		defer m.retiring.Done()
		if err := s.Close(); err != nil {
			m.log.Warn().Err(err).Str("model", modelID).Msg("closing model session")
			return
		}
		m.log.Debug().Str("model", modelID).Msg("model session closed")
	}()
}
