// Package session keeps one conversation store per owner and wraps the
// store's ports with metrics and lifecycle events.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MikeSquared-Agency/parley/internal/conversation"
	"github.com/MikeSquared-Agency/parley/internal/metrics"
)

// Publisher sends an event payload on a subject. *hermes.Client satisfies it.
type Publisher interface {
	Publish(subject string, data any) error
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithPublisher enables lifecycle events.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithNames sets the provider and backend labels used in metrics and events.
func WithNames(provider, backend string) Option {
	return func(m *Manager) {
		m.provider = provider
		m.backend = backend
	}
}

type Manager struct {
	llm       conversation.CompletionStream
	persist   conversation.Persistence
	publisher Publisher
	logger    *slog.Logger
	provider  string
	backend   string
	now       func() time.Time

	mu     sync.RWMutex
	stores map[string]*entry
	group  singleflight.Group
}

type entry struct {
	store    *conversation.Store
	lastUsed time.Time
}

func NewManager(llm conversation.CompletionStream, persist conversation.Persistence, opts ...Option) *Manager {
	m := &Manager{
		llm:      llm,
		persist:  persist,
		logger:   slog.Default(),
		provider: "unknown",
		backend:  "unknown",
		now:      time.Now,
		stores:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the owner's store, hydrating it from persistence on first use.
// Concurrent first calls for one owner share a single hydration. A failed
// hydration is not cached.
func (m *Manager) Get(ctx context.Context, owner string) (*conversation.Store, error) {
	if st, ok := m.touch(owner); ok {
		return st, nil
	}

	v, err, _ := m.group.Do(owner, func() (any, error) {
		if st, ok := m.touch(owner); ok {
			return st, nil
		}

		st := m.newStore(owner)
		if err := st.Hydrate(context.WithoutCancel(ctx)); err != nil {
			return nil, fmt.Errorf("hydrate %s: %w", owner, err)
		}

		m.mu.Lock()
		m.stores[owner] = &entry{store: st, lastUsed: m.now()}
		metrics.ActiveOwners.Set(float64(len(m.stores)))
		m.mu.Unlock()

		m.logger.Info("owner hydrated", "owner", owner, "conversations", len(st.Index()))
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*conversation.Store), nil
}

// Forget drops the owner's in-memory store. The next Get hydrates again.
func (m *Manager) Forget(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stores, owner)
	metrics.ActiveOwners.Set(float64(len(m.stores)))
}

// EvictIdle drops stores not handed out for longer than maxIdle. A store in
// the middle of a command is kept. An evicted owner's unsaved draft is lost;
// saved conversations come back on the next Get.
func (m *Manager) EvictIdle(maxIdle time.Duration) int {
	cutoff := m.now().Add(-maxIdle)

	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for owner, e := range m.stores {
		if e.lastUsed.After(cutoff) || e.store.Busy() {
			continue
		}
		delete(m.stores, owner)
		evicted++
	}
	metrics.ActiveOwners.Set(float64(len(m.stores)))
	return evicted
}

// RunEviction calls EvictIdle every interval until ctx is done.
func (m *Manager) RunEviction(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.EvictIdle(maxIdle); n > 0 {
				m.logger.Info("idle owners evicted", "count", n, "remaining", m.Len())
			}
		}
	}
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.stores)
}

func (m *Manager) touch(owner string) (*conversation.Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.stores[owner]
	if !ok {
		return nil, false
	}
	e.lastUsed = m.now()
	return e.store, true
}

func (m *Manager) newStore(owner string) *conversation.Store {
	logger := m.logger.With("owner", owner)
	llm := &instrumentedStream{
		inner:     m.llm,
		owner:     owner,
		provider:  m.provider,
		publisher: m.publisher,
		logger:    logger,
	}
	persist := &instrumentedPersistence{
		inner:     m.persist,
		backend:   m.backend,
		publisher: m.publisher,
		logger:    logger,
	}
	return conversation.New(owner, llm, persist, conversation.WithLogger(logger))
}
