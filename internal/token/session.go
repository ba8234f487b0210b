// SPDX-License-Identifier: MIT

package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ManuGH/tonearm/internal/errkind"
	"github.com/ManuGH/tonearm/internal/metrics"
)

// Session is one authenticated browser session of the admin surface.
// Expiry is an inactivity window: every read slides ExpiresAt forward by
// TTL, so only idle sessions lapse.
type Session struct {
	ID             string            `json:"id"`
	Values         map[string]string `json:"values"`
	TTL            time.Duration     `json:"ttl"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessedAt time.Time         `json:"last_accessed_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// Expired reports whether the session has lapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Touch restarts the inactivity window at now.
func (s *Session) Touch(now time.Time) {
	s.LastAccessedAt = now
	if s.TTL > 0 {
		s.ExpiresAt = now.Add(s.TTL)
	}
}

// SessionStore persists sessions. Implementations must treat an expired
// session like a missing one.
type SessionStore interface {
	Put(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
	Close() error
}

// NewSession creates a session with a fresh id and the given inactivity
// window.
func NewSession(ttl time.Duration, now time.Time) *Session {
	return &Session{
		ID:             uuid.NewString(),
		Values:         make(map[string]string),
		TTL:            ttl,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(ttl),
	}
}

// MemoryStore keeps sessions in process memory. Suitable for single-node
// deployments; sessions do not survive a restart.
type MemoryStore struct {
	clock clock

	mu       sync.RWMutex
	sessions map[string]*Session

	stop chan struct{}
	once sync.Once
}

// MemoryStoreOption customizes a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithStoreClock injects a deterministic clock for tests.
func WithStoreClock(c clock) MemoryStoreOption {
	return func(s *MemoryStore) { s.clock = c }
}

// NewMemoryStore creates the store and starts its eviction janitor.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		clock:    realClock{},
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.janitor()
	return s
}

func (s *MemoryStore) Put(_ context.Context, sess *Session) error {
	if sess.ID == "" {
		return errkind.New(errkind.KindValidation, "session: id is required")
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	metrics.SetSessionsActive(len(s.sessions))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.Expired(now) {
		return nil, errkind.Newf(errkind.KindNotFound, "session %s not found", id)
	}
	sess.Touch(now)
	return sess, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	metrics.SetSessionsActive(len(s.sessions))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), nil
}

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := s.clock.Now()
			s.mu.Lock()
			for id, sess := range s.sessions {
				if sess.Expired(now) {
					delete(s.sessions, id)
				}
			}
			metrics.SetSessionsActive(len(s.sessions))
			s.mu.Unlock()
		}
	}
}

// NewSessionStore builds the configured store backend.
func NewSessionStore(backend, redisAddr string) (SessionStore, error) {
	switch backend {
	case "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(redisAddr)
	default:
		return nil, fmt.Errorf("session: unknown backend %q", backend)
	}
}
