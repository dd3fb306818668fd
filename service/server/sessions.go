package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/txscope/service/history"
	"github.com/brojonat/txscope/service/metrics"
)

// ErrSessionNotFound is returned when no session exists for an account.
var ErrSessionNotFound = errors.New("session not found")

// SessionFactory builds a new, empty session for account.
type SessionFactory func(account string) *history.Session

// NewSessionFactory returns a factory that builds sessions from base with the
// account filled in. Every observer is registered on the new session's
// controller.
func NewSessionFactory(base history.SessionConfig, observers ...history.PageObserver) SessionFactory {
	return func(account string) *history.Session {
		cfg := base
		cfg.Account = account
		sess := history.NewSession(cfg)
		for _, obs := range observers {
			if obs != nil {
				sess.Controller().OnPage(obs)
			}
		}
		return sess
	}
}

// Sessions holds at most one session per account. Idle sessions are dropped
// by EvictIdle.
type Sessions struct {
	factory SessionFactory
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*history.Session
}

// NewSessions creates an empty registry. If m is nil, no metrics are recorded.
func NewSessions(factory SessionFactory, m *metrics.Metrics) *Sessions {
	return &Sessions{
		factory:  factory,
		metrics:  m,
		now:      time.Now,
		sessions: make(map[string]*history.Session),
	}
}

// GetOrCreate returns the session for account, creating it when missing.
// created reports whether a new session was built.
func (s *Sessions) GetOrCreate(account string) (sess *history.Session, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[account]; ok {
		return sess, false
	}
	sess = s.factory(account)
	s.sessions[account] = sess
	if s.metrics != nil {
		s.metrics.RecordSessionChange(1)
	}
	return sess, true
}

// Get returns the session for account or ErrSessionNotFound.
func (s *Sessions) Get(account string) (*history.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[account]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Delete drops the session for account. A load in flight finishes against
// the dropped session and its result is discarded.
func (s *Sessions) Delete(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[account]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, account)
	if s.metrics != nil {
		s.metrics.RecordSessionChange(-1)
	}
	return nil
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// EvictIdle drops every session not accessed for longer than maxIdle and
// returns how many were dropped.
func (s *Sessions) EvictIdle(maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	evicted := 0
	for account, sess := range s.sessions {
		if now.Sub(sess.LastAccess()) <= maxIdle {
			continue
		}
		delete(s.sessions, account)
		evicted++
		if s.metrics != nil {
			s.metrics.RecordSessionChange(-1)
		}
	}
	return evicted
}

// RunEviction calls EvictIdle every interval until ctx is done.
func (s *Sessions) RunEviction(ctx context.Context, interval, maxIdle time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.EvictIdle(maxIdle); n > 0 {
				logger.InfoContext(ctx, "evicted idle sessions", "count", n, "remaining", s.Len())
			}
		}
	}
}
