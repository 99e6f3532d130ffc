// Package session holds the registry of tracing sessions: creation,
// lookup, detach keys, the lifecycle state machine and destruction.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vburojevic/traced/internal/domain"
)

// Session is one tracing session. Identity fields are immutable; everything
// else is guarded by the session's own mutex so state reads never contend on
// the registry lock.
type Session struct {
	ID         domain.SessionID
	UUID       uuid.UUID
	OwnerUID   int
	ClonedFrom domain.SessionID
	Trigger    *domain.TriggerInfo
	SkipFilter bool

	mu        sync.Mutex
	config    domain.TraceConfig
	lifecycle domain.State
	detached  bool
	cloned    bool
	destroyed bool
	detachKey string
	buffers   []domain.BufferID
	lastError string
	startedAt time.Time

	flushesRequested uint64
	flushesSucceeded uint64
	flushesFailed    uint64

	stopOnce sync.Once
	stopped  chan struct{}
}

func newSession(id domain.SessionID, ownerUID int, cfg domain.TraceConfig, buffers []domain.BufferID) *Session {
	return &Session{
		ID:        id,
		UUID:      uuid.New(),
		OwnerUID:  ownerUID,
		config:    cfg,
		lifecycle: domain.StateConfiguring,
		buffers:   buffers,
		stopped:   make(chan struct{}),
	}
}

// State reports Cloned for clones, Detached while detached and the
// lifecycle state otherwise.
func (s *Session) State() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() domain.State {
	switch {
	case s.cloned:
		return domain.StateCloned
	case s.detached:
		return domain.StateDetached
	default:
		return s.lifecycle
	}
}

// Lifecycle is the underlying Configuring/Waiting/Started/Stopped state,
// ignoring the detached and cloned flags.
func (s *Session) Lifecycle() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// Config returns a copy of the session's current config.
func (s *Session) Config() domain.TraceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.Clone()
}

// Buffers returns the session's buffer ids in config order.
func (s *Session) Buffers() []domain.BufferID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.BufferID(nil), s.buffers...)
}

// Cloned reports whether the session is a read-only clone.
func (s *Session) Cloned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cloned
}

// Detached reports whether the session currently has no owner.
func (s *Session) Detached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

// Destroyed reports whether the session was removed from the registry.
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// LastError is the message recorded when the session stopped on an error.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Stopped is closed the first time the session stops or is destroyed.
func (s *Session) Stopped() <-chan struct{} {
	return s.stopped
}

// RecordFlush counts a flush round against the session.
func (s *Session) RecordFlush(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushesRequested++
	if err == nil {
		s.flushesSucceeded++
	} else {
		s.flushesFailed++
	}
}

// FlushCounts returns requested, succeeded and failed flush counts.
func (s *Session) FlushCounts() (requested, succeeded, failed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushesRequested, s.flushesSucceeded, s.flushesFailed
}

// Info summarizes the session for QueryServiceState.
func (s *Session) Info() domain.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := domain.SessionInfo{
		ID:                s.ID,
		UUID:              s.UUID.String(),
		OwnerUID:          s.OwnerUID,
		State:             s.stateLocked().String(),
		UniqueSessionName: s.config.UniqueSessionName,
		BugreportScore:    s.config.BugreportScore,
		Buffers:           append([]domain.BufferID(nil), s.buffers...),
		DataSources:       len(s.config.DataSources),
		ClonedFrom:        s.ClonedFrom,
		DurationMs:        s.config.DurationMs,
		LastError:         s.lastError,
	}
	for _, b := range s.config.Buffers {
		info.BufferSizeKB = append(info.BufferSizeKB, b.SizeKB)
	}
	if !s.startedAt.IsZero() {
		info.StartedAtNs = s.startedAt.UnixNano()
	}
	return info
}

func (s *Session) markStoppedLocked() {
	s.stopOnce.Do(func() { close(s.stopped) })
}
