// Package clone builds read-only snapshot sessions from live ones.
package clone

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vburojevic/traced/internal/domain"
	"github.com/vburojevic/traced/internal/metrics"
	"github.com/vburojevic/traced/internal/session"
)

// DefaultFlushTimeout bounds the flush issued before copying buffers.
const DefaultFlushTimeout = 5 * time.Second

// Flusher runs a flush round. *flush.Coordinator implements it.
type Flusher interface {
	Flush(ctx context.Context, sessionID domain.SessionID, timeout time.Duration, flags domain.FlushFlags) error
}

// Request selects the source session and describes the clone.
type Request struct {
	// SessionID selects by id. domain.BugreportSessionID selects by
	// bugreport score. Ignored when UniqueSessionName is set.
	SessionID         domain.SessionID
	UniqueSessionName string
	SkipTraceFilter   bool
	ForBugreport      bool
	Trigger           *domain.TriggerInfo
	RequesterUID      int
}

// Options configure a Manager.
type Options struct {
	Logger       *zap.Logger
	FlushTimeout time.Duration
}

// Manager clones sessions.
type Manager struct {
	registry     *session.Registry
	flusher      Flusher
	log          *zap.Logger
	flushTimeout time.Duration
}

// NewManager creates a clone manager.
func NewManager(registry *session.Registry, flusher Flusher, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = DefaultFlushTimeout
	}
	return &Manager{
		registry:     registry,
		flusher:      flusher,
		log:          opts.Logger.Named("clone"),
		flushTimeout: opts.FlushTimeout,
	}
}

// Clone resolves the source, checks the requester may clone it, flushes it
// best-effort and copies its buffers into a new cloned session. The flush
// does not touch the source's own timers.
func (m *Manager) Clone(ctx context.Context, req Request) (*session.Session, error) {
	s, err := m.clone(ctx, req)
	metrics.RecordClone(err)
	return s, err
}

func (m *Manager) clone(ctx context.Context, req Request) (*session.Session, error) {
	src, err := m.resolve(req)
	if err != nil {
		return nil, err
	}
	if src.Cloned() {
		return nil, domain.Errorf(domain.CodeCloneFailed, "session %d is itself a clone", src.ID)
	}
	if !src.Cloneable() {
		return nil, domain.Errorf(domain.CodeInvalidState, "session %d is %s, only started or stopped sessions can be cloned", src.ID, src.State())
	}
	if req.RequesterUID != 0 && req.RequesterUID != src.OwnerUID {
		return nil, domain.Errorf(domain.CodePermissionDenied, "uid %d may not clone session %d", req.RequesterUID, src.ID)
	}

	log := m.log.With(zap.Uint64("source_id", uint64(src.ID)))

	flags := domain.FlushFlagClone
	if req.ForBugreport {
		flags |= domain.FlushFlagCloneForBugreport
	}
	if err := m.flusher.Flush(ctx, src.ID, m.flushTimeout, flags); err != nil {
		log.Warn("flush before clone failed, cloning committed data", zap.Error(err))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cl, err := m.registry.CreateClone(src, session.CloneParams{
		OwnerUID:   req.RequesterUID,
		SkipFilter: req.SkipTraceFilter,
		Trigger:    req.Trigger,
	})
	if err != nil {
		log.Warn("clone failed", zap.Error(err))
		return nil, err
	}
	return cl, nil
}

func (m *Manager) resolve(req Request) (*session.Session, error) {
	switch {
	case req.UniqueSessionName != "":
		return m.registry.ResolveUniqueName(req.UniqueSessionName)
	case req.SessionID == domain.BugreportSessionID:
		return m.registry.PickBugreportCandidate()
	default:
		return m.registry.Lookup(req.SessionID)
	}
}
