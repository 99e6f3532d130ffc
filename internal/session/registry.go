package session

import (
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/vburojevic/traced/internal/buffer"
	"github.com/vburojevic/traced/internal/domain"
	"github.com/vburojevic/traced/internal/metrics"
)

// Options configure a Registry.
type Options struct {
	Clock  clock.Clock
	Logger *zap.Logger
}

// Registry is the single source of truth for tracing sessions. Mutations
// (create, destroy, detach, attach, config change) take the write lock;
// lookups and enumeration take the read lock.
type Registry struct {
	store *buffer.Store
	clk   clock.Clock
	log   *zap.Logger

	mu         sync.RWMutex
	nextID     domain.SessionID
	sessions   map[domain.SessionID]*Session
	detachKeys map[string]*Session
	byBuffer   map[domain.BufferID]*Session
}

// NewRegistry creates an empty registry whose sessions allocate their
// buffers from store.
func NewRegistry(store *buffer.Store, opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Registry{
		store:      store,
		clk:        opts.Clock,
		log:        opts.Logger.Named("session"),
		nextID:     1,
		sessions:   make(map[domain.SessionID]*Session),
		detachKeys: make(map[string]*Session),
		byBuffer:   make(map[domain.BufferID]*Session),
	}
}

// Create validates cfg, allocates its buffers and registers a new session in
// Configuring. A duplicate unique session name among non-cloned sessions is a
// CONFLICT; a buffer allocation failure releases every buffer allocated so
// far.
func (r *Registry) Create(cfg domain.TraceConfig, ownerUID int) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()

	if name := cfg.UniqueSessionName; name != "" {
		if _, ok := r.resolveLocked(name); ok {
			return nil, domain.Errorf(domain.CodeConflict, "a session named %q already exists", name)
		}
	}

	ids := make([]domain.BufferID, 0, len(cfg.Buffers))
	for _, bc := range cfg.Buffers {
		id, err := r.store.Create(bc)
		if err != nil {
			r.releaseAll(ids)
			return nil, err
		}
		ids = append(ids, id)
	}

	s := newSession(r.nextID, ownerUID, cfg, ids)
	r.nextID++
	r.insertLocked(s)
	metrics.SessionCreated(false)

	r.log.Info("session created",
		zap.Uint64("session_id", uint64(s.ID)),
		zap.String("uuid", s.UUID.String()),
		zap.Int("owner_uid", ownerUID),
		zap.Int("buffers", len(ids)),
		zap.String("unique_session_name", cfg.UniqueSessionName))
	return s, nil
}

// CloneParams describe a clone being registered.
type CloneParams struct {
	OwnerUID   int
	SkipFilter bool
	Trigger    *domain.TriggerInfo
}

// CreateClone copies every buffer of src into a new session that starts
// Stopped with the cloned flag set. A copy failure releases the partial
// copies and reports CLONE_FAILED.
func (r *Registry) CreateClone(src *Session, p CloneParams) (*Session, error) {
	srcBuffers := src.Buffers()
	cfg := src.Config()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[src.ID]; !ok {
		return nil, domain.Errorf(domain.CodeCloneFailed, "session %d was destroyed while cloning", src.ID)
	}

	ids := make([]domain.BufferID, 0, len(srcBuffers))
	for _, id := range srcBuffers {
		cp, err := r.store.Clone(id)
		if err != nil {
			r.releaseAll(ids)
			return nil, domain.Errorf(domain.CodeCloneFailed, "copying buffer %d: %v", id, err)
		}
		ids = append(ids, cp)
	}

	s := newSession(r.nextID, p.OwnerUID, cfg, ids)
	r.nextID++
	s.lifecycle = domain.StateStopped
	s.cloned = true
	s.ClonedFrom = src.ID
	s.SkipFilter = p.SkipFilter
	s.Trigger = p.Trigger
	s.markStoppedLocked()
	r.insertLocked(s)
	metrics.SessionCreated(true)

	r.log.Info("session cloned",
		zap.Uint64("session_id", uint64(s.ID)),
		zap.Uint64("cloned_from", uint64(src.ID)),
		zap.String("uuid", s.UUID.String()),
		zap.Bool("skip_filter", p.SkipFilter))
	return s, nil
}

func (r *Registry) insertLocked(s *Session) {
	r.sessions[s.ID] = s
	for _, b := range s.buffers {
		r.byBuffer[b] = s
	}
}

func (r *Registry) releaseAll(ids []domain.BufferID) {
	for _, id := range ids {
		r.store.Release(id)
	}
}

// Lookup returns the session with the given id.
func (r *Registry) Lookup(id domain.SessionID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.Errorf(domain.CodeNotFound, "session %d not found", id)
	}
	return s, nil
}

// LookupByBuffer returns the session owning a buffer.
func (r *Registry) LookupByBuffer(id domain.BufferID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byBuffer[id]
	if !ok {
		return nil, domain.Errorf(domain.CodeNotFound, "buffer %d not found", id)
	}
	return s, nil
}

// ResolveUniqueName finds a non-cloned session by its unique name.
func (r *Registry) ResolveUniqueName(name string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.resolveLocked(name)
	if !ok {
		return nil, domain.Errorf(domain.CodeNotFound, "no session named %q", name)
	}
	return s, nil
}

func (r *Registry) resolveLocked(name string) (*Session, bool) {
	for _, s := range r.sessions {
		if s.Cloned() {
			continue
		}
		if s.Config().UniqueSessionName == name {
			return s, true
		}
	}
	return nil, false
}

// PickBugreportCandidate selects the started or stopped non-cloned session
// with the highest positive bugreport score. Ties go to the most recently
// created session.
func (r *Registry) PickBugreportCandidate() (*Session, error) {
	r.mu.RLock()
	eligible := lo.Filter(lo.Values(r.sessions), func(s *Session, _ int) bool {
		return !s.Cloned() && s.Cloneable() && s.score() > 0
	})
	r.mu.RUnlock()

	if len(eligible) == 0 {
		return nil, domain.Errorf(domain.CodeNotFound, "no session eligible for bugreport")
	}
	return lo.MaxBy(eligible, func(a, b *Session) bool {
		sa, sb := a.score(), b.score()
		return sa > sb || (sa == sb && a.ID > b.ID)
	}), nil
}

// Cloneable reports whether the session has reached Started or Stopped, the
// only states a clone may copy from.
func (s *Session) Cloneable() bool {
	switch s.Lifecycle() {
	case domain.StateStarted, domain.StateStopped:
		return true
	}
	return false
}

func (s *Session) score() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.BugreportScore
}

// Sessions returns every registered session ordered by id.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	out := lo.Values(r.sessions)
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Enable moves a Configuring session to WaitingForExplicitStart when
// deferred, otherwise to Started.
func (r *Registry) Enable(s *Session, deferred bool) (domain.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expectLocked(domain.StateConfiguring); err != nil {
		return s.stateLocked(), err
	}
	if deferred {
		r.transitionLocked(s, domain.StateWaitingForExplicitStart)
	} else {
		r.startLocked(s)
	}
	return s.lifecycle, nil
}

// Start moves a WaitingForExplicitStart session to Started.
func (r *Registry) Start(s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expectLocked(domain.StateWaitingForExplicitStart); err != nil {
		return err
	}
	r.startLocked(s)
	return nil
}

func (r *Registry) startLocked(s *Session) {
	s.startedAt = r.clk.Now()
	r.transitionLocked(s, domain.StateStarted)
}

// Stop moves a Started session to Stopped. It applies to detached sessions
// too, so a duration expiry stops a session nobody is attached to.
func (r *Registry) Stop(s *Session) error {
	return r.stop(s, "")
}

// Fail stops a Started session and records msg for the next response.
func (r *Registry) Fail(s *Session, msg string) error {
	return r.stop(s, msg)
}

func (r *Registry) stop(s *Session, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cloned || s.lifecycle != domain.StateStarted {
		return domain.Errorf(domain.CodeInvalidState, "cannot stop session %d in state %s", s.ID, s.stateLocked())
	}
	if msg != "" {
		s.lastError = msg
	}
	r.transitionLocked(s, domain.StateStopped)
	s.markStoppedLocked()
	return nil
}

// expectLocked checks the externally visible state, so detached and cloned
// sessions reject lifecycle operations.
func (s *Session) expectLocked(want domain.State) error {
	if got := s.stateLocked(); got != want {
		return domain.Errorf(domain.CodeInvalidState, "session %d is %s, want %s", s.ID, got, want)
	}
	return nil
}

func (r *Registry) transitionLocked(s *Session, to domain.State) {
	from := s.lifecycle
	s.lifecycle = to
	metrics.SessionTransitions.WithLabelValues(to.String()).Inc()
	r.log.Info("session state changed",
		zap.Uint64("session_id", uint64(s.ID)),
		zap.Stringer("from", from),
		zap.Stringer("to", to))
}

// ChangeConfig applies the mutable subset of partial to s: the producer
// name filter of each data source, matched by data source name. It returns
// the resulting config.
func (r *Registry) ChangeConfig(s *Session, partial domain.TraceConfig) (domain.TraceConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cloned {
		return domain.TraceConfig{}, domain.Errorf(domain.CodeInvalidState, "session %d is a read-only clone", s.ID)
	}
	if s.destroyed {
		return domain.TraceConfig{}, domain.Errorf(domain.CodeNotFound, "session %d not found", s.ID)
	}
	filters := lo.SliceToMap(partial.DataSources, func(ds domain.DataSourceConfig) (string, []string) {
		return ds.Name, ds.ProducerNameFilter
	})
	for i, ds := range s.config.DataSources {
		if f, ok := filters[ds.Name]; ok {
			s.config.DataSources[i].ProducerNameFilter = append([]string(nil), f...)
		}
	}
	r.log.Debug("session config changed", zap.Uint64("session_id", uint64(s.ID)))
	return s.config.Clone(), nil
}

// Detach releases ownership of s under key. Only Started or Stopped
// sessions can be detached and a key may name one detached session at a
// time.
func (r *Registry) Detach(s *Session, key string) error {
	if key == "" {
		return domain.Errorf(domain.CodeInvalidArgument, "detach key must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.detachKeys[key]; taken {
		return domain.Errorf(domain.CodeConflict, "detach key %q is already in use", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return domain.Errorf(domain.CodeNotFound, "session %d not found", s.ID)
	}
	switch st := s.stateLocked(); st {
	case domain.StateStarted, domain.StateStopped:
	default:
		return domain.Errorf(domain.CodeInvalidState, "cannot detach session %d in state %s", s.ID, st)
	}
	s.detached = true
	s.detachKey = key
	r.detachKeys[key] = s
	metrics.SessionTransitions.WithLabelValues(domain.StateDetached.String()).Inc()
	r.log.Info("session detached", zap.Uint64("session_id", uint64(s.ID)), zap.String("key", key))
	return nil
}

// Attach reclaims the session detached under key.
func (r *Registry) Attach(key string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.detachKeys[key]
	if !ok {
		return nil, domain.Errorf(domain.CodeNotFound, "no session detached with key %q", key)
	}
	delete(r.detachKeys, key)

	s.mu.Lock()
	s.detached = false
	s.detachKey = ""
	state := s.lifecycle
	s.mu.Unlock()

	metrics.SessionTransitions.WithLabelValues(state.String()).Inc()
	r.log.Info("session attached", zap.Uint64("session_id", uint64(s.ID)), zap.String("key", key))
	return s, nil
}

// Destroy removes s and releases its buffers. It reports false when s was
// already destroyed.
func (r *Registry) Destroy(s *Session) bool {
	r.mu.Lock()
	if _, ok := r.sessions[s.ID]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, s.ID)

	s.mu.Lock()
	if s.detachKey != "" {
		delete(r.detachKeys, s.detachKey)
	}
	for _, b := range s.buffers {
		delete(r.byBuffer, b)
	}
	buffers := s.buffers
	s.destroyed = true
	s.markStoppedLocked()
	cloned := s.cloned
	s.mu.Unlock()
	r.mu.Unlock()

	r.releaseAll(buffers)
	metrics.SessionDestroyed(cloned)
	r.log.Info("session destroyed", zap.Uint64("session_id", uint64(s.ID)), zap.Int("buffers", len(buffers)))
	return true
}
