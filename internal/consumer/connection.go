package consumer

import (
	"context"
	"encoding/binary"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vburojevic/traced/internal/buffer"
	"github.com/vburojevic/traced/internal/clone"
	"github.com/vburojevic/traced/internal/domain"
	"github.com/vburojevic/traced/internal/events"
	"github.com/vburojevic/traced/internal/metrics"
	"github.com/vburojevic/traced/internal/reader"
	"github.com/vburojevic/traced/internal/session"
)

// EnableTracingRequest creates a session, or with AttachNotificationOnly
// re-arms the disabled notification for the session bound by Attach.
type EnableTracingRequest struct {
	Config                 domain.TraceConfig `cbor:"trace_config"`
	AttachNotificationOnly bool               `cbor:"attach_notification_only,omitempty"`
}

// EnableResult is the outcome of EnableTracing: Disabled or Rejected.
type EnableResult interface {
	isEnableResult()
}

// Disabled reports that the session stopped. Error is set when it stopped
// because of a failure.
type Disabled struct {
	Error string `cbor:"error,omitempty"`
}

// Rejected reports that EnableTracing failed before tracing began.
type Rejected struct {
	Code    domain.Code `cbor:"code"`
	Message string      `cbor:"message"`
}

func (Disabled) isEnableResult() {}
func (Rejected) isEnableResult() {}

// Err converts a Rejected into its coded error.
func (r Rejected) Err() error {
	return &domain.Error{Code: r.Code, Message: r.Message}
}

// FreeBuffersRequest names what to free. Empty frees the bound session;
// otherwise SessionID or BufferIDs select a session the caller may free.
type FreeBuffersRequest struct {
	SessionID domain.SessionID  `cbor:"session_id,omitempty"`
	BufferIDs []domain.BufferID `cbor:"buffer_ids,omitempty"`
}

// CloneRequest is the CloneSession request.
type CloneRequest struct {
	SessionID         domain.SessionID    `cbor:"session_id,omitempty"`
	UniqueSessionName string              `cbor:"unique_session_name,omitempty"`
	SkipTraceFilter   bool                `cbor:"skip_trace_filter,omitempty"`
	ForBugreport      bool                `cbor:"for_bugreport,omitempty"`
	Trigger           *domain.TriggerInfo `cbor:"trigger,omitempty"`
}

// CloneResult identifies the new session. The uuid is split into its most
// and least significant halves.
type CloneResult struct {
	SessionID  domain.SessionID `cbor:"session_id"`
	UUIDMsb    int64            `cbor:"uuid_msb"`
	UUIDLsb    int64            `cbor:"uuid_lsb"`
	UUID       string           `cbor:"uuid"`
	ClonedFrom domain.SessionID `cbor:"cloned_from"`
}

// binding ties a session to the connection that owns it. released is
// closed when the connection lets go of the session.
type binding struct {
	sess     *session.Session
	once     sync.Once
	released chan struct{}
}

func (b *binding) release() {
	b.once.Do(func() { close(b.released) })
}

// Connection is one consumer client. Requests on a connection are expected
// to arrive one at a time; Close may race with them.
type Connection struct {
	svc *Service
	id  events.ConnID
	uid int
	log *zap.Logger

	mu     sync.Mutex
	bound  *binding
	closed bool
}

// ID returns the connection id used for event subscriptions.
func (c *Connection) ID() events.ConnID { return c.id }

// UID returns the client's uid.
func (c *Connection) UID() int { return c.uid }

func (c *Connection) bind(sess *session.Session) (*binding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, domain.Errorf(domain.CodeInvalidState, "connection closed")
	}
	b := &binding{sess: sess, released: make(chan struct{})}
	c.bound = b
	return b, nil
}

func (c *Connection) unbind(sess *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bound != nil && c.bound.sess == sess {
		c.bound.release()
		c.bound = nil
	}
}

func (c *Connection) current() (*binding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, domain.Errorf(domain.CodeInvalidState, "connection closed")
	}
	return c.bound, nil
}

// owned returns the bound session. A session freed from elsewhere is
// dropped from the binding.
func (c *Connection) owned() (*session.Session, error) {
	b, err := c.current()
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, domain.Errorf(domain.CodeNotFound, "connection has no tracing session")
	}
	if b.sess.Destroyed() {
		c.unbind(b.sess)
		return nil, domain.Errorf(domain.CodeNotFound, "session %d was freed", b.sess.ID)
	}
	return b.sess, nil
}

// requireFree fails when the connection already owns a session.
func (c *Connection) requireFree() error {
	b, err := c.current()
	if err != nil {
		return err
	}
	if b != nil && !b.sess.Destroyed() {
		return domain.Errorf(domain.CodeInvalidState, "connection already owns session %d", b.sess.ID)
	}
	return nil
}

func (c *Connection) fail(method string, err error) error {
	metrics.RecordRPCError(method, err)
	c.log.Debug("request rejected", zap.String("method", method), zap.Error(err))
	return err
}

// EnableTracing creates and enables a session. The returned channel
// receives one result: Rejected if the session could not be created, or
// Disabled once it stops or is freed. It is closed without a value if the
// connection lets go of the session first (Detach or Close).
func (c *Connection) EnableTracing(ctx context.Context, req EnableTracingRequest) <-chan EnableResult {
	out := make(chan EnableResult, 1)
	reject := func(err error) <-chan EnableResult {
		c.fail("EnableTracing", err)
		out <- Rejected{Code: domain.CodeOf(err), Message: err.Error()}
		close(out)
		return out
	}

	if req.AttachNotificationOnly {
		b, err := c.current()
		if err != nil {
			return reject(err)
		}
		if b == nil {
			return reject(domain.Errorf(domain.CodeInvalidState, "no attached session to observe"))
		}
		go notifyDisabled(b, out)
		return out
	}

	if err := c.requireFree(); err != nil {
		return reject(err)
	}
	sess, err := c.svc.sessions.Create(req.Config, c.uid)
	if err != nil {
		return reject(err)
	}
	b, err := c.bind(sess)
	if err != nil {
		c.svc.destroy(sess)
		return reject(err)
	}
	state, err := c.svc.enable(sess, req.Config.DeferredStart)
	if err != nil {
		c.unbind(sess)
		c.svc.destroy(sess)
		return reject(err)
	}
	c.log.Info("tracing enabled", zap.Uint64("session_id", uint64(sess.ID)), zap.Stringer("state", state))

	go notifyDisabled(b, out)
	return out
}

func notifyDisabled(b *binding, out chan<- EnableResult) {
	defer close(out)
	select {
	case <-b.sess.Stopped():
		out <- Disabled{Error: b.sess.LastError()}
	case <-b.released:
	}
}

// StartTracing starts a session enabled with deferred start.
func (c *Connection) StartTracing(_ context.Context) error {
	sess, err := c.owned()
	if err != nil {
		return c.fail("StartTracing", err)
	}
	if err := c.svc.start(sess); err != nil {
		return c.fail("StartTracing", err)
	}
	return nil
}

// ChangeTraceConfig applies the mutable subset of cfg to the bound session.
func (c *Connection) ChangeTraceConfig(_ context.Context, cfg domain.TraceConfig) error {
	sess, err := c.owned()
	if err != nil {
		return c.fail("ChangeTraceConfig", err)
	}
	updated, err := c.svc.sessions.ChangeConfig(sess, cfg)
	if err != nil {
		return c.fail("ChangeTraceConfig", err)
	}
	if sess.Lifecycle() == domain.StateStarted {
		c.svc.reconcile(sess, updated)
	}
	return nil
}

// DisableTracing stops the bound session.
func (c *Connection) DisableTracing(ctx context.Context) error {
	sess, err := c.owned()
	if err != nil {
		return c.fail("DisableTracing", err)
	}
	if err := c.svc.stop(ctx, sess, ""); err != nil {
		return c.fail("DisableTracing", err)
	}
	return nil
}

// ReadBuffers streams the bound session's buffers as of this call. The
// buffers are consumed only once the terminal chunk has been delivered; a
// stream abandoned earlier leaves them untouched.
func (c *Connection) ReadBuffers(ctx context.Context) (iter.Seq[domain.Chunk], error) {
	sess, err := c.owned()
	if err != nil {
		return nil, c.fail("ReadBuffers", err)
	}

	var bufs []*buffer.Buffer
	var snaps []buffer.Snapshot
	for _, id := range sess.Buffers() {
		b, ok := c.svc.store.Get(id)
		if !ok {
			err := domain.Errorf(domain.CodeInternal, "buffer %d of session %d is gone", id, sess.ID)
			c.svc.fail(sess, err)
			return nil, c.fail("ReadBuffers", err)
		}
		bufs = append(bufs, b)
		snaps = append(snaps, b.Snapshot())
	}

	opts := reader.Options{MaxChunkBytes: c.svc.maxChunkBytes}
	if !sess.SkipFilter {
		opts.Filter = reader.SourceFilter(sess.Config().TraceFilter)
	}

	return func(yield func(domain.Chunk) bool) {
		for chunk := range reader.Drain(snaps, opts) {
			if ctx.Err() != nil {
				return
			}
			metrics.RecordChunk(chunk)
			if !yield(chunk) {
				return
			}
			if chunk.LastChunk {
				for i, b := range bufs {
					b.Consume(snaps[i].Next)
				}
			}
		}
	}, nil
}

// FreeBuffers destroys a session. Freeing a session that is already gone
// reports NOT_FOUND.
func (c *Connection) FreeBuffers(_ context.Context, req FreeBuffersRequest) error {
	sess, err := c.freeTarget(req)
	if err != nil {
		return c.fail("FreeBuffers", err)
	}
	c.unbind(sess)
	if !c.svc.destroy(sess) {
		return c.fail("FreeBuffers", domain.Errorf(domain.CodeNotFound, "session %d already freed", sess.ID))
	}
	c.log.Info("buffers freed", zap.Uint64("session_id", uint64(sess.ID)))
	return nil
}

func (c *Connection) freeTarget(req FreeBuffersRequest) (*session.Session, error) {
	if req.SessionID == 0 && len(req.BufferIDs) == 0 {
		return c.owned()
	}

	var sess *session.Session
	var err error
	if req.SessionID != 0 {
		sess, err = c.svc.sessions.Lookup(req.SessionID)
	} else {
		sess, err = c.svc.sessions.LookupByBuffer(req.BufferIDs[0])
	}
	if err != nil {
		return nil, err
	}
	for _, id := range req.BufferIDs {
		owner, err := c.svc.sessions.LookupByBuffer(id)
		if err != nil {
			return nil, err
		}
		if owner != sess {
			return nil, domain.Errorf(domain.CodeInvalidArgument, "buffers belong to more than one session")
		}
	}

	if b, _ := c.current(); b != nil && b.sess == sess {
		return sess, nil
	}
	if c.uid != 0 && c.uid != sess.OwnerUID {
		return nil, domain.Errorf(domain.CodePermissionDenied, "uid %d may not free session %d", c.uid, sess.ID)
	}
	return sess, nil
}

// Flush asks the bound session's producers to commit their data.
func (c *Connection) Flush(ctx context.Context, timeout time.Duration, flags domain.FlushFlags) error {
	sess, err := c.owned()
	if err != nil {
		return c.fail("Flush", err)
	}
	if sess.Cloned() {
		return c.fail("Flush", domain.Errorf(domain.CodeInvalidState, "session %d is a read-only clone", sess.ID))
	}
	if timeout <= 0 {
		timeout = sess.Config().FlushTimeout()
	}
	err = c.svc.flusher.Flush(ctx, sess.ID, timeout, flags)
	sess.RecordFlush(err)
	if err != nil {
		return c.fail("Flush", err)
	}
	return nil
}

// Detach releases the bound session under key; it keeps running.
func (c *Connection) Detach(_ context.Context, key string) error {
	sess, err := c.owned()
	if err != nil {
		return c.fail("Detach", err)
	}
	if err := c.svc.sessions.Detach(sess, key); err != nil {
		return c.fail("Detach", err)
	}
	c.unbind(sess)
	return nil
}

// Attach binds the session detached under key and returns its config.
func (c *Connection) Attach(_ context.Context, key string) (domain.TraceConfig, error) {
	if err := c.requireFree(); err != nil {
		return domain.TraceConfig{}, c.fail("Attach", err)
	}
	sess, err := c.svc.sessions.Attach(key)
	if err != nil {
		return domain.TraceConfig{}, c.fail("Attach", err)
	}
	if _, err := c.bind(sess); err != nil {
		// Put it back so the key still works.
		_ = c.svc.sessions.Detach(sess, key)
		return domain.TraceConfig{}, c.fail("Attach", err)
	}
	return sess.Config(), nil
}

// GetTraceStats reports buffer and flush counters for the bound session.
func (c *Connection) GetTraceStats(_ context.Context) (domain.TraceStats, error) {
	sess, err := c.owned()
	if err != nil {
		return domain.TraceStats{}, c.fail("GetTraceStats", err)
	}
	stats := domain.TraceStats{
		SessionID:          sess.ID,
		ProducersBound:     len(c.svc.producers.Roster(sess.ID)),
		TracingSessions:    c.svc.sessions.Count(),
		ProducersConnected: c.svc.producers.Count(),
	}
	stats.FlushesRequested, stats.FlushesSucceeded, stats.FlushesFailed = sess.FlushCounts()
	for _, id := range sess.Buffers() {
		if b, ok := c.svc.store.Get(id); ok {
			stats.Buffers = append(stats.Buffers, b.Stats())
		}
	}
	return stats, nil
}

// ObserveEvents replaces the connection's event subscription. An empty set
// unsubscribes and returns nil.
func (c *Connection) ObserveEvents(types []domain.EventType) *events.Stream {
	return c.svc.bus.Subscribe(c.id, types)
}

// CloneSession clones a session and binds the clone to this connection.
func (c *Connection) CloneSession(ctx context.Context, req CloneRequest) (CloneResult, error) {
	if err := c.requireFree(); err != nil {
		return CloneResult{}, c.fail("CloneSession", err)
	}
	cl, err := c.svc.cloner.Clone(ctx, clone.Request{
		SessionID:         req.SessionID,
		UniqueSessionName: req.UniqueSessionName,
		SkipTraceFilter:   req.SkipTraceFilter,
		ForBugreport:      req.ForBugreport,
		Trigger:           req.Trigger,
		RequesterUID:      c.uid,
	})
	if err != nil {
		return CloneResult{}, c.fail("CloneSession", err)
	}
	if _, err := c.bind(cl); err != nil {
		return CloneResult{}, c.fail("CloneSession", err)
	}
	return CloneResult{
		SessionID:  cl.ID,
		UUIDMsb:    int64(binary.BigEndian.Uint64(cl.UUID[:8])),
		UUIDLsb:    int64(binary.BigEndian.Uint64(cl.UUID[8:])),
		UUID:       cl.UUID.String(),
		ClonedFrom: cl.ClonedFrom,
	}, nil
}

// Close ends the connection. The bound session is destroyed unless it is
// detached or a clone.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	b := c.bound
	c.bound = nil
	c.mu.Unlock()

	c.svc.bus.Unsubscribe(c.id)
	if b != nil {
		b.release()
		if !b.sess.Detached() && !b.sess.Cloned() {
			c.svc.destroy(b.sess)
		}
	}
	c.svc.disconnect(c.id)
	c.log.Debug("connection closed")
}
