// Package consumer implements the consumer side of the daemon: the Service
// that owns every shared component and the per-client Connection that
// translates requests into calls against it.
package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/vburojevic/traced/internal/buffer"
	"github.com/vburojevic/traced/internal/clone"
	"github.com/vburojevic/traced/internal/domain"
	"github.com/vburojevic/traced/internal/events"
	"github.com/vburojevic/traced/internal/flush"
	"github.com/vburojevic/traced/internal/metrics"
	"github.com/vburojevic/traced/internal/producer"
	"github.com/vburojevic/traced/internal/reader"
	"github.com/vburojevic/traced/internal/session"
)

// Options configure a Service. Zero values select defaults.
type Options struct {
	Clock             clock.Clock
	Logger            *zap.Logger
	MaxTotalKB        uint32
	FlushTimeout      time.Duration
	CloneFlushTimeout time.Duration
	MaxChunkBytes     int
	// DaemonUID owns the built-in clock producer.
	DaemonUID int
	// NoClockProducer skips registering the built-in traced.clock source.
	NoClockProducer bool
}

// Service owns the session registry and every component that acts on it.
// One Service lives for the lifetime of the daemon.
type Service struct {
	clk           clock.Clock
	log           *zap.Logger
	maxChunkBytes int

	store     *buffer.Store
	producers *producer.Registry
	sessions  *session.Registry
	flusher   *flush.Coordinator
	cloner    *clone.Manager
	bus       *events.Bus

	// bindMu serializes binding and unbinding of data source instances so
	// a producer connecting while a session starts is bound exactly once.
	bindMu sync.Mutex

	mu        sync.Mutex
	nextConn  events.ConnID
	conns     map[events.ConnID]*Connection
	durations map[domain.SessionID]*clock.Timer
	triggers  map[*clock.Timer]struct{}
	closed    bool
}

// NewService wires up a Service.
func NewService(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxChunkBytes <= 0 {
		opts.MaxChunkBytes = reader.DefaultMaxChunkBytes
	}

	store := buffer.NewStore(opts.MaxTotalKB)
	producers := producer.NewRegistry()
	sessions := session.NewRegistry(store, session.Options{Clock: opts.Clock, Logger: opts.Logger})
	flusher := flush.NewCoordinator(producers, flush.Options{
		Clock:          opts.Clock,
		Logger:         opts.Logger,
		DefaultTimeout: opts.FlushTimeout,
	})

	s := &Service{
		clk:           opts.Clock,
		log:           opts.Logger.Named("consumer"),
		maxChunkBytes: opts.MaxChunkBytes,
		store:         store,
		producers:     producers,
		sessions:      sessions,
		flusher:       flusher,
		cloner: clone.NewManager(sessions, flusher, clone.Options{
			Logger:       opts.Logger,
			FlushTimeout: opts.CloneFlushTimeout,
		}),
		bus:       events.NewBus(opts.Logger),
		nextConn:  1,
		conns:     make(map[events.ConnID]*Connection),
		durations: make(map[domain.SessionID]*clock.Timer),
		triggers:  make(map[*clock.Timer]struct{}),
	}
	if !opts.NoClockProducer {
		s.RegisterProducer(producer.NewClockProducer(opts.Clock, opts.DaemonUID))
	}
	return s
}

// Sessions exposes the session registry.
func (s *Service) Sessions() *session.Registry { return s.sessions }

// Store exposes the buffer store.
func (s *Service) Store() *buffer.Store { return s.store }

// Observers returns how many connections currently observe events.
func (s *Service) Observers() int { return s.bus.Subscribers() }

// Connect opens a consumer connection for a client with the given uid.
func (s *Service) Connect(uid int) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextConn
	s.nextConn++
	c := &Connection{
		svc: s,
		id:  id,
		uid: uid,
		log: s.log.With(zap.Uint64("conn", uint64(id)), zap.Int("uid", uid)),
	}
	s.conns[id] = c
	metrics.ConsumerConnections.Inc()
	return c
}

func (s *Service) disconnect(id events.ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[id]; ok {
		delete(s.conns, id)
		metrics.ConsumerConnections.Dec()
	}
}

// Close stops every pending duration and trigger timer.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.durations {
		t.Stop()
		delete(s.durations, id)
	}
	for t := range s.triggers {
		t.Stop()
		delete(s.triggers, t)
	}
}

// RegisterProducer adds a producer and starts its data sources in every
// started session that asks for them.
func (s *Service) RegisterProducer(p producer.Producer) producer.ID {
	s.bindMu.Lock()
	failed := make(map[*session.Session]error)
	defer func() {
		s.bindMu.Unlock()
		// The final flush would wait on this producer, whose caller may be
		// the goroutine that reads its acks.
		for sess, err := range failed {
			go s.fail(sess, err)
		}
	}()

	id := s.producers.Register(p)
	metrics.ProducerConnections.Inc()
	s.log.Info("producer connected",
		zap.Uint64("producer_id", uint64(id)),
		zap.String("name", p.Name()),
		zap.Strings("data_sources", p.DataSources()))

	h := producer.Handle{ID: id, Producer: p}
	for _, sess := range s.sessions.Sessions() {
		if sess.Cloned() || sess.Lifecycle() != domain.StateStarted {
			continue
		}
		bufs := sess.Buffers()
		var started []domain.DataSourceInstanceEvent
		for _, ds := range sess.Config().DataSources {
			if !lo.Contains(p.DataSources(), ds.Name) || !ds.MatchesProducer(p.Name()) {
				continue
			}
			ev, ok, err := s.startInstance(sess, h, ds, bufs)
			if err != nil {
				failed[sess] = err
				break
			}
			if ok {
				started = append(started, ev)
			}
		}
		s.publishInstances(sess.ID, started)
	}
	return id
}

// UnregisterProducer removes a producer. Its instances are dropped and any
// flush waiting on it is acknowledged on its behalf.
func (s *Service) UnregisterProducer(id producer.ID) {
	s.bindMu.Lock()
	p, ok := s.producers.Get(id)
	gone := s.producers.Unregister(id)
	s.bindMu.Unlock()
	if !ok {
		return
	}
	metrics.ProducerConnections.Dec()
	s.flusher.ProducerGone(id)

	bySession := lo.GroupBy(gone, func(inst producer.Instance) domain.SessionID { return inst.SessionID })
	for sid, insts := range bySession {
		s.publishInstances(sid, lo.Map(insts, func(inst producer.Instance, _ int) domain.DataSourceInstanceEvent {
			return domain.DataSourceInstanceEvent{
				ProducerName:   p.Name(),
				DataSourceName: inst.DataSource,
				State:          domain.InstanceStopped,
			}
		}))
	}
	s.log.Info("producer disconnected", zap.Uint64("producer_id", uint64(id)), zap.Int("instances", len(gone)))
}

// ActivateTriggers fires the named triggers on behalf of a producer. Each
// started session listing one of them as a clone trigger gets a
// CloneTriggerHit event after the trigger's delay.
func (s *Service) ActivateTriggers(id producer.ID, names []string) {
	p, ok := s.producers.Get(id)
	if !ok {
		return
	}
	for _, sess := range s.sessions.Sessions() {
		if sess.Cloned() || sess.Lifecycle() != domain.StateStarted {
			continue
		}
		for _, trig := range sess.Config().CloneTriggers {
			if !lo.Contains(names, trig.Name) {
				continue
			}
			info := &domain.TriggerInfo{
				Name:           trig.Name,
				ProducerName:   p.Name(),
				ProducerUID:    p.UID(),
				BootTimeNs:     uint64(s.clk.Now().UnixNano()),
				TriggerDelayMs: trig.DelayMs,
			}
			s.scheduleTrigger(sess.ID, info, time.Duration(trig.DelayMs)*time.Millisecond)
		}
	}
}

func (s *Service) scheduleTrigger(id domain.SessionID, info *domain.TriggerInfo, delay time.Duration) {
	ev := domain.Event{Type: domain.EventCloneTriggerHit, SessionID: id, Trigger: info}
	if delay <= 0 {
		s.bus.Publish(ev)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	var t *clock.Timer
	t = s.clk.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.triggers, t)
		s.mu.Unlock()
		s.bus.Publish(ev)
	})
	s.triggers[t] = struct{}{}
}

// enable moves a freshly created session out of Configuring and starts its
// data sources unless the start is deferred.
func (s *Service) enable(sess *session.Session, deferred bool) (domain.State, error) {
	state, err := s.sessions.Enable(sess, deferred)
	if err != nil {
		return state, err
	}
	if state == domain.StateStarted {
		s.startDataSources(sess)
	}
	return state, nil
}

// start handles StartTracing.
func (s *Service) start(sess *session.Session) error {
	if err := s.sessions.Start(sess); err != nil {
		return err
	}
	s.startDataSources(sess)
	return nil
}

func (s *Service) startDataSources(sess *session.Session) {
	s.bindMu.Lock()
	bufs := sess.Buffers()
	var started []domain.DataSourceInstanceEvent
	var failure error
start:
	for _, ds := range sess.Config().DataSources {
		for _, h := range s.producers.Offering(ds) {
			ev, ok, err := s.startInstance(sess, h, ds, bufs)
			if err != nil {
				failure = err
				break start
			}
			if ok {
				started = append(started, ev)
			}
		}
	}
	s.bindMu.Unlock()

	s.publishInstances(sess.ID, started)
	if failure != nil {
		s.fail(sess, failure)
		return
	}
	s.bus.Publish(domain.Event{Type: domain.EventAllDataSourcesStarted, SessionID: sess.ID})
	s.armDuration(sess)
}

// startInstance binds one data source of one producer to its target buffer.
// It reports false when the producer is already bound, and an error when the
// session's buffer is gone. Callers hold bindMu.
func (s *Service) startInstance(sess *session.Session, h producer.Handle, ds domain.DataSourceConfig, bufs []domain.BufferID) (domain.DataSourceInstanceEvent, bool, error) {
	bufID := bufs[ds.TargetBuffer]
	buf, ok := s.store.Get(bufID)
	if !ok {
		return domain.DataSourceInstanceEvent{}, false, domain.Errorf(domain.CodeInternal, "target buffer %d of data source %q is gone", bufID, ds.Name)
	}
	inst, ok := s.producers.Bind(sess.ID, h.ID, ds.Name, bufID, buf)
	if !ok {
		return domain.DataSourceInstanceEvent{}, false, nil
	}
	h.StartDataSource(inst)
	return domain.DataSourceInstanceEvent{
		ProducerName:   h.Name(),
		DataSourceName: ds.Name,
		State:          domain.InstanceStarted,
	}, true, nil
}

// stopDataSourcesLocked unbinds and stops every instance of a session.
// Callers hold bindMu.
func (s *Service) stopDataSourcesLocked(id domain.SessionID) []domain.DataSourceInstanceEvent {
	var stopped []domain.DataSourceInstanceEvent
	for _, inst := range s.producers.Unbind(id) {
		p, ok := s.producers.Get(inst.ProducerID)
		if !ok {
			continue
		}
		p.StopDataSource(inst)
		stopped = append(stopped, domain.DataSourceInstanceEvent{
			ProducerName:   p.Name(),
			DataSourceName: inst.DataSource,
			State:          domain.InstanceStopped,
		})
	}
	return stopped
}

// reconcile applies a producer filter change to a started session: stop
// instances whose producer no longer matches and start newly matching ones.
func (s *Service) reconcile(sess *session.Session, cfg domain.TraceConfig) {
	s.bindMu.Lock()
	var changed []domain.DataSourceInstanceEvent

	byName := lo.SliceToMap(cfg.DataSources, func(ds domain.DataSourceConfig) (string, domain.DataSourceConfig) {
		return ds.Name, ds
	})
	bound := make(map[string]map[producer.ID]struct{})
	for _, inst := range s.producers.Instances(sess.ID) {
		p, ok := s.producers.Get(inst.ProducerID)
		if !ok {
			continue
		}
		if ds, known := byName[inst.DataSource]; known && !ds.MatchesProducer(p.Name()) {
			if _, ok := s.producers.UnbindInstance(inst.ID); ok {
				p.StopDataSource(inst)
				changed = append(changed, domain.DataSourceInstanceEvent{
					ProducerName:   p.Name(),
					DataSourceName: inst.DataSource,
					State:          domain.InstanceStopped,
				})
			}
			continue
		}
		if bound[inst.DataSource] == nil {
			bound[inst.DataSource] = make(map[producer.ID]struct{})
		}
		bound[inst.DataSource][inst.ProducerID] = struct{}{}
	}

	bufs := sess.Buffers()
	var failure error
start:
	for _, ds := range cfg.DataSources {
		for _, h := range s.producers.Offering(ds) {
			if _, already := bound[ds.Name][h.ID]; already {
				continue
			}
			ev, ok, err := s.startInstance(sess, h, ds, bufs)
			if err != nil {
				failure = err
				break start
			}
			if ok {
				changed = append(changed, ev)
			}
		}
	}
	s.bindMu.Unlock()
	s.publishInstances(sess.ID, changed)
	if failure != nil {
		s.fail(sess, failure)
	}
}

func (s *Service) publishInstances(id domain.SessionID, instances []domain.DataSourceInstanceEvent) {
	if len(instances) == 0 {
		return
	}
	s.bus.Publish(domain.Event{Type: domain.EventDataSourceInstances, SessionID: id, Instances: instances})
}

func (s *Service) armDuration(sess *session.Session) {
	d := sess.Config().Duration()
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.durations[sess.ID] = s.clk.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.durations, sess.ID)
		s.mu.Unlock()
		if err := s.stop(context.Background(), sess, ""); err != nil {
			s.log.Debug("duration expired on inactive session", zap.Uint64("session_id", uint64(sess.ID)), zap.Error(err))
			return
		}
		s.log.Info("session duration reached", zap.Uint64("session_id", uint64(sess.ID)), zap.Duration("duration", d))
	})
}

func (s *Service) disarmDuration(id domain.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.durations[id]; ok {
		t.Stop()
		delete(s.durations, id)
	}
}

// stop flushes a started session best-effort, then stops it and its data
// sources. A non-empty msg marks the stop as an error.
func (s *Service) stop(ctx context.Context, sess *session.Session, msg string) error {
	if sess.Cloned() || sess.Lifecycle() != domain.StateStarted {
		return domain.Errorf(domain.CodeInvalidState, "session %d is %s, want %s", sess.ID, sess.State(), domain.StateStarted)
	}
	err := s.flusher.Flush(ctx, sess.ID, sess.Config().FlushTimeout(), domain.FlushFlagTraceStop)
	sess.RecordFlush(err)
	if err != nil {
		s.log.Warn("final flush failed", zap.Uint64("session_id", uint64(sess.ID)), zap.Error(err))
	}

	s.bindMu.Lock()
	if msg == "" {
		err = s.sessions.Stop(sess)
	} else {
		err = s.sessions.Fail(sess, msg)
	}
	var stopped []domain.DataSourceInstanceEvent
	if err == nil {
		stopped = s.stopDataSourcesLocked(sess.ID)
	}
	s.bindMu.Unlock()
	if err != nil {
		return err
	}

	s.disarmDuration(sess.ID)
	s.publishInstances(sess.ID, stopped)
	return nil
}

// fail stops a started session on an internal error. The message is kept on
// the session and delivered with its Disabled notification.
func (s *Service) fail(sess *session.Session, cause error) {
	s.log.Error("session failed", zap.Uint64("session_id", uint64(sess.ID)), zap.Error(cause))
	if err := s.stop(context.Background(), sess, cause.Error()); err != nil {
		s.log.Debug("failed session was not running", zap.Uint64("session_id", uint64(sess.ID)), zap.Error(err))
	}
}

// destroy stops whatever is still running for sess and removes it. It
// reports false if sess was already destroyed.
func (s *Service) destroy(sess *session.Session) bool {
	s.bindMu.Lock()
	stopped := s.stopDataSourcesLocked(sess.ID)
	ok := s.sessions.Destroy(sess)
	s.bindMu.Unlock()

	s.disarmDuration(sess.ID)
	s.publishInstances(sess.ID, stopped)
	return ok
}
