// Package flush runs flush rounds: every producer feeding a session is asked
// to commit its pending data and the round completes when all of them have
// acknowledged or the deadline passes, whichever comes first.
package flush

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/vburojevic/traced/internal/domain"
	"github.com/vburojevic/traced/internal/metrics"
	"github.com/vburojevic/traced/internal/producer"
)

// DefaultTimeout applies when a caller passes a zero timeout and no other
// default was configured.
const DefaultTimeout = 5 * time.Second

// Roster supplies the producers and instances bound to a session.
// *producer.Registry implements it.
type Roster interface {
	Roster(sessionID domain.SessionID) []producer.Handle
	Instances(sessionID domain.SessionID) []producer.Instance
}

// Options configure a Coordinator.
type Options struct {
	Clock          clock.Clock
	Logger         *zap.Logger
	DefaultTimeout time.Duration
}

// Coordinator issues flush rounds. It is safe for concurrent use; rounds for
// different sessions (or the same session) run independently.
type Coordinator struct {
	roster         Roster
	clk            clock.Clock
	log            *zap.Logger
	defaultTimeout time.Duration

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*round
}

// NewCoordinator creates a coordinator over roster.
func NewCoordinator(roster Roster, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	return &Coordinator{
		roster:         roster,
		clk:            opts.Clock,
		log:            opts.Logger.Named("flush"),
		defaultTimeout: opts.DefaultTimeout,
		nextID:         1,
		pending:        make(map[uint64]*round),
	}
}

// round is one in-flight flush. Once sealed, further acks and timer fires
// change nothing.
type round struct {
	id      uint64
	mu      sync.Mutex
	waiting map[producer.ID]struct{}
	sealed  bool
	err     error
	done    chan struct{}
}

func (r *round) ack(id producer.ID) (late bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return true
	}
	delete(r.waiting, id)
	if len(r.waiting) == 0 {
		r.sealLocked(nil)
	}
	return false
}

func (r *round) seal(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.sealed {
		r.sealLocked(err)
	}
}

func (r *round) sealLocked(err error) {
	r.sealed = true
	r.err = err
	close(r.done)
}

func (r *round) result() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Flush asks every producer of sessionID to commit and waits for all acks.
// A zero timeout selects the default. It returns nil on success, a TIMEOUT
// error when the deadline passes first, or ctx.Err() when ctx ends first.
// flags are forwarded to producers untouched.
func (c *Coordinator) Flush(ctx context.Context, sessionID domain.SessionID, timeout time.Duration, flags domain.FlushFlags) error {
	start := c.clk.Now()
	handles := c.roster.Roster(sessionID)
	if len(handles) == 0 {
		metrics.RecordFlush("empty", 0)
		return nil
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	byProducer := lo.GroupBy(c.roster.Instances(sessionID), func(inst producer.Instance) producer.ID {
		return inst.ProducerID
	})

	r := &round{
		waiting: make(map[producer.ID]struct{}, len(handles)),
		done:    make(chan struct{}),
	}
	for _, h := range handles {
		r.waiting[h.ID] = struct{}{}
	}

	c.mu.Lock()
	r.id = c.nextID
	c.nextID++
	c.pending[r.id] = r
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, r.id)
		c.mu.Unlock()
	}()

	log := c.log.With(zap.Uint64("session_id", uint64(sessionID)), zap.Uint64("flush_id", r.id))

	timer := c.clk.AfterFunc(timeout, func() {
		r.seal(domain.Errorf(domain.CodeTimeout, "flush timed out after %s", timeout))
	})
	defer timer.Stop()

	for _, h := range handles {
		pid := h.ID
		req := producer.FlushRequest{
			ID:        r.id,
			SessionID: sessionID,
			Instances: lo.Map(byProducer[pid], func(inst producer.Instance, _ int) uint64 { return inst.ID }),
			Flags:     flags,
			Done:      r.done,
		}
		h.Flush(req, func() {
			if r.ack(pid) {
				metrics.FlushLateAcks.Inc()
				log.Debug("late flush ack discarded", zap.Uint64("producer_id", uint64(pid)))
			}
		})
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		r.seal(ctx.Err())
	}

	err := r.result()
	elapsed := c.clk.Since(start)
	switch {
	case err == nil:
		metrics.RecordFlush("ok", elapsed)
		log.Debug("flush complete", zap.Int("producers", len(handles)), zap.Duration("elapsed", elapsed))
	case domain.CodeOf(err) == domain.CodeTimeout:
		metrics.RecordFlush("timeout", elapsed)
		log.Warn("flush timed out", zap.Int("producers", len(handles)), zap.Duration("timeout", timeout))
	default:
		metrics.RecordFlush("canceled", elapsed)
	}
	return err
}

// ProducerGone acknowledges every pending round on behalf of a producer that
// disconnected, so its absence does not force those rounds to time out.
func (c *Coordinator) ProducerGone(id producer.ID) {
	c.mu.Lock()
	rounds := lo.Values(c.pending)
	c.mu.Unlock()
	for _, r := range rounds {
		r.ack(id)
	}
}

// Pending returns the number of rounds in flight.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
