// Package events fans session lifecycle events out to the consumer
// connections that subscribed to them.
package events

import (
	"context"
	"io"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/vburojevic/traced/internal/domain"
	"github.com/vburojevic/traced/internal/metrics"
)

// ConnID identifies a subscribing connection.
type ConnID uint64

// Bus delivers every published event to each connection whose subscription
// contains the event's type. Delivery to one connection preserves publish
// order; nothing is retained for connections that subscribe later.
type Bus struct {
	log *zap.Logger

	mu      sync.RWMutex
	streams map[ConnID]*Stream
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{log: logger.Named("events"), streams: make(map[ConnID]*Stream)}
}

// Subscribe replaces conn's subscription with types. An empty set
// unsubscribes, ending the previous stream, and returns nil. Replacing a
// non-empty set keeps the same stream and any events already queued on it.
func (b *Bus) Subscribe(conn ConnID, types []domain.EventType) *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.streams[conn]
	if len(types) == 0 {
		if cur != nil {
			delete(b.streams, conn)
			cur.close()
		}
		return nil
	}

	set := lo.SliceToMap(types, func(t domain.EventType) (domain.EventType, struct{}) {
		return t, struct{}{}
	})
	if cur != nil {
		cur.setTypes(set)
		return cur
	}
	s := newStream(set)
	b.streams[conn] = s
	b.log.Debug("subscribed", zap.Uint64("conn", uint64(conn)), zap.Int("types", len(set)))
	return s
}

// Unsubscribe ends conn's stream, if any.
func (b *Bus) Unsubscribe(conn ConnID) {
	b.Subscribe(conn, nil)
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *Bus) Publish(ev domain.Event) {
	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.streams {
		s.push(ev)
	}
}

// Subscribers returns the number of subscribed connections.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.streams)
}

// Stream is one connection's ordered, unbounded event mailbox.
type Stream struct {
	mu     sync.Mutex
	types  map[domain.EventType]struct{}
	queue  []domain.Event
	closed bool
	wake   *signal
}

func newStream(types map[domain.EventType]struct{}) *Stream {
	return &Stream{types: types, wake: newSignal()}
}

func (s *Stream) setTypes(types map[domain.EventType]struct{}) {
	s.mu.Lock()
	s.types = types
	s.mu.Unlock()
}

func (s *Stream) push(ev domain.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.types[ev.Type]; !ok {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.wake.notify()
}

func (s *Stream) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake.notify()
}

// Next blocks until at least one event is queued and returns every queued
// event as one batch. Events queued before an unsubscribe are still
// returned; after that Next returns io.EOF.
func (s *Stream) Next(ctx context.Context) ([]domain.Event, error) {
	for {
		wait := s.wake.c()

		s.mu.Lock()
		if len(s.queue) > 0 {
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()
			return batch, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, io.EOF
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// signal is a broadcast wakeup: notify closes the current channel and
// installs a fresh one.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal { return &signal{ch: make(chan struct{})} }

func (s *signal) notify() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

func (s *signal) c() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}
