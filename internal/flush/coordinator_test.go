package flush

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vburojevic/traced/internal/domain"
	"github.com/vburojevic/traced/internal/producer"
)

type nopSink struct{}

func (nopSink) Write(string, [][]byte) bool { return true }

// heldAcks collects the ack callbacks of a producer that never acks by itself.
type heldAcks struct {
	mu   sync.Mutex
	acks []func()
}

func (h *heldAcks) hold(_ producer.FlushRequest, ack func()) {
	h.mu.Lock()
	h.acks = append(h.acks, ack)
	h.mu.Unlock()
}

func (h *heldAcks) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.acks)
}

func (h *heldAcks) release() {
	h.mu.Lock()
	acks := h.acks
	h.acks = nil
	h.mu.Unlock()
	for _, ack := range acks {
		ack()
	}
}

func setup(t *testing.T, producers ...*producer.Local) (*producer.Registry, domain.SessionID) {
	t.Helper()
	reg := producer.NewRegistry()
	const sid domain.SessionID = 7
	for _, p := range producers {
		id := reg.Register(p)
		for _, ds := range p.DataSources() {
			_, ok := reg.Bind(sid, id, ds, 1, nopSink{})
			require.True(t, ok)
		}
	}
	return reg, sid
}

func runFlush(c *Coordinator, ctx context.Context, sid domain.SessionID, timeout time.Duration, flags domain.FlushFlags) <-chan error {
	out := make(chan error, 1)
	go func() { out <- c.Flush(ctx, sid, timeout, flags) }()
	return out
}

func TestFlushZeroProducersSucceedsImmediately(t *testing.T) {
	reg := producer.NewRegistry()
	c := NewCoordinator(reg, Options{Clock: clock.NewMock()})
	require.NoError(t, c.Flush(context.Background(), 1, time.Second, 0))
}

func TestFlushAllAcksSucceeds(t *testing.T) {
	a := producer.NewLocal("a", 1000, "ds.a")
	b := producer.NewLocal("b", 1000, "ds.b", "ds.c")
	reg, sid := setup(t, a, b)
	c := NewCoordinator(reg, Options{Clock: clock.NewMock()})

	require.NoError(t, c.Flush(context.Background(), sid, time.Second, domain.FlushFlagExplicit))

	require.Len(t, a.Flushes(), 1)
	require.Len(t, b.Flushes(), 1)
	assert.Equal(t, domain.FlushFlagExplicit, b.Flushes()[0].Flags)
	assert.Len(t, b.Flushes()[0].Instances, 2)
	assert.Equal(t, sid, a.Flushes()[0].SessionID)
	assert.Equal(t, 0, c.Pending())
}

func TestFlushTimeoutAndLateAck(t *testing.T) {
	held := &heldAcks{}
	slow := producer.NewLocal("slow", 1000, "ds")
	slow.OnFlush(held.hold)
	reg, sid := setup(t, slow)
	mock := clock.NewMock()
	c := NewCoordinator(reg, Options{Clock: mock})

	done := runFlush(c, context.Background(), sid, time.Second, 0)
	require.Eventually(t, func() bool { return held.count() == 1 }, time.Second, time.Millisecond)

	mock.Add(time.Second)

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not finish after the deadline")
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTimeout))

	// The late ack must not affect anything, including the next round.
	held.release()
	assert.Equal(t, 0, c.Pending())

	slow.OnFlush(nil)
	require.NoError(t, c.Flush(context.Background(), sid, time.Second, 0))
}

func TestFlushAckBeforeDeadlineWins(t *testing.T) {
	held := &heldAcks{}
	p := producer.NewLocal("p", 1000, "ds")
	p.OnFlush(held.hold)
	reg, sid := setup(t, p)
	mock := clock.NewMock()
	c := NewCoordinator(reg, Options{Clock: mock})

	done := runFlush(c, context.Background(), sid, time.Second, 0)
	require.Eventually(t, func() bool { return held.count() == 1 }, time.Second, time.Millisecond)

	mock.Add(500 * time.Millisecond)
	held.release()
	require.NoError(t, <-done)

	// A timer firing after success is a no-op.
	mock.Add(time.Second)
	assert.Equal(t, 0, c.Pending())
}

func TestFlushZeroTimeoutUsesDefault(t *testing.T) {
	held := &heldAcks{}
	p := producer.NewLocal("p", 1000, "ds")
	p.OnFlush(held.hold)
	reg, sid := setup(t, p)
	mock := clock.NewMock()
	c := NewCoordinator(reg, Options{Clock: mock, DefaultTimeout: 3 * time.Second})

	done := runFlush(c, context.Background(), sid, 0, 0)
	require.Eventually(t, func() bool { return held.count() == 1 }, time.Second, time.Millisecond)

	mock.Add(2 * time.Second)
	select {
	case err := <-done:
		t.Fatalf("flush finished early: %v", err)
	default:
	}

	mock.Add(time.Second)
	err := <-done
	assert.True(t, errors.Is(err, domain.ErrTimeout))
}

func TestFlushContextCancel(t *testing.T) {
	held := &heldAcks{}
	p := producer.NewLocal("p", 1000, "ds")
	p.OnFlush(held.hold)
	reg, sid := setup(t, p)
	c := NewCoordinator(reg, Options{Clock: clock.NewMock()})

	ctx, cancel := context.WithCancel(context.Background())
	done := runFlush(c, ctx, sid, time.Minute, 0)
	require.Eventually(t, func() bool { return held.count() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestProducerGoneAcksPendingRounds(t *testing.T) {
	held := &heldAcks{}
	gone := producer.NewLocal("gone", 1000, "ds.gone")
	gone.OnFlush(held.hold)
	ok := producer.NewLocal("ok", 1000, "ds.ok")
	reg, sid := setup(t, gone, ok)
	c := NewCoordinator(reg, Options{Clock: clock.NewMock()})

	done := runFlush(c, context.Background(), sid, time.Minute, 0)
	require.Eventually(t, func() bool { return held.count() == 1 }, time.Second, time.Millisecond)

	// "gone" registered first, so it holds id 1.
	c.ProducerGone(1)
	require.NoError(t, <-done)
}
