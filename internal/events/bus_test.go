package events

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vburojevic/traced/internal/domain"
)

func ev(t domain.EventType, id domain.SessionID) domain.Event {
	return domain.Event{Type: t, SessionID: id}
}

func next(t *testing.T, s *Stream) []domain.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	batch, err := s.Next(ctx)
	require.NoError(t, err)
	return batch
}

func TestPublishFiltersByType(t *testing.T) {
	bus := NewBus(nil)
	all := bus.Subscribe(1, domain.EventTypes)
	startedOnly := bus.Subscribe(2, []domain.EventType{domain.EventAllDataSourcesStarted})

	bus.Publish(ev(domain.EventDataSourceInstances, 1))
	bus.Publish(ev(domain.EventAllDataSourcesStarted, 1))

	assert.Len(t, next(t, all), 2)
	got := next(t, startedOnly)
	require.Len(t, got, 1)
	assert.Equal(t, domain.EventAllDataSourcesStarted, got[0].Type)
}

func TestPublishPreservesOrderPerConnection(t *testing.T) {
	bus := NewBus(nil)
	s := bus.Subscribe(1, domain.EventTypes)

	for i := 1; i <= 100; i++ {
		bus.Publish(ev(domain.EventCloneTriggerHit, domain.SessionID(i)))
	}

	var got []domain.SessionID
	for len(got) < 100 {
		for _, e := range next(t, s) {
			got = append(got, e.SessionID)
		}
	}
	for i, id := range got {
		assert.Equal(t, domain.SessionID(i+1), id)
	}
}

func TestNoRetroactiveDelivery(t *testing.T) {
	bus := NewBus(nil)
	bus.Publish(ev(domain.EventCloneTriggerHit, 1))

	s := bus.Subscribe(1, domain.EventTypes)
	bus.Publish(ev(domain.EventCloneTriggerHit, 2))

	got := next(t, s)
	require.Len(t, got, 1)
	assert.Equal(t, domain.SessionID(2), got[0].SessionID)
}

func TestSubscribeReplacesSet(t *testing.T) {
	bus := NewBus(nil)
	s := bus.Subscribe(1, []domain.EventType{domain.EventDataSourceInstances})
	same := bus.Subscribe(1, []domain.EventType{domain.EventCloneTriggerHit})
	assert.Same(t, s, same)

	bus.Publish(ev(domain.EventDataSourceInstances, 1))
	bus.Publish(ev(domain.EventCloneTriggerHit, 2))

	got := next(t, s)
	require.Len(t, got, 1)
	assert.Equal(t, domain.EventCloneTriggerHit, got[0].Type)
}

func TestEmptySetUnsubscribes(t *testing.T) {
	bus := NewBus(nil)
	s := bus.Subscribe(1, domain.EventTypes)
	bus.Publish(ev(domain.EventCloneTriggerHit, 1))

	assert.Nil(t, bus.Subscribe(1, nil))
	assert.Equal(t, 0, bus.Subscribers())

	// Already queued events drain before the end of stream.
	assert.Len(t, next(t, s), 1)
	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	bus.Publish(ev(domain.EventCloneTriggerHit, 2))
	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestNextWakesOnPublish(t *testing.T) {
	bus := NewBus(nil)
	s := bus.Subscribe(1, domain.EventTypes)

	var wg sync.WaitGroup
	var got []domain.Event
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, _ = s.Next(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	bus.Publish(ev(domain.EventAllDataSourcesStarted, 3))
	wg.Wait()
	require.Len(t, got, 1)
}

func TestNextHonorsContext(t *testing.T) {
	bus := NewBus(nil)
	s := bus.Subscribe(1, domain.EventTypes)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
