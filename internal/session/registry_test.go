package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vburojevic/traced/internal/buffer"
	"github.com/vburojevic/traced/internal/domain"
)

func newTestRegistry(t *testing.T, maxKB uint32) (*Registry, *buffer.Store, *clock.Mock) {
	t.Helper()
	store := buffer.NewStore(maxKB)
	mock := clock.NewMock()
	return NewRegistry(store, Options{Clock: mock}), store, mock
}

func cfg(name string, score int32, sizes ...uint32) domain.TraceConfig {
	c := domain.TraceConfig{UniqueSessionName: name, BugreportScore: score}
	if len(sizes) == 0 {
		sizes = []uint32{4}
	}
	for _, kb := range sizes {
		c.Buffers = append(c.Buffers, domain.BufferConfig{SizeKB: kb})
	}
	c.DataSources = []domain.DataSourceConfig{{Name: "ds"}}
	return c
}

func mustCreate(t *testing.T, r *Registry, c domain.TraceConfig) *Session {
	t.Helper()
	s, err := r.Create(c, 1000)
	require.NoError(t, err)
	return s
}

func mustStart(t *testing.T, r *Registry, c domain.TraceConfig) *Session {
	t.Helper()
	s := mustCreate(t, r, c)
	_, err := r.Enable(s, false)
	require.NoError(t, err)
	return s
}

func TestCreate(t *testing.T) {
	t.Run("assigns monotonic ids and fresh uuids", func(t *testing.T) {
		r, store, _ := newTestRegistry(t, 0)
		a := mustCreate(t, r, cfg("", 0, 4, 8))
		b := mustCreate(t, r, cfg("", 0))

		assert.Equal(t, domain.SessionID(1), a.ID)
		assert.Equal(t, domain.SessionID(2), b.ID)
		assert.NotEqual(t, a.UUID, b.UUID)
		assert.Equal(t, domain.StateConfiguring, a.State())
		assert.Len(t, a.Buffers(), 2)
		assert.Equal(t, 3, store.Live())
	})

	t.Run("rejects a config without buffers", func(t *testing.T) {
		r, _, _ := newTestRegistry(t, 0)
		_, err := r.Create(domain.TraceConfig{}, 0)
		assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
	})

	t.Run("rejects duplicate unique names", func(t *testing.T) {
		r, _, _ := newTestRegistry(t, 0)
		mustCreate(t, r, cfg("boot", 0))
		_, err := r.Create(cfg("boot", 0), 0)
		assert.True(t, errors.Is(err, domain.ErrConflict))
	})

	t.Run("releases partial buffers on exhaustion", func(t *testing.T) {
		r, store, _ := newTestRegistry(t, 8)
		_, err := r.Create(cfg("", 0, 4, 8), 0)
		assert.True(t, errors.Is(err, domain.ErrResourceExhausted))
		assert.Equal(t, 0, store.Live())
		assert.Equal(t, 0, r.Count())
	})

	t.Run("does not alias the caller's config", func(t *testing.T) {
		r, _, _ := newTestRegistry(t, 0)
		c := cfg("", 0)
		s := mustCreate(t, r, c)
		c.DataSources[0].Name = "mutated"
		assert.Equal(t, "ds", s.Config().DataSources[0].Name)
	})
}

func TestStateMachine(t *testing.T) {
	t.Run("immediate start", func(t *testing.T) {
		r, _, mock := newTestRegistry(t, 0)
		mock.Set(time.Unix(50, 0))
		s := mustCreate(t, r, cfg("", 0))

		st, err := r.Enable(s, false)
		require.NoError(t, err)
		assert.Equal(t, domain.StateStarted, st)
		assert.Equal(t, time.Unix(50, 0).UnixNano(), s.Info().StartedAtNs)

		require.NoError(t, r.Stop(s))
		assert.Equal(t, domain.StateStopped, s.State())
		select {
		case <-s.Stopped():
		default:
			t.Fatal("stopped channel not closed")
		}
	})

	t.Run("deferred start", func(t *testing.T) {
		r, _, _ := newTestRegistry(t, 0)
		s := mustCreate(t, r, cfg("", 0))

		st, err := r.Enable(s, true)
		require.NoError(t, err)
		assert.Equal(t, domain.StateWaitingForExplicitStart, st)
		require.NoError(t, r.Start(s))
		assert.Equal(t, domain.StateStarted, s.State())
	})

	t.Run("invalid edges leave state unchanged", func(t *testing.T) {
		r, _, _ := newTestRegistry(t, 0)
		s := mustCreate(t, r, cfg("", 0))

		assert.True(t, errors.Is(r.Start(s), domain.ErrInvalidState))
		assert.True(t, errors.Is(r.Stop(s), domain.ErrInvalidState))
		assert.Equal(t, domain.StateConfiguring, s.State())

		_, err := r.Enable(s, false)
		require.NoError(t, err)
		_, err = r.Enable(s, false)
		assert.True(t, errors.Is(err, domain.ErrInvalidState))
		assert.True(t, errors.Is(r.Start(s), domain.ErrInvalidState))
		assert.Equal(t, domain.StateStarted, s.State())

		require.NoError(t, r.Stop(s))
		assert.True(t, errors.Is(r.Stop(s), domain.ErrInvalidState))
		assert.True(t, errors.Is(r.Start(s), domain.ErrInvalidState))
		assert.Equal(t, domain.StateStopped, s.State())
	})

	t.Run("fail records the error", func(t *testing.T) {
		r, _, _ := newTestRegistry(t, 0)
		s := mustCreate(t, r, cfg("", 0))
		_, err := r.Enable(s, false)
		require.NoError(t, err)

		require.NoError(t, r.Fail(s, "producer crashed"))
		assert.Equal(t, "producer crashed", s.LastError())
		assert.Equal(t, "producer crashed", s.Info().LastError)
	})
}

func TestDetachAttach(t *testing.T) {
	t.Run("round trip preserves config and identity", func(t *testing.T) {
		r, _, _ := newTestRegistry(t, 0)
		c := cfg("trace", 3)
		c.DurationMs = 10_000
		s := mustCreate(t, r, c)
		_, err := r.Enable(s, false)
		require.NoError(t, err)
		before := s.Config()

		require.NoError(t, r.Detach(s, "k1"))
		assert.Equal(t, domain.StateDetached, s.State())

		got, err := r.Attach("k1")
		require.NoError(t, err)
		assert.Same(t, s, got)
		assert.Equal(t, before, got.Config())
		assert.Equal(t, domain.StateStarted, got.State())

		_, err = r.Attach("k1")
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("key collision is a conflict", func(t *testing.T) {
		r, _, _ := newTestRegistry(t, 0)
		a := mustCreate(t, r, cfg("", 0))
		b := mustCreate(t, r, cfg("", 0))
		for _, s := range []*Session{a, b} {
			_, err := r.Enable(s, false)
			require.NoError(t, err)
		}

		require.NoError(t, r.Detach(a, "shared"))
		assert.True(t, errors.Is(r.Detach(b, "shared"), domain.ErrConflict))
		assert.Equal(t, domain.StateStarted, b.State())
	})

	t.Run("only started or stopped sessions detach", func(t *testing.T) {
		r, _, _ := newTestRegistry(t, 0)
		s := mustCreate(t, r, cfg("", 0))
		assert.True(t, errors.Is(r.Detach(s, "k"), domain.ErrInvalidState))
		assert.True(t, errors.Is(r.Detach(s, ""), domain.ErrInvalidArgument))
	})

	t.Run("detached session can still stop", func(t *testing.T) {
		r, _, _ := newTestRegistry(t, 0)
		s := mustCreate(t, r, cfg("", 0))
		_, err := r.Enable(s, false)
		require.NoError(t, err)
		require.NoError(t, r.Detach(s, "k"))

		require.NoError(t, r.Stop(s))
		assert.Equal(t, domain.StateDetached, s.State())

		_, err = r.Attach("k")
		require.NoError(t, err)
		assert.Equal(t, domain.StateStopped, s.State())
	})

	t.Run("concurrent detach allocates a key once", func(t *testing.T) {
		r, _, _ := newTestRegistry(t, 0)
		var sessions []*Session
		for range 8 {
			s := mustCreate(t, r, cfg("", 0))
			_, err := r.Enable(s, false)
			require.NoError(t, err)
			sessions = append(sessions, s)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for _, s := range sessions {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if r.Detach(s, "race") == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}

func TestResolveAndPick(t *testing.T) {
	t.Run("resolve skips clones", func(t *testing.T) {
		r, _, _ := newTestRegistry(t, 0)
		src := mustCreate(t, r, cfg("named", 0))
		_, err := r.CreateClone(src, CloneParams{OwnerUID: 1000})
		require.NoError(t, err)

		got, err := r.ResolveUniqueName("named")
		require.NoError(t, err)
		assert.Same(t, src, got)

		require.True(t, r.Destroy(src))
		_, err = r.ResolveUniqueName("named")
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("highest score wins and ties go to the newest", func(t *testing.T) {
		r, _, _ := newTestRegistry(t, 0)
		mustStart(t, r, cfg("", 0))
		mustStart(t, r, cfg("", 2))
		first := mustStart(t, r, cfg("", 5))
		second := mustStart(t, r, cfg("", 5))
		mustCreate(t, r, cfg("", 9))

		got, err := r.PickBugreportCandidate()
		require.NoError(t, err)
		assert.Same(t, second, got)

		r.Destroy(second)
		got, err = r.PickBugreportCandidate()
		require.NoError(t, err)
		assert.Same(t, first, got)
	})

	t.Run("score zero is never eligible", func(t *testing.T) {
		r, _, _ := newTestRegistry(t, 0)
		mustCreate(t, r, cfg("", 0))
		_, err := r.PickBugreportCandidate()
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("clones are never candidates", func(t *testing.T) {
		r, _, _ := newTestRegistry(t, 0)
		src := mustStart(t, r, cfg("", 9))
		clone, err := r.CreateClone(src, CloneParams{})
		require.NoError(t, err)
		r.Destroy(src)

		assert.Equal(t, int32(9), clone.Config().BugreportScore)
		_, err = r.PickBugreportCandidate()
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})
}

func TestCreateClone(t *testing.T) {
	r, store, _ := newTestRegistry(t, 0)
	src := mustCreate(t, r, cfg("src", 1, 4))
	_, err := r.Enable(src, false)
	require.NoError(t, err)

	b, ok := store.Get(src.Buffers()[0])
	require.True(t, ok)
	b.Write("ds", [][]byte{[]byte("payload")})

	trigger := &domain.TriggerInfo{Name: "crash", ProducerName: "app"}
	clone, err := r.CreateClone(src, CloneParams{OwnerUID: 0, SkipFilter: true, Trigger: trigger})
	require.NoError(t, err)

	assert.Equal(t, domain.StateCloned, clone.State())
	assert.Equal(t, domain.StateStopped, clone.Lifecycle())
	assert.Equal(t, src.ID, clone.ClonedFrom)
	assert.NotEqual(t, src.UUID, clone.UUID)
	assert.True(t, clone.SkipFilter)
	assert.Equal(t, "crash", clone.Trigger.Name)

	cb, ok := store.Get(clone.Buffers()[0])
	require.True(t, ok)
	assert.Equal(t, 1, cb.Len())

	// Clones reject lifecycle and config changes.
	assert.True(t, errors.Is(r.Start(clone), domain.ErrInvalidState))
	assert.True(t, errors.Is(r.Stop(clone), domain.ErrInvalidState))
	_, err = r.ChangeConfig(clone, domain.TraceConfig{})
	assert.True(t, errors.Is(err, domain.ErrInvalidState))
	assert.True(t, errors.Is(r.Detach(clone, "k"), domain.ErrInvalidState))

	found, err := r.LookupByBuffer(clone.Buffers()[0])
	require.NoError(t, err)
	assert.Same(t, clone, found)
}

func TestCreateCloneFailureReleasesCopies(t *testing.T) {
	r, store, _ := newTestRegistry(t, 12)
	src := mustCreate(t, r, cfg("", 0, 4, 4))

	_, err := r.CreateClone(src, CloneParams{})
	assert.True(t, errors.Is(err, domain.ErrCloneFailed))
	assert.Equal(t, 2, store.Live())
	assert.Equal(t, 1, r.Count())
}

func TestChangeConfigOnlyTouchesProducerFilters(t *testing.T) {
	r, _, _ := newTestRegistry(t, 0)
	s := mustCreate(t, r, cfg("", 0))

	got, err := r.ChangeConfig(s, domain.TraceConfig{
		DurationMs: 99,
		DataSources: []domain.DataSourceConfig{
			{Name: "ds", ProducerNameFilter: []string{"chrome"}},
			{Name: "unknown", ProducerNameFilter: []string{"x"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"chrome"}, got.DataSources[0].ProducerNameFilter)
	assert.Len(t, got.DataSources, 1)
	assert.Zero(t, got.DurationMs)
}

func TestDestroyIsIdempotent(t *testing.T) {
	r, store, _ := newTestRegistry(t, 0)
	s := mustCreate(t, r, cfg("", 0, 4, 4))
	_, err := r.Enable(s, false)
	require.NoError(t, err)
	require.NoError(t, r.Detach(s, "k"))

	assert.True(t, r.Destroy(s))
	assert.False(t, r.Destroy(s))
	assert.Equal(t, uint64(2), store.Released())
	assert.True(t, s.Destroyed())

	_, err = r.Lookup(s.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = r.Attach("k")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestSessionsOrderedByID(t *testing.T) {
	r, _, _ := newTestRegistry(t, 0)
	for range 5 {
		mustCreate(t, r, cfg("", 0))
	}
	ids := []domain.SessionID{}
	for _, s := range r.Sessions() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []domain.SessionID{1, 2, 3, 4, 5}, ids)
}
