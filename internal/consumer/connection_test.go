package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vburojevic/traced/internal/domain"
	"github.com/vburojevic/traced/internal/producer"
)

type harness struct {
	svc  *Service
	mock *clock.Mock
	app  *producer.Local
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	mock := clock.NewMock()
	opts.Clock = mock
	opts.NoClockProducer = true
	svc := NewService(opts)
	t.Cleanup(svc.Close)

	app := producer.NewLocal("app", 1000, "ds")
	svc.RegisterProducer(app)
	return &harness{svc: svc, mock: mock, app: app}
}

func traceConfig() domain.TraceConfig {
	return domain.TraceConfig{
		Buffers:     []domain.BufferConfig{{SizeKB: 64}},
		DataSources: []domain.DataSourceConfig{{Name: "ds"}},
	}
}

func enable(t *testing.T, c *Connection, cfg domain.TraceConfig) <-chan EnableResult {
	t.Helper()
	res := c.EnableTracing(context.Background(), EnableTracingRequest{Config: cfg})
	select {
	case r := <-res:
		t.Fatalf("EnableTracing finished immediately: %#v", r)
	default:
	}
	return res
}

func readAll(t *testing.T, c *Connection) []domain.Chunk {
	t.Helper()
	seq, err := c.ReadBuffers(context.Background())
	require.NoError(t, err)
	var out []domain.Chunk
	for chunk := range seq {
		out = append(out, chunk)
	}
	return out
}

func payload(chunks []domain.Chunk) []string {
	var out []string
	var cur []byte
	for _, c := range chunks {
		for _, s := range c.Slices {
			cur = append(cur, s.Data...)
			if s.LastSliceOfPacket {
				out = append(out, string(cur))
				cur = nil
			}
		}
	}
	return out
}

func boundState(t *testing.T, c *Connection) domain.State {
	t.Helper()
	sess, err := c.owned()
	require.NoError(t, err)
	return sess.State()
}

func receive(t *testing.T, ch <-chan EnableResult) (EnableResult, bool) {
	t.Helper()
	select {
	case r, ok := <-ch:
		return r, ok
	case <-time.After(2 * time.Second):
		t.Fatal("no EnableTracing result")
		return nil, false
	}
}

func TestEndToEndDeferredStart(t *testing.T) {
	h := newHarness(t, Options{})
	conn := h.svc.Connect(1000)
	ctx := context.Background()

	cfg := traceConfig()
	cfg.DeferredStart = true
	enable(t, conn, cfg)
	assert.Equal(t, domain.StateWaitingForExplicitStart, boundState(t, conn))

	chunks := readAll(t, conn)
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].LastChunk)
	assert.Empty(t, chunks[0].Slices)

	require.NoError(t, conn.StartTracing(ctx))
	assert.Equal(t, domain.StateStarted, boundState(t, conn))

	assert.Equal(t, 1, h.app.Write("ds", []byte("pkt-"), []byte("one")))
	assert.Equal(t, 1, h.app.Write("ds", []byte("pkt-two")))
	require.NoError(t, conn.Flush(ctx, time.Second, domain.FlushFlagExplicit))

	chunks = readAll(t, conn)
	assert.Equal(t, []string{"pkt-one", "pkt-two"}, payload(chunks))
	assert.True(t, chunks[len(chunks)-1].LastChunk)

	require.NoError(t, conn.DisableTracing(ctx))
	assert.Equal(t, domain.StateStopped, boundState(t, conn))

	sess, err := conn.owned()
	require.NoError(t, err)
	require.NoError(t, conn.FreeBuffers(ctx, FreeBuffersRequest{}))
	_, err = h.svc.Sessions().Lookup(sess.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestReadBuffersConsumesOnlyCompletedStreams(t *testing.T) {
	h := newHarness(t, Options{MaxChunkBytes: 4})
	conn := h.svc.Connect(1000)
	enable(t, conn, traceConfig())

	for range 5 {
		h.app.Write("ds", []byte("abcd"))
	}

	seq, err := conn.ReadBuffers(context.Background())
	require.NoError(t, err)
	for range seq {
		break
	}

	assert.Len(t, payload(readAll(t, conn)), 5)
	chunks := readAll(t, conn)
	require.Len(t, chunks, 1)
	assert.Empty(t, chunks[0].Slices)
}

func TestReadBuffersAppliesTraceFilter(t *testing.T) {
	h := newHarness(t, Options{})
	other := producer.NewLocal("other", 1000, "noise")
	h.svc.RegisterProducer(other)

	cfg := traceConfig()
	cfg.DataSources = append(cfg.DataSources, domain.DataSourceConfig{Name: "noise"})
	cfg.TraceFilter = &domain.TraceFilter{AllowedSources: []string{"ds"}}
	conn := h.svc.Connect(1000)
	enable(t, conn, cfg)

	h.app.Write("ds", []byte("keep"))
	other.Write("noise", []byte("drop"))

	assert.Equal(t, []string{"keep"}, payload(readAll(t, conn)))
}

func TestEnableTracingRejections(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	t.Run("empty config", func(t *testing.T) {
		conn := h.svc.Connect(1000)
		r, ok := receive(t, conn.EnableTracing(ctx, EnableTracingRequest{}))
		require.True(t, ok)
		rej, isRejected := r.(Rejected)
		require.True(t, isRejected)
		assert.Equal(t, domain.CodeInvalidArgument, rej.Code)
		assert.True(t, errors.Is(rej.Err(), domain.ErrInvalidArgument))
	})

	t.Run("second session on one connection", func(t *testing.T) {
		conn := h.svc.Connect(1000)
		enable(t, conn, traceConfig())
		r, _ := receive(t, conn.EnableTracing(ctx, EnableTracingRequest{Config: traceConfig()}))
		rej, isRejected := r.(Rejected)
		require.True(t, isRejected)
		assert.Equal(t, domain.CodeInvalidState, rej.Code)
	})

	t.Run("duplicate unique name", func(t *testing.T) {
		cfg := traceConfig()
		cfg.UniqueSessionName = "only-one"
		enable(t, h.svc.Connect(1000), cfg)
		r, _ := receive(t, h.svc.Connect(1000).EnableTracing(ctx, EnableTracingRequest{Config: cfg}))
		assert.Equal(t, domain.CodeConflict, r.(Rejected).Code)
	})

	t.Run("buffer budget", func(t *testing.T) {
		small := newHarness(t, Options{MaxTotalKB: 16})
		r, _ := receive(t, small.svc.Connect(1000).EnableTracing(ctx, EnableTracingRequest{Config: traceConfig()}))
		assert.Equal(t, domain.CodeResourceExhausted, r.(Rejected).Code)
		assert.Equal(t, 0, small.svc.Sessions().Count())
	})
}

func TestDisabledNotification(t *testing.T) {
	h := newHarness(t, Options{})
	conn := h.svc.Connect(1000)
	res := enable(t, conn, traceConfig())

	require.NoError(t, conn.DisableTracing(context.Background()))
	r, ok := receive(t, res)
	require.True(t, ok)
	assert.Equal(t, Disabled{}, r)
}

func TestInternalErrorStopsSession(t *testing.T) {
	t.Run("start with a lost buffer", func(t *testing.T) {
		h := newHarness(t, Options{})
		conn := h.svc.Connect(1000)
		cfg := traceConfig()
		cfg.DeferredStart = true
		res := enable(t, conn, cfg)

		sess, err := conn.owned()
		require.NoError(t, err)
		require.True(t, h.svc.store.Release(sess.Buffers()[0]))

		require.NoError(t, conn.StartTracing(context.Background()))
		r, ok := receive(t, res)
		require.True(t, ok)
		disabled, isDisabled := r.(Disabled)
		require.True(t, isDisabled, "got %#v", r)
		assert.Contains(t, disabled.Error, "is gone")

		assert.Equal(t, domain.StateStopped, sess.State())
		assert.Contains(t, sess.Info().LastError, "is gone")
	})

	t.Run("read with a lost buffer", func(t *testing.T) {
		h := newHarness(t, Options{})
		conn := h.svc.Connect(1000)
		res := enable(t, conn, traceConfig())

		sess, err := conn.owned()
		require.NoError(t, err)
		require.True(t, h.svc.store.Release(sess.Buffers()[0]))

		_, err = conn.ReadBuffers(context.Background())
		assert.Equal(t, domain.CodeInternal, domain.CodeOf(err))

		r, ok := receive(t, res)
		require.True(t, ok)
		assert.Contains(t, r.(Disabled).Error, "is gone")
		assert.Equal(t, domain.StateStopped, sess.State())
	})
}

func TestStateMachineThroughConnection(t *testing.T) {
	h := newHarness(t, Options{})
	conn := h.svc.Connect(1000)
	ctx := context.Background()

	assert.True(t, errors.Is(conn.StartTracing(ctx), domain.ErrNotFound))

	enable(t, conn, traceConfig())
	assert.True(t, errors.Is(conn.StartTracing(ctx), domain.ErrInvalidState))
	assert.Equal(t, domain.StateStarted, boundState(t, conn))

	require.NoError(t, conn.DisableTracing(ctx))
	assert.True(t, errors.Is(conn.DisableTracing(ctx), domain.ErrInvalidState))
	assert.True(t, errors.Is(conn.StartTracing(ctx), domain.ErrInvalidState))
	assert.Equal(t, domain.StateStopped, boundState(t, conn))
}

func TestFlushTimeoutKeepsSessionRunning(t *testing.T) {
	h := newHarness(t, Options{})
	acks := make(chan func(), 1)
	h.app.OnFlush(func(_ producer.FlushRequest, ack func()) { acks <- ack })

	conn := h.svc.Connect(1000)
	enable(t, conn, traceConfig())

	done := make(chan error, 1)
	go func() { done <- conn.Flush(context.Background(), time.Second, 0) }()

	var late func()
	select {
	case late = <-acks:
	case <-time.After(2 * time.Second):
		t.Fatal("producer never saw the flush")
	}
	h.mock.Add(time.Second)

	err := <-done
	assert.True(t, errors.Is(err, domain.ErrTimeout))
	late()

	assert.Equal(t, domain.StateStarted, boundState(t, conn))
	stats, err := conn.GetTraceStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.FlushesRequested)
	assert.Equal(t, uint64(1), stats.FlushesFailed)
	assert.Equal(t, 1, stats.ProducersBound)
}

func TestDetachAttach(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	cfg := traceConfig()
	cfg.DurationMs = 60_000
	cfg.UniqueSessionName = "long"
	first := h.svc.Connect(1000)
	res := enable(t, first, cfg)
	sess, err := first.owned()
	require.NoError(t, err)
	want := sess.Config()

	require.NoError(t, first.Detach(ctx, "key"))
	_, open := receive(t, res)
	assert.False(t, open)

	first.Close()
	_, err = h.svc.Sessions().Lookup(sess.ID)
	require.NoError(t, err, "detached session survives its owner")

	second := h.svc.Connect(1000)
	got, err := second.Attach(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	again, err := second.owned()
	require.NoError(t, err)
	assert.Equal(t, sess.ID, again.ID)
	assert.Equal(t, sess.UUID, again.UUID)
	assert.Equal(t, domain.StateStarted, again.State())

	note := second.EnableTracing(ctx, EnableTracingRequest{AttachNotificationOnly: true})
	require.NoError(t, second.DisableTracing(ctx))
	r, ok := receive(t, note)
	require.True(t, ok)
	assert.IsType(t, Disabled{}, r)

	_, err = h.svc.Connect(1000).Attach(ctx, "key")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestCloseDestroysOwnedSession(t *testing.T) {
	h := newHarness(t, Options{})
	conn := h.svc.Connect(1000)
	enable(t, conn, traceConfig())
	sess, err := conn.owned()
	require.NoError(t, err)

	conn.Close()
	conn.Close()

	assert.True(t, sess.Destroyed())
	assert.Equal(t, 0, h.svc.Store().Live())
	assert.Empty(t, h.app.Instances())

	_, err = conn.ReadBuffers(context.Background())
	assert.True(t, errors.Is(err, domain.ErrInvalidState))
}

func TestFreeBuffersIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	conn := h.svc.Connect(1000)
	enable(t, conn, traceConfig())
	sess, _ := conn.owned()

	require.NoError(t, conn.FreeBuffers(ctx, FreeBuffersRequest{}))
	assert.True(t, errors.Is(conn.FreeBuffers(ctx, FreeBuffersRequest{}), domain.ErrNotFound))
	assert.True(t, errors.Is(conn.FreeBuffers(ctx, FreeBuffersRequest{SessionID: sess.ID}), domain.ErrNotFound))
	assert.Equal(t, uint64(1), h.svc.Store().Released())
}

func TestDurationExpiryStopsSession(t *testing.T) {
	h := newHarness(t, Options{})
	cfg := traceConfig()
	cfg.DurationMs = 2_000
	conn := h.svc.Connect(1000)
	res := enable(t, conn, cfg)

	h.mock.Add(time.Second)
	assert.Equal(t, domain.StateStarted, boundState(t, conn))

	h.mock.Add(time.Second)
	r, ok := receive(t, res)
	require.True(t, ok)
	assert.IsType(t, Disabled{}, r)
	assert.Equal(t, domain.StateStopped, boundState(t, conn))
	require.Eventually(t, func() bool { return len(h.app.Instances()) == 0 }, time.Second, time.Millisecond)
}

func TestCloneSessionAndFree(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	cfg := traceConfig()
	cfg.UniqueSessionName = "live"
	owner := h.svc.Connect(1000)
	enable(t, owner, cfg)
	h.app.Write("ds", []byte("before clone"))

	cloner := h.svc.Connect(1000)
	res, err := cloner.CloneSession(ctx, CloneRequest{UniqueSessionName: "live"})
	require.NoError(t, err)
	assert.NotZero(t, res.UUIDMsb|res.UUIDLsb)
	assert.Equal(t, domain.StateCloned, boundState(t, cloner))

	h.app.Write("ds", []byte("after clone"))
	assert.Equal(t, []string{"before clone"}, payload(readAll(t, cloner)))
	assert.Equal(t, []string{"before clone", "after clone"}, payload(readAll(t, owner)))

	assert.True(t, errors.Is(cloner.Flush(ctx, time.Second, 0), domain.ErrInvalidState))
	assert.True(t, errors.Is(cloner.ChangeTraceConfig(ctx, cfg), domain.ErrInvalidState))

	// Clones outlive the connection that made them.
	cloner.Close()
	_, err = h.svc.Sessions().Lookup(res.SessionID)
	require.NoError(t, err)

	stranger := h.svc.Connect(2000)
	assert.True(t, errors.Is(stranger.FreeBuffers(ctx, FreeBuffersRequest{SessionID: res.SessionID}), domain.ErrPermissionDenied))

	_, err = stranger.CloneSession(ctx, CloneRequest{SessionID: domain.BugreportSessionID})
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	require.NoError(t, owner.FreeBuffers(ctx, FreeBuffersRequest{SessionID: res.SessionID}))
	assert.True(t, errors.Is(owner.FreeBuffers(ctx, FreeBuffersRequest{SessionID: res.SessionID}), domain.ErrNotFound))
	assert.Equal(t, domain.StateStarted, boundState(t, owner))
}

func TestCloneRejectsBoundConnection(t *testing.T) {
	h := newHarness(t, Options{})
	conn := h.svc.Connect(1000)
	enable(t, conn, traceConfig())
	sess, _ := conn.owned()

	_, err := conn.CloneSession(context.Background(), CloneRequest{SessionID: sess.ID})
	assert.True(t, errors.Is(err, domain.ErrInvalidState))
}

func TestChangeTraceConfigRebindsProducers(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	cfg := traceConfig()
	cfg.DataSources[0].ProducerNameFilter = []string{"nobody"}

	conn := h.svc.Connect(1000)
	enable(t, conn, cfg)
	assert.Empty(t, h.app.Instances())

	cfg.DataSources[0].ProducerNameFilter = []string{"app"}
	require.NoError(t, conn.ChangeTraceConfig(ctx, cfg))
	assert.Len(t, h.app.Instances(), 1)

	cfg.DataSources[0].ProducerNameFilter = []string{"nobody"}
	require.NoError(t, conn.ChangeTraceConfig(ctx, cfg))
	assert.Empty(t, h.app.Instances())
}

func TestLateProducerJoinsStartedSession(t *testing.T) {
	h := newHarness(t, Options{})
	conn := h.svc.Connect(1000)
	cfg := traceConfig()
	cfg.DataSources = append(cfg.DataSources, domain.DataSourceConfig{Name: "late.ds"})
	enable(t, conn, cfg)

	late := producer.NewLocal("late", 1000, "late.ds")
	id := h.svc.RegisterProducer(late)
	require.Len(t, late.Instances(), 1)
	late.Write("late.ds", []byte("hi"))
	assert.Equal(t, []string{"hi"}, payload(readAll(t, conn)))

	h.svc.UnregisterProducer(id)
	stats, err := conn.GetTraceStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ProducersBound)
}

func TestBuiltInClockProducer(t *testing.T) {
	mock := clock.NewMock()
	svc := NewService(Options{Clock: mock})
	t.Cleanup(svc.Close)

	conn := svc.Connect(1000)
	cfg := domain.TraceConfig{
		Buffers:     []domain.BufferConfig{{SizeKB: 4}},
		DataSources: []domain.DataSourceConfig{{Name: producer.ClockDataSource}},
	}
	enable(t, conn, cfg)
	require.NoError(t, conn.Flush(context.Background(), time.Second, 0))

	assert.Len(t, payload(readAll(t, conn)), 2)
}
