package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vburojevic/traced/internal/codec"
	"github.com/vburojevic/traced/internal/consumer"
	"github.com/vburojevic/traced/internal/domain"
)

// ErrClientClosed is returned for calls on a closed or disconnected client.
var ErrClientClosed = errors.New("transport: client closed")

// responseQueue is the per-request buffer between the read loop and the
// caller. Streams that fall this far behind stall the connection.
const responseQueue = 64

// call routes the responses of one request. gone is closed when the caller
// stops listening so the read loop never blocks on an abandoned queue.
type call struct {
	frames chan Frame
	gone   chan struct{}
	once   sync.Once
}

func (c *call) abandon() { c.once.Do(func() { close(c.gone) }) }

// Client is a consumer protocol client. One Client is one consumer
// connection: the daemon binds at most one session to it and tears that
// session down when the client closes, unless it was detached.
type Client struct {
	fc  *frameConn
	log *zap.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*call
	err     error

	done chan struct{}
}

// Dial connects to the consumer socket at socketPath.
func Dial(ctx context.Context, socketPath string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	c := &Client{
		fc:      newFrameConn(conn),
		log:     logger.Named("client"),
		pending: make(map[uint64]*call),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close disconnects. Pending calls fail with ErrClientClosed.
func (c *Client) Close() error {
	err := c.fc.close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		f, err := c.fc.read()
		if err != nil {
			c.shutdown(err)
			return
		}
		c.mu.Lock()
		pc, ok := c.pending[f.ID]
		if ok && !f.More {
			delete(c.pending, f.ID)
		}
		c.mu.Unlock()
		if !ok {
			c.log.Debug("dropping frame for unknown request", zap.Uint64("id", f.ID))
			continue
		}
		select {
		case pc.frames <- f:
		case <-pc.gone:
		}
		if !f.More {
			close(pc.frames)
		}
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if isClosed(err) {
		err = ErrClientClosed
	}
	c.err = err
	for id, pc := range c.pending {
		close(pc.frames)
		delete(c.pending, id)
	}
}

// send writes a request and registers its response queue.
func (c *Client) send(method string, params any) (uint64, *call, error) {
	var raw codec.RawMessage
	if params != nil {
		b, err := codec.Marshal(params)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding %s params: %w", method, err)
		}
		raw = b
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return 0, nil, err
	}
	c.nextID++
	id := c.nextID
	pc := &call{frames: make(chan Frame, responseQueue), gone: make(chan struct{})}
	c.pending[id] = pc
	c.mu.Unlock()

	if err := c.fc.write(Frame{ID: id, Method: method, Params: raw}); err != nil {
		c.forget(id, pc)
		return 0, nil, err
	}
	return id, pc, nil
}

// forget stops routing frames for id. Frames already queued are dropped.
func (c *Client) forget(id uint64, pc *call) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
	pc.abandon()
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClientClosed
}

// Call sends a request and decodes its single response into out, if set.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	id, pc, err := c.send(method, params)
	if err != nil {
		return err
	}
	select {
	case f, ok := <-pc.frames:
		if !ok {
			return c.closedErr()
		}
		return decodeFrame(f, out)
	case <-ctx.Done():
		c.forget(id, pc)
		return ctx.Err()
	}
}

// Stream sends a request and calls fn with the payload of every response
// frame until the final one. A non-nil error from fn stops the stream.
func (c *Client) Stream(ctx context.Context, method string, params any, fn func(codec.RawMessage) error) error {
	id, pc, err := c.send(method, params)
	if err != nil {
		return err
	}
	defer c.forget(id, pc)
	for {
		select {
		case f, ok := <-pc.frames:
			if !ok {
				return c.closedErr()
			}
			if err := f.Err(); err != nil {
				return err
			}
			if len(f.Data) > 0 {
				if err := fn(f.Data); err != nil {
					return err
				}
			}
			if !f.More {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func decodeFrame(f Frame, out any) error {
	if err := f.Err(); err != nil {
		return err
	}
	if out == nil || len(f.Data) == 0 {
		return nil
	}
	if err := codec.Unmarshal(f.Data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// PendingEnable is an EnableTracing request awaiting its final response.
type PendingEnable struct {
	c  *Client
	pc *call
}

// EnableTracing creates a session for this connection. The daemon answers
// when tracing ends, so the outcome is collected with Wait.
func (c *Client) EnableTracing(ctx context.Context, req consumer.EnableTracingRequest) (*PendingEnable, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, pc, err := c.send(MethodEnableTracing, req)
	if err != nil {
		return nil, err
	}
	return &PendingEnable{c: c, pc: pc}, nil
}

// Wait blocks until tracing ends. It returns the rejection error if the
// session could not be created, and a Disabled with an empty error if the
// session was detached instead.
func (p *PendingEnable) Wait(ctx context.Context) (consumer.Disabled, error) {
	select {
	case f, ok := <-p.pc.frames:
		if !ok {
			return consumer.Disabled{}, p.c.closedErr()
		}
		var resp EnableResponse
		if err := decodeFrame(f, &resp); err != nil {
			return consumer.Disabled{}, err
		}
		if resp.Disabled == nil {
			return consumer.Disabled{}, nil
		}
		return *resp.Disabled, nil
	case <-ctx.Done():
		return consumer.Disabled{}, ctx.Err()
	}
}

// StartTracing starts a session enabled with deferred start.
func (c *Client) StartTracing(ctx context.Context) error {
	return c.Call(ctx, MethodStartTracing, nil, nil)
}

// ChangeTraceConfig updates the producer filters of the bound session.
func (c *Client) ChangeTraceConfig(ctx context.Context, cfg domain.TraceConfig) error {
	return c.Call(ctx, MethodChangeTraceConfig, cfg, nil)
}

// DisableTracing stops the bound session.
func (c *Client) DisableTracing(ctx context.Context) error {
	return c.Call(ctx, MethodDisableTracing, nil, nil)
}

// ReadBuffers streams the bound session's buffers to fn chunk by chunk.
func (c *Client) ReadBuffers(ctx context.Context, fn func(domain.Chunk) error) error {
	return c.Stream(ctx, MethodReadBuffers, nil, func(raw codec.RawMessage) error {
		var chunk domain.Chunk
		if err := codec.Unmarshal(raw, &chunk); err != nil {
			return fmt.Errorf("decoding chunk: %w", err)
		}
		return fn(chunk)
	})
}

// FreeBuffers releases a session and its buffers.
func (c *Client) FreeBuffers(ctx context.Context, req consumer.FreeBuffersRequest) error {
	return c.Call(ctx, MethodFreeBuffers, req, nil)
}

// Flush asks every producer of the bound session to commit its data. A
// zero timeout uses the session's configured one.
func (c *Client) Flush(ctx context.Context, timeout time.Duration, flags domain.FlushFlags) error {
	return c.Call(ctx, MethodFlush, FlushParams{TimeoutMs: uint32(timeout / time.Millisecond), Flags: flags}, nil)
}

// Detach parks the bound session under key.
func (c *Client) Detach(ctx context.Context, key string) error {
	return c.Call(ctx, MethodDetach, KeyParams{Key: key}, nil)
}

// Attach binds the session parked under key and returns its config.
func (c *Client) Attach(ctx context.Context, key string) (domain.TraceConfig, error) {
	var res AttachResult
	err := c.Call(ctx, MethodAttach, KeyParams{Key: key}, &res)
	return res.TraceConfig, err
}

// GetTraceStats returns the bound session's counters.
func (c *Client) GetTraceStats(ctx context.Context) (domain.TraceStats, error) {
	var stats domain.TraceStats
	err := c.Call(ctx, MethodGetTraceStats, nil, &stats)
	return stats, err
}

// ObserveEvents subscribes to types and calls fn with every batch until ctx
// is done, fn fails or the subscription is replaced with an empty set.
func (c *Client) ObserveEvents(ctx context.Context, types []domain.EventType, fn func([]domain.Event) error) error {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return c.Stream(ctx, MethodObserveEvents, ObserveParams{Events: names}, func(raw codec.RawMessage) error {
		var batch EventBatch
		if err := codec.Unmarshal(raw, &batch); err != nil {
			return fmt.Errorf("decoding events: %w", err)
		}
		return fn(batch.Events)
	})
}

// QueryServiceState collects every chunk of the daemon state.
func (c *Client) QueryServiceState(ctx context.Context, sessionsOnly bool) (consumer.ServiceState, error) {
	var merged consumer.ServiceState
	err := c.Stream(ctx, MethodQueryServiceState, QueryStateParams{SessionsOnly: sessionsOnly}, func(raw codec.RawMessage) error {
		var chunk consumer.ServiceState
		if err := codec.Unmarshal(raw, &chunk); err != nil {
			return fmt.Errorf("decoding state: %w", err)
		}
		merged.Merge(chunk)
		return nil
	})
	return merged, err
}

// QueryCapabilities returns what the daemon supports.
func (c *Client) QueryCapabilities(ctx context.Context) (consumer.Capabilities, error) {
	var caps consumer.Capabilities
	err := c.Call(ctx, MethodQueryCapabilities, nil, &caps)
	return caps, err
}

// CloneSession snapshots another session and binds the copy to this
// connection.
func (c *Client) CloneSession(ctx context.Context, req consumer.CloneRequest) (consumer.CloneResult, error) {
	var res consumer.CloneResult
	err := c.Call(ctx, MethodCloneSession, req, &res)
	return res, err
}
