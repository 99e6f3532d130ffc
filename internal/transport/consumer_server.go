package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vburojevic/traced/internal/codec"
	"github.com/vburojevic/traced/internal/consumer"
	"github.com/vburojevic/traced/internal/domain"
	"github.com/vburojevic/traced/internal/events"
)

// Consumer protocol methods.
const (
	MethodEnableTracing     = "EnableTracing"
	MethodStartTracing      = "StartTracing"
	MethodChangeTraceConfig = "ChangeTraceConfig"
	MethodDisableTracing    = "DisableTracing"
	MethodReadBuffers       = "ReadBuffers"
	MethodFreeBuffers       = "FreeBuffers"
	MethodFlush             = "Flush"
	MethodDetach            = "Detach"
	MethodAttach            = "Attach"
	MethodGetTraceStats     = "GetTraceStats"
	MethodObserveEvents     = "ObserveEvents"
	MethodQueryServiceState = "QueryServiceState"
	MethodQueryCapabilities = "QueryCapabilities"
	MethodCloneSession      = "CloneSession"
)

// FlushParams are the Flush request parameters.
type FlushParams struct {
	TimeoutMs uint32            `cbor:"timeout_ms,omitempty"`
	Flags     domain.FlushFlags `cbor:"flags,omitempty"`
}

// KeyParams carry a detach key.
type KeyParams struct {
	Key string `cbor:"key"`
}

// AttachResult is the Attach response.
type AttachResult struct {
	TraceConfig domain.TraceConfig `cbor:"trace_config"`
}

// ObserveParams replace the connection's event subscription.
type ObserveParams struct {
	Events []string `cbor:"events_to_observe,omitempty"`
}

// EventBatch is one ObserveEvents stream frame.
type EventBatch struct {
	Events []domain.Event `cbor:"events"`
}

// QueryStateParams are the QueryServiceState request parameters.
type QueryStateParams struct {
	SessionsOnly bool `cbor:"sessions_only,omitempty"`
}

// EnableResponse is the final EnableTracing frame when tracing ends
// normally or with a recorded error.
type EnableResponse struct {
	Disabled *consumer.Disabled `cbor:"disabled,omitempty"`
}

// ConsumerServer serves the consumer protocol.
type ConsumerServer struct {
	socketPath string
	svc        *consumer.Service
	log        *zap.Logger
	ready      chan struct{}
}

// NewConsumerServer creates a server for svc on socketPath.
func NewConsumerServer(socketPath string, svc *consumer.Service, logger *zap.Logger) *ConsumerServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsumerServer{
		socketPath: socketPath,
		svc:        svc,
		log:        logger.Named("consumer_socket"),
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the socket accepts connections.
func (s *ConsumerServer) Ready() <-chan struct{} { return s.ready }

// Serve blocks until ctx is cancelled.
func (s *ConsumerServer) Serve(ctx context.Context) error {
	return serveUnix(ctx, s.socketPath, s.log, s.ready, s.handleConnection)
}

// consumerSession is the server side of one consumer socket.
type consumerSession struct {
	srv  *ConsumerServer
	fc   *frameConn
	cc   *consumer.Connection
	log  *zap.Logger
	wg   sync.WaitGroup
	mu   sync.Mutex
	feed *events.Stream
}

func (s *ConsumerServer) handleConnection(ctx context.Context, conn net.Conn) {
	uid := peerUID(conn)
	cs := &consumerSession{
		srv: s,
		fc:  newFrameConn(conn),
		cc:  s.svc.Connect(uid),
	}
	cs.log = s.log.With(zap.Uint64("conn", uint64(cs.cc.ID())), zap.Int("uid", uid))
	cs.log.Debug("consumer connected")

	defer func() {
		// Close first so notification and event goroutines finish.
		cs.cc.Close()
		conn.Close()
		cs.wg.Wait()
		cs.log.Debug("consumer disconnected")
	}()

	for {
		f, err := cs.fc.read()
		if err != nil {
			if !isClosed(err) && ctx.Err() == nil {
				cs.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		if err := cs.dispatch(ctx, f); err != nil {
			if !isClosed(err) {
				cs.log.Debug("write failed", zap.Error(err))
			}
			return
		}
	}
}

func decodeParams(f Frame, v any) error {
	if len(f.Params) == 0 {
		return nil
	}
	if err := codec.Unmarshal(f.Params, v); err != nil {
		return domain.Errorf(domain.CodeInvalidArgument, "invalid %s params: %v", f.Method, err)
	}
	return nil
}

// dispatch handles one request. Only write errors are returned; request
// failures are reported to the client.
func (cs *consumerSession) dispatch(ctx context.Context, f Frame) error {
	cc := cs.cc
	switch f.Method {
	case MethodEnableTracing:
		var req consumer.EnableTracingRequest
		if err := decodeParams(f, &req); err != nil {
			return cs.fc.reply(f.ID, nil, err)
		}
		res := cc.EnableTracing(ctx, req)
		cs.wg.Add(1)
		go func() {
			defer cs.wg.Done()
			cs.deliverEnableResult(f.ID, res)
		}()
		return nil

	case MethodStartTracing:
		return cs.fc.reply(f.ID, nil, cc.StartTracing(ctx))

	case MethodChangeTraceConfig:
		var cfg domain.TraceConfig
		if err := decodeParams(f, &cfg); err != nil {
			return cs.fc.reply(f.ID, nil, err)
		}
		return cs.fc.reply(f.ID, nil, cc.ChangeTraceConfig(ctx, cfg))

	case MethodDisableTracing:
		return cs.fc.reply(f.ID, nil, cc.DisableTracing(ctx))

	case MethodReadBuffers:
		seq, err := cc.ReadBuffers(ctx)
		if err != nil {
			return cs.fc.reply(f.ID, nil, err)
		}
		for chunk := range seq {
			frame, err := dataFrame(f.ID, chunk, !chunk.LastChunk)
			if err != nil {
				return cs.fc.reply(f.ID, nil, domain.Errorf(domain.CodeInternal, "encoding chunk: %v", err))
			}
			if err := cs.fc.write(frame); err != nil {
				return err
			}
		}
		return nil

	case MethodFreeBuffers:
		var req consumer.FreeBuffersRequest
		if err := decodeParams(f, &req); err != nil {
			return cs.fc.reply(f.ID, nil, err)
		}
		return cs.fc.reply(f.ID, nil, cc.FreeBuffers(ctx, req))

	case MethodFlush:
		var p FlushParams
		if err := decodeParams(f, &p); err != nil {
			return cs.fc.reply(f.ID, nil, err)
		}
		return cs.fc.reply(f.ID, nil, cc.Flush(ctx, time.Duration(p.TimeoutMs)*time.Millisecond, p.Flags))

	case MethodDetach:
		var p KeyParams
		if err := decodeParams(f, &p); err != nil {
			return cs.fc.reply(f.ID, nil, err)
		}
		return cs.fc.reply(f.ID, nil, cc.Detach(ctx, p.Key))

	case MethodAttach:
		var p KeyParams
		if err := decodeParams(f, &p); err != nil {
			return cs.fc.reply(f.ID, nil, err)
		}
		cfg, err := cc.Attach(ctx, p.Key)
		if err != nil {
			return cs.fc.reply(f.ID, nil, err)
		}
		return cs.fc.reply(f.ID, AttachResult{TraceConfig: cfg}, nil)

	case MethodGetTraceStats:
		stats, err := cc.GetTraceStats(ctx)
		if err != nil {
			return cs.fc.reply(f.ID, nil, err)
		}
		return cs.fc.reply(f.ID, stats, nil)

	case MethodObserveEvents:
		var p ObserveParams
		if err := decodeParams(f, &p); err != nil {
			return cs.fc.reply(f.ID, nil, err)
		}
		return cs.observe(ctx, f.ID, p)

	case MethodQueryServiceState:
		var p QueryStateParams
		if err := decodeParams(f, &p); err != nil {
			return cs.fc.reply(f.ID, nil, err)
		}
		for chunk := range cc.QueryServiceState(ctx, p.SessionsOnly) {
			frame, err := dataFrame(f.ID, chunk, !chunk.LastChunk)
			if err != nil {
				return cs.fc.reply(f.ID, nil, domain.Errorf(domain.CodeInternal, "encoding state: %v", err))
			}
			if err := cs.fc.write(frame); err != nil {
				return err
			}
		}
		return nil

	case MethodQueryCapabilities:
		return cs.fc.reply(f.ID, cc.QueryCapabilities(), nil)

	case MethodCloneSession:
		var req consumer.CloneRequest
		if err := decodeParams(f, &req); err != nil {
			return cs.fc.reply(f.ID, nil, err)
		}
		res, err := cc.CloneSession(ctx, req)
		if err != nil {
			return cs.fc.reply(f.ID, nil, err)
		}
		return cs.fc.reply(f.ID, res, nil)

	default:
		return cs.fc.reply(f.ID, nil, domain.Errorf(domain.CodeInvalidArgument, "unknown method %q", f.Method))
	}
}

func (cs *consumerSession) deliverEnableResult(id uint64, res <-chan consumer.EnableResult) {
	r, ok := <-res
	var err error
	switch v := r.(type) {
	case consumer.Rejected:
		err = cs.fc.reply(id, nil, v.Err())
	case consumer.Disabled:
		err = cs.fc.reply(id, EnableResponse{Disabled: &v}, nil)
	default:
		if ok {
			err = fmt.Errorf("unexpected enable result %T", r)
			break
		}
		// The session was detached or the connection closed first.
		err = cs.fc.reply(id, EnableResponse{}, nil)
	}
	if err != nil && !isClosed(err) {
		cs.log.Debug("enable result not delivered", zap.Error(err))
	}
}

// observe replaces the subscription. The first request that creates a
// stream keeps receiving its batches; later requests that only change the
// set are answered immediately.
func (cs *consumerSession) observe(ctx context.Context, id uint64, p ObserveParams) error {
	types := make([]domain.EventType, 0, len(p.Events))
	for _, name := range p.Events {
		t, err := domain.ParseEventType(name)
		if err != nil {
			return cs.fc.reply(id, nil, err)
		}
		types = append(types, t)
	}

	stream := cs.cc.ObserveEvents(types)

	cs.mu.Lock()
	existing := cs.feed
	cs.feed = stream
	cs.mu.Unlock()

	if stream == nil || stream == existing {
		return cs.fc.reply(id, nil, nil)
	}

	cs.wg.Add(1)
	go func() {
		defer cs.wg.Done()
		for {
			batch, err := stream.Next(ctx)
			if err != nil {
				if errors.Is(err, io.EOF) {
					_ = cs.fc.reply(id, nil, nil)
				}
				return
			}
			frame, err := dataFrame(id, EventBatch{Events: batch}, true)
			if err != nil {
				cs.log.Error("encoding events", zap.Error(err))
				continue
			}
			if err := cs.fc.write(frame); err != nil {
				return
			}
		}
	}()
	return nil
}
