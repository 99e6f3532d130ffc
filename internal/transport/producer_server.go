package transport

import (
	"context"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/vburojevic/traced/internal/consumer"
	"github.com/vburojevic/traced/internal/domain"
	"github.com/vburojevic/traced/internal/producer"
)

// Producer protocol methods. Register is the only request a producer sends
// that gets a response; every other frame in either direction has ID zero.
const (
	MethodRegister         = "register"
	MethodWrite            = "write"
	MethodFlushAck         = "flush_ack"
	MethodActivateTriggers = "activate_triggers"

	MethodStartDataSource = "start_data_source"
	MethodStopDataSource  = "stop_data_source"
	MethodProducerFlush   = "flush"
)

// RegisterParams introduce a producer.
type RegisterParams struct {
	Name        string   `cbor:"name"`
	DataSources []string `cbor:"data_sources"`
}

// RegisterResult carries the id the daemon assigned.
type RegisterResult struct {
	ProducerID producer.ID `cbor:"producer_id"`
}

// WriteParams commit packets to one data source instance.
type WriteParams struct {
	InstanceID uint64     `cbor:"instance_id"`
	Packets    [][][]byte `cbor:"packets"`
}

// FlushAckParams acknowledge a flush.
type FlushAckParams struct {
	FlushID uint64 `cbor:"flush_id"`
}

// TriggerParams name the triggers a producer activates.
type TriggerParams struct {
	Names []string `cbor:"names"`
}

// InstanceParams describe a data source instance to a producer.
type InstanceParams struct {
	InstanceID uint64           `cbor:"instance_id"`
	SessionID  domain.SessionID `cbor:"session_id,omitempty"`
	DataSource string           `cbor:"data_source,omitempty"`
	BufferID   domain.BufferID  `cbor:"buffer_id,omitempty"`
}

// ProducerServer serves the producer protocol and registers every
// connected producer with the consumer service.
type ProducerServer struct {
	socketPath string
	svc        *consumer.Service
	log        *zap.Logger
	ready      chan struct{}
}

// NewProducerServer creates a server for svc on socketPath.
func NewProducerServer(socketPath string, svc *consumer.Service, logger *zap.Logger) *ProducerServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProducerServer{
		socketPath: socketPath,
		svc:        svc,
		log:        logger.Named("producer_socket"),
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the socket accepts connections.
func (s *ProducerServer) Ready() <-chan struct{} { return s.ready }

// Serve blocks until ctx is cancelled.
func (s *ProducerServer) Serve(ctx context.Context) error {
	return serveUnix(ctx, s.socketPath, s.log, s.ready, s.handleConnection)
}

func (s *ProducerServer) handleConnection(ctx context.Context, conn net.Conn) {
	fc := newFrameConn(conn)
	first, err := fc.read()
	if err != nil {
		return
	}
	var reg RegisterParams
	if first.Method != MethodRegister {
		_ = fc.reply(first.ID, nil, domain.Errorf(domain.CodeInvalidArgument, "expected %s, got %q", MethodRegister, first.Method))
		return
	}
	if err := decodeParams(first, &reg); err != nil {
		_ = fc.reply(first.ID, nil, err)
		return
	}
	if reg.Name == "" || len(reg.DataSources) == 0 {
		_ = fc.reply(first.ID, nil, domain.Errorf(domain.CodeInvalidArgument, "producer needs a name and at least one data source"))
		return
	}

	rp := newRemoteProducer(reg, peerUID(conn), fc, s.log)
	go rp.writeLoop()
	defer rp.stop()

	// Reply before registering so the producer knows its id before the
	// first start_data_source arrives.
	id := rp.reserveReply(first.ID)
	pid := s.svc.RegisterProducer(rp)
	id.deliver(pid)
	defer s.svc.UnregisterProducer(pid)

	log := rp.log.With(zap.Uint64("producer_id", uint64(pid)))
	for {
		f, err := fc.read()
		if err != nil {
			if !isClosed(err) && ctx.Err() == nil {
				log.Debug("read failed", zap.Error(err))
			}
			return
		}
		switch f.Method {
		case MethodWrite:
			var p WriteParams
			if err := decodeParams(f, &p); err != nil {
				log.Debug("bad write", zap.Error(err))
				continue
			}
			rp.write(p)
		case MethodFlushAck:
			var p FlushAckParams
			if err := decodeParams(f, &p); err != nil {
				log.Debug("bad flush ack", zap.Error(err))
				continue
			}
			rp.ack(p.FlushID)
		case MethodActivateTriggers:
			var p TriggerParams
			if err := decodeParams(f, &p); err != nil {
				log.Debug("bad trigger activation", zap.Error(err))
				continue
			}
			s.svc.ActivateTriggers(pid, p.Names)
		default:
			log.Debug("ignoring unknown producer frame", zap.String("method", f.Method))
		}
	}
}

// remoteProducer is the daemon's view of a socket producer. Calls from the
// service queue frames on an outbox so they never block on the socket.
type remoteProducer struct {
	name    string
	uid     int
	sources []string
	fc      *frameConn
	log     *zap.Logger

	mu        sync.Mutex
	instances map[uint64]producer.Instance
	acks      map[uint64]pendingAck
	outbox    []Frame
	held      bool
	stopped   bool
	wake      chan struct{}
	done      chan struct{}
}

func newRemoteProducer(reg RegisterParams, uid int, fc *frameConn, log *zap.Logger) *remoteProducer {
	return &remoteProducer{
		name:      reg.Name,
		uid:       uid,
		sources:   reg.DataSources,
		fc:        fc,
		log:       log.With(zap.String("producer", reg.Name), zap.Int("uid", uid)),
		instances: make(map[uint64]producer.Instance),
		acks:      make(map[uint64]pendingAck),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (p *remoteProducer) Name() string          { return p.name }
func (p *remoteProducer) UID() int              { return p.uid }
func (p *remoteProducer) DataSources() []string { return p.sources }

func (p *remoteProducer) StartDataSource(inst producer.Instance) {
	p.mu.Lock()
	p.instances[inst.ID] = inst
	p.mu.Unlock()
	p.push(MethodStartDataSource, InstanceParams{
		InstanceID: inst.ID,
		SessionID:  inst.SessionID,
		DataSource: inst.DataSource,
		BufferID:   inst.BufferID,
	})
}

func (p *remoteProducer) StopDataSource(inst producer.Instance) {
	p.mu.Lock()
	delete(p.instances, inst.ID)
	p.mu.Unlock()
	p.push(MethodStopDataSource, InstanceParams{InstanceID: inst.ID})
}

type pendingAck struct {
	fn   func()
	done <-chan struct{}
}

func (a pendingAck) sealed() bool {
	if a.done == nil {
		return false
	}
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// Flush forwards a flush round. Rounds that already ended without this
// producer's ack are dropped here, so a hung producer does not pin them.
func (p *remoteProducer) Flush(req producer.FlushRequest, ack func()) {
	p.mu.Lock()
	for id, a := range p.acks {
		if a.sealed() {
			delete(p.acks, id)
		}
	}
	p.acks[req.ID] = pendingAck{fn: ack, done: req.Done}
	p.mu.Unlock()
	p.push(MethodProducerFlush, req)
}

func (p *remoteProducer) ack(flushID uint64) {
	p.mu.Lock()
	a, ok := p.acks[flushID]
	delete(p.acks, flushID)
	p.mu.Unlock()
	if ok {
		a.fn()
	}
}

func (p *remoteProducer) pendingAcks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.acks)
}

func (p *remoteProducer) write(w WriteParams) {
	p.mu.Lock()
	inst, ok := p.instances[w.InstanceID]
	p.mu.Unlock()
	if !ok {
		// Writes racing a stop are dropped.
		return
	}
	for _, pkt := range w.Packets {
		inst.Sink.Write(inst.DataSource, pkt)
	}
}

func (p *remoteProducer) push(method string, params any) {
	f, err := notification(method, params)
	if err != nil {
		p.log.Error("encoding producer frame", zap.String("method", method), zap.Error(err))
		return
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.outbox = append(p.outbox, f)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// pendingReply holds the outbox until the register response is queued
// ahead of anything RegisterProducer pushes.
type pendingReply struct {
	p  *remoteProducer
	id uint64
}

func (p *remoteProducer) reserveReply(id uint64) pendingReply {
	p.mu.Lock()
	p.held = true
	p.mu.Unlock()
	return pendingReply{p: p, id: id}
}

func (r pendingReply) deliver(pid producer.ID) {
	f, err := dataFrame(r.id, RegisterResult{ProducerID: pid}, false)
	if err != nil {
		f = errorFrame(r.id, err)
	}
	p := r.p
	p.mu.Lock()
	p.outbox = append([]Frame{f}, p.outbox...)
	p.held = false
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *remoteProducer) writeLoop() {
	for {
		select {
		case <-p.wake:
		case <-p.done:
			return
		}
		p.mu.Lock()
		if p.held {
			p.mu.Unlock()
			continue
		}
		batch := p.outbox
		p.outbox = nil
		p.mu.Unlock()
		for _, f := range batch {
			if err := p.fc.write(f); err != nil {
				if !isClosed(err) {
					p.log.Debug("producer write failed", zap.Error(err))
				}
				p.fc.close()
				return
			}
		}
	}
}

func (p *remoteProducer) stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.done)
	}
	p.mu.Unlock()
}
