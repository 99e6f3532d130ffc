package transport

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/vburojevic/traced/internal/producer"
)

// ProducerClient is the producer end of the producer protocol. It tracks
// the instances the daemon starts and acknowledges flushes after running
// the optional flush hook.
type ProducerClient struct {
	fc  *frameConn
	log *zap.Logger
	id  producer.ID

	mu        sync.Mutex
	instances map[uint64]InstanceParams
	onFlush   func(producer.FlushRequest)
	onStart   func(InstanceParams)

	done chan struct{}
}

// DialProducer connects to the producer socket and registers name with
// the data sources it offers.
func DialProducer(ctx context.Context, socketPath, name string, dataSources []string, logger *zap.Logger) (*ProducerClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	fc := newFrameConn(conn)

	reg, err := notification(MethodRegister, RegisterParams{Name: name, DataSources: dataSources})
	if err != nil {
		conn.Close()
		return nil, err
	}
	reg.ID = 1
	if err := fc.write(reg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("registering producer: %w", err)
	}
	resp, err := fc.read()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("registering producer: %w", err)
	}
	var res RegisterResult
	if err := decodeFrame(resp, &res); err != nil {
		conn.Close()
		return nil, err
	}

	p := &ProducerClient{
		fc:        fc,
		log:       logger.Named("producer").With(zap.String("name", name), zap.Uint64("producer_id", uint64(res.ProducerID))),
		id:        res.ProducerID,
		instances: make(map[uint64]InstanceParams),
		done:      make(chan struct{}),
	}
	go p.readLoop()
	return p, nil
}

// ID returns the id the daemon assigned.
func (p *ProducerClient) ID() producer.ID { return p.id }

// Done is closed when the connection ends.
func (p *ProducerClient) Done() <-chan struct{} { return p.done }

// OnFlush installs a hook run before each flush is acknowledged.
func (p *ProducerClient) OnFlush(fn func(producer.FlushRequest)) {
	p.mu.Lock()
	p.onFlush = fn
	p.mu.Unlock()
}

// OnStart installs a hook run when the daemon starts an instance.
func (p *ProducerClient) OnStart(fn func(InstanceParams)) {
	p.mu.Lock()
	p.onStart = fn
	p.mu.Unlock()
}

// Instances returns the started instances ordered by id.
func (p *ProducerClient) Instances() []InstanceParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := lo.Values(p.instances)
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Write sends one packet to every started instance of dataSource and
// returns how many instances it was sent to.
func (p *ProducerClient) Write(dataSource string, slices ...[]byte) (int, error) {
	targets := lo.Filter(p.Instances(), func(inst InstanceParams, _ int) bool {
		return inst.DataSource == dataSource
	})
	for _, inst := range targets {
		f, err := notification(MethodWrite, WriteParams{InstanceID: inst.InstanceID, Packets: [][][]byte{slices}})
		if err != nil {
			return 0, err
		}
		if err := p.fc.write(f); err != nil {
			return 0, err
		}
	}
	return len(targets), nil
}

// ActivateTriggers fires named clone triggers.
func (p *ProducerClient) ActivateTriggers(names ...string) error {
	f, err := notification(MethodActivateTriggers, TriggerParams{Names: names})
	if err != nil {
		return err
	}
	return p.fc.write(f)
}

// Close disconnects; the daemon drops every instance of this producer.
func (p *ProducerClient) Close() error {
	err := p.fc.close()
	<-p.done
	return err
}

func (p *ProducerClient) readLoop() {
	defer close(p.done)
	for {
		f, err := p.fc.read()
		if err != nil {
			if !isClosed(err) {
				p.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		switch f.Method {
		case MethodStartDataSource:
			var inst InstanceParams
			if err := decodeParams(f, &inst); err != nil {
				p.log.Debug("bad start", zap.Error(err))
				continue
			}
			p.mu.Lock()
			p.instances[inst.InstanceID] = inst
			hook := p.onStart
			p.mu.Unlock()
			if hook != nil {
				hook(inst)
			}
		case MethodStopDataSource:
			var inst InstanceParams
			if err := decodeParams(f, &inst); err != nil {
				p.log.Debug("bad stop", zap.Error(err))
				continue
			}
			p.mu.Lock()
			delete(p.instances, inst.InstanceID)
			p.mu.Unlock()
		case MethodProducerFlush:
			var req producer.FlushRequest
			if err := decodeParams(f, &req); err != nil {
				p.log.Debug("bad flush", zap.Error(err))
				continue
			}
			p.mu.Lock()
			hook := p.onFlush
			p.mu.Unlock()
			if hook != nil {
				hook(req)
			}
			ack, err := notification(MethodFlushAck, FlushAckParams{FlushID: req.ID})
			if err != nil {
				continue
			}
			if err := p.fc.write(ack); err != nil {
				return
			}
		}
	}
}
