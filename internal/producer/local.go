package producer

import (
	"encoding/binary"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
)

// FlushFunc handles a flush request for a Local producer.
type FlushFunc func(req FlushRequest, ack func())

// Local is an in-process producer. Packets passed to Write go to every
// started instance of the named data source.
type Local struct {
	name    string
	uid     int
	sources []string

	mu        sync.Mutex
	instances map[uint64]Instance
	onFlush   FlushFunc
	flushes   []FlushRequest
}

// NewLocal creates an in-process producer offering the given data sources.
// Flushes are acknowledged immediately unless a handler is installed.
func NewLocal(name string, uid int, dataSources ...string) *Local {
	return &Local{
		name:      name,
		uid:       uid,
		sources:   dataSources,
		instances: make(map[uint64]Instance),
	}
}

func (l *Local) Name() string          { return l.name }
func (l *Local) UID() int              { return l.uid }
func (l *Local) DataSources() []string { return l.sources }

// OnFlush replaces the flush handler.
func (l *Local) OnFlush(fn FlushFunc) {
	l.mu.Lock()
	l.onFlush = fn
	l.mu.Unlock()
}

func (l *Local) StartDataSource(inst Instance) {
	l.mu.Lock()
	l.instances[inst.ID] = inst
	l.mu.Unlock()
}

func (l *Local) StopDataSource(inst Instance) {
	l.mu.Lock()
	delete(l.instances, inst.ID)
	l.mu.Unlock()
}

func (l *Local) Flush(req FlushRequest, ack func()) {
	l.mu.Lock()
	l.flushes = append(l.flushes, req)
	fn := l.onFlush
	l.mu.Unlock()

	if fn == nil {
		ack()
		return
	}
	fn(req, ack)
}

// Write commits one packet to every started instance of dataSource and
// returns how many instances accepted it.
func (l *Local) Write(dataSource string, slices ...[]byte) int {
	n := 0
	for _, inst := range l.Instances() {
		if inst.DataSource == dataSource && inst.Sink.Write(dataSource, slices) {
			n++
		}
	}
	return n
}

// Instances returns the currently started instances.
func (l *Local) Instances() []Instance {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := lo.Values(l.instances)
	sortInstances(out)
	return out
}

// Flushes returns every flush request received so far.
func (l *Local) Flushes() []FlushRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]FlushRequest(nil), l.flushes...)
}

// ClockDataSource is the data source served by the built-in clock producer.
const ClockDataSource = "traced.clock"

// ClockProducer is the daemon's built-in producer. It writes a clock
// snapshot packet when an instance starts and before acknowledging each
// flush, so every session that enables it has a timestamp to anchor on.
type ClockProducer struct {
	*Local
	clk clock.Clock
}

// NewClockProducer creates the built-in clock producer.
func NewClockProducer(clk clock.Clock, uid int) *ClockProducer {
	c := &ClockProducer{Local: NewLocal("traced", uid, ClockDataSource), clk: clk}
	c.OnFlush(func(_ FlushRequest, ack func()) {
		c.snapshot()
		ack()
	})
	return c
}

func (c *ClockProducer) StartDataSource(inst Instance) {
	c.Local.StartDataSource(inst)
	inst.Sink.Write(ClockDataSource, [][]byte{c.packet()})
}

func (c *ClockProducer) snapshot() {
	c.Write(ClockDataSource, c.packet())
}

// packet encodes the current wall clock as big-endian unix nanoseconds.
func (c *ClockProducer) packet() []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(c.clk.Now().UnixNano()))
}
