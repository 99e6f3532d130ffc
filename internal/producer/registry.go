// Package producer tracks the producers connected to the daemon and the data
// source instances they serve for each tracing session.
package producer

import (
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/vburojevic/traced/internal/domain"
)

// ID identifies a connected producer.
type ID uint64

// FlushRequest asks a producer to commit everything it has buffered for a
// session.
type FlushRequest struct {
	ID        uint64            `cbor:"flush_id"`
	SessionID domain.SessionID  `cbor:"session_id"`
	Instances []uint64          `cbor:"instances"`
	Flags     domain.FlushFlags `cbor:"flags,omitempty"`

	// Done is closed once the round no longer waits for acks.
	Done <-chan struct{} `cbor:"-"`
}

// Sink receives packets for one data source instance.
type Sink interface {
	Write(source string, slices [][]byte) bool
}

// Instance is one data source bound to one session's target buffer.
type Instance struct {
	ID         uint64
	ProducerID ID
	SessionID  domain.SessionID
	DataSource string
	BufferID   domain.BufferID
	Sink       Sink
}

// Producer is the daemon side of one producer connection.
type Producer interface {
	Name() string
	UID() int
	DataSources() []string
	StartDataSource(inst Instance)
	StopDataSource(inst Instance)
	// Flush must eventually call ack once, from any goroutine, when the
	// requested data has been committed. It must not block.
	Flush(req FlushRequest, ack func())
}

// Handle pairs a producer with its registry id.
type Handle struct {
	ID ID
	Producer
}

// Info describes a producer for QueryServiceState.
type Info struct {
	ID          ID       `cbor:"id" json:"id"`
	Name        string   `cbor:"name" json:"name"`
	UID         int      `cbor:"uid" json:"uid"`
	DataSources []string `cbor:"data_sources" json:"data_sources"`
}

// Registry is the producer roster. It is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	nextID       ID
	nextInstance uint64
	producers    map[ID]Producer
	instances    map[uint64]Instance
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		nextID:       1,
		nextInstance: 1,
		producers:    make(map[ID]Producer),
		instances:    make(map[uint64]Instance),
	}
}

// Register adds a producer and returns its id.
func (r *Registry) Register(p Producer) ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.producers[id] = p
	return id
}

// Unregister removes a producer and returns the instances it was serving.
func (r *Registry) Unregister(id ID) []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
	var gone []Instance
	for instID, inst := range r.instances {
		if inst.ProducerID == id {
			gone = append(gone, inst)
			delete(r.instances, instID)
		}
	}
	sortInstances(gone)
	return gone
}

// Get returns a connected producer by id.
func (r *Registry) Get(id ID) (Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

// Offering returns the producers that advertise dataSource and pass the
// data source config's producer name filter, in registration order.
func (r *Registry) Offering(ds domain.DataSourceConfig) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Handle
	for id, p := range r.producers {
		if lo.Contains(p.DataSources(), ds.Name) && ds.MatchesProducer(p.Name()) {
			out = append(out, Handle{ID: id, Producer: p})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Bind records a new data source instance. The caller starts it.
func (r *Registry) Bind(sessionID domain.SessionID, producerID ID, dataSource string, bufferID domain.BufferID, sink Sink) (Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.producers[producerID]; !ok {
		return Instance{}, false
	}
	inst := Instance{
		ID:         r.nextInstance,
		ProducerID: producerID,
		SessionID:  sessionID,
		DataSource: dataSource,
		BufferID:   bufferID,
		Sink:       sink,
	}
	r.nextInstance++
	r.instances[inst.ID] = inst
	return inst, true
}

// Unbind removes every instance of a session and returns them.
func (r *Registry) Unbind(sessionID domain.SessionID) []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Instance
	for id, inst := range r.instances {
		if inst.SessionID == sessionID {
			out = append(out, inst)
			delete(r.instances, id)
		}
	}
	sortInstances(out)
	return out
}

// UnbindInstance removes a single instance.
func (r *Registry) UnbindInstance(id uint64) (Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if ok {
		delete(r.instances, id)
	}
	return inst, ok
}

// Instance returns a bound instance by id.
func (r *Registry) Instance(id uint64) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// Instances returns the instances bound to a session, ordered by id.
func (r *Registry) Instances(sessionID domain.SessionID) []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := lo.Filter(lo.Values(r.instances), func(inst Instance, _ int) bool {
		return inst.SessionID == sessionID
	})
	sortInstances(out)
	return out
}

// Roster returns the distinct producers feeding a session.
func (r *Registry) Roster(sessionID domain.SessionID) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[ID]struct{})
	var out []Handle
	for _, inst := range r.instances {
		if inst.SessionID != sessionID {
			continue
		}
		if _, dup := seen[inst.ProducerID]; dup {
			continue
		}
		p, ok := r.producers[inst.ProducerID]
		if !ok {
			continue
		}
		seen[inst.ProducerID] = struct{}{}
		out = append(out, Handle{ID: inst.ProducerID, Producer: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Producers describes every connected producer.
func (r *Registry) Producers() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.producers))
	for id, p := range r.producers {
		out = append(out, Info{ID: id, Name: p.Name(), UID: p.UID(), DataSources: p.DataSources()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of connected producers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.producers)
}

func sortInstances(in []Instance) {
	sort.Slice(in, func(i, j int) bool { return in[i].ID < in[j].ID })
}
