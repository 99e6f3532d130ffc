// Package buffer is the in-memory trace buffer storage used by sessions.
//
// Buffers hold whole packets in write order. A packet is copied on write and
// never mutated afterwards, so snapshots and clones share the packet bytes.
package buffer

import (
	"sync"

	"github.com/vburojevic/traced/internal/domain"
)

// Packet is one trace packet as written by a producer, possibly fragmented
// into several slices.
type Packet struct {
	Seq    uint64
	Source string
	Slices [][]byte
}

// Size is the payload size of the packet.
func (p Packet) Size() int {
	n := 0
	for _, s := range p.Slices {
		n += len(s)
	}
	return n
}

// Snapshot is a point-in-time view of a buffer. Next is the first sequence
// number that is not part of the snapshot.
type Snapshot struct {
	BufferID domain.BufferID
	Packets  []Packet
	Next     uint64
}

// Buffer is a fixed-capacity packet store.
type Buffer struct {
	mu       sync.Mutex
	id       domain.BufferID
	capacity int
	policy   domain.FillPolicy
	packets  []Packet
	used     int
	nextSeq  uint64
	closed   bool
	stats    domain.BufferStats
}

func newBuffer(id domain.BufferID, capacity int, policy domain.FillPolicy) *Buffer {
	if policy == "" {
		policy = domain.FillPolicyRingBuffer
	}
	return &Buffer{
		id:       id,
		capacity: capacity,
		policy:   policy,
		stats:    domain.BufferStats{BufferID: id, SizeBytes: uint64(capacity)},
	}
}

// ID returns the buffer id.
func (b *Buffer) ID() domain.BufferID { return b.id }

// Write appends a packet. Ring buffers evict the oldest packets to make room,
// discard buffers drop the new packet once full. It reports whether the
// packet was stored.
func (b *Buffer) Write(source string, slices [][]byte) bool {
	p := Packet{Source: source, Slices: make([][]byte, len(slices))}
	for i, s := range slices {
		p.Slices[i] = append([]byte(nil), s...)
	}
	size := p.Size()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	if size > b.capacity {
		b.stats.PacketsDiscarded++
		return false
	}
	if b.used+size > b.capacity {
		if b.policy == domain.FillPolicyDiscard {
			b.stats.PacketsDiscarded++
			return false
		}
		for len(b.packets) > 0 && b.used+size > b.capacity {
			old := b.packets[0]
			b.packets = b.packets[1:]
			b.used -= old.Size()
			b.stats.BytesOverwritten += uint64(old.Size())
			b.stats.PacketsOverwritten++
		}
	}

	p.Seq = b.nextSeq
	b.nextSeq++
	b.packets = append(b.packets, p)
	b.used += size
	b.stats.BytesWritten += uint64(size)
	b.stats.PacketsWritten++
	return true
}

// Snapshot returns the buffer contents without consuming them.
func (b *Buffer) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		BufferID: b.id,
		Packets:  append([]Packet(nil), b.packets...),
		Next:     b.nextSeq,
	}
}

// Consume drops every packet with a sequence number below next. Packets
// written after the snapshot that produced next are kept.
func (b *Buffer) Consume(next uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := 0
	for i < len(b.packets) && b.packets[i].Seq < next {
		b.used -= b.packets[i].Size()
		b.stats.BytesRead += uint64(b.packets[i].Size())
		b.stats.PacketsRead++
		i++
	}
	b.packets = b.packets[i:]
}

// Stats returns a copy of the buffer counters.
func (b *Buffer) Stats() domain.BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Len returns the number of packets currently held.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.packets)
}

func (b *Buffer) copyInto(dst *Buffer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dst.packets = append([]Packet(nil), b.packets...)
	dst.used = b.used
	dst.nextSeq = b.nextSeq
	dst.stats.BytesWritten = uint64(b.used)
	dst.stats.PacketsWritten = uint64(len(b.packets))
}

func (b *Buffer) close() {
	b.mu.Lock()
	b.closed = true
	b.packets = nil
	b.used = 0
	b.mu.Unlock()
}
