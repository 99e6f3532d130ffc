// Package reader turns buffer snapshots into wire-sized chunk streams.
//
// Packets are emitted in order, each packet's slices contiguously. A chunk
// never carries more than MaxChunkBytes of slice payload; a slice that alone
// exceeds the limit is split into single-slice chunks. The stream always ends
// with exactly one chunk marked LastChunk, which is empty when there was
// nothing to read.
package reader

import (
	"iter"

	"github.com/samber/lo"

	"github.com/vburojevic/traced/internal/buffer"
	"github.com/vburojevic/traced/internal/domain"
)

// DefaultMaxChunkBytes matches the consumer socket's message budget.
const DefaultMaxChunkBytes = 128 * 1024

// Options configure a drain.
type Options struct {
	MaxChunkBytes int
	// Filter, when set, drops packets it returns false for.
	Filter func(buffer.Packet) bool
}

// SourceFilter builds a packet filter from a trace filter. A nil filter
// lets everything through.
func SourceFilter(f *domain.TraceFilter) func(buffer.Packet) bool {
	if f == nil {
		return nil
	}
	allowed := lo.SliceToMap(f.AllowedSources, func(s string) (string, struct{}) {
		return s, struct{}{}
	})
	return func(p buffer.Packet) bool {
		_, ok := allowed[p.Source]
		return ok
	}
}

// Drain returns the chunk sequence for the given snapshots, read in order.
// The sequence is lazy: nothing past the point where the caller stops
// iterating is produced.
func Drain(snapshots []buffer.Snapshot, opts Options) iter.Seq[domain.Chunk] {
	limit := opts.MaxChunkBytes
	if limit <= 0 {
		limit = DefaultMaxChunkBytes
	}

	return func(yield func(domain.Chunk) bool) {
		c := chunker{limit: limit, yield: yield}
		for _, snap := range snapshots {
			for _, p := range snap.Packets {
				if opts.Filter != nil && !opts.Filter(p) {
					continue
				}
				if !c.addPacket(p) {
					return
				}
			}
		}
		c.finish()
	}
}

// chunker holds back one completed chunk so the final one can be marked.
type chunker struct {
	limit   int
	yield   func(domain.Chunk) bool
	cur     []domain.Slice
	curSize int
	pending *domain.Chunk
}

func (c *chunker) addPacket(p buffer.Packet) bool {
	for i, data := range p.Slices {
		last := i == len(p.Slices)-1

		if len(data) > c.limit {
			if !c.closeCurrent() {
				return false
			}
			for off := 0; off < len(data); off += c.limit {
				end := min(off+c.limit, len(data))
				piece := domain.Slice{Data: data[off:end], LastSliceOfPacket: last && end == len(data)}
				if !c.emit(domain.Chunk{Slices: []domain.Slice{piece}}) {
					return false
				}
			}
			continue
		}

		if c.curSize+len(data) > c.limit {
			if !c.closeCurrent() {
				return false
			}
		}
		c.cur = append(c.cur, domain.Slice{Data: data, LastSliceOfPacket: last})
		c.curSize += len(data)
	}
	return true
}

func (c *chunker) closeCurrent() bool {
	if len(c.cur) == 0 {
		return true
	}
	chunk := domain.Chunk{Slices: c.cur}
	c.cur = nil
	c.curSize = 0
	return c.emit(chunk)
}

func (c *chunker) emit(chunk domain.Chunk) bool {
	if c.pending != nil {
		if !c.yield(*c.pending) {
			return false
		}
	}
	c.pending = &chunk
	return true
}

func (c *chunker) finish() {
	if !c.closeCurrent() {
		return
	}
	if c.pending == nil {
		c.yield(domain.Chunk{LastChunk: true})
		return
	}
	c.pending.LastChunk = true
	c.yield(*c.pending)
}
