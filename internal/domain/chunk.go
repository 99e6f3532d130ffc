package domain

// Slice is one contiguous piece of a trace packet as returned to consumers.
type Slice struct {
	Data              []byte `cbor:"data"`
	LastSliceOfPacket bool   `cbor:"last_slice_of_packet,omitempty"`
}

// Chunk is one wire-sized unit of a ReadBuffers stream.
type Chunk struct {
	Slices    []Slice `cbor:"slices,omitempty"`
	LastChunk bool    `cbor:"last_chunk,omitempty"`
}

// Size is the total slice payload of the chunk.
func (c Chunk) Size() int {
	n := 0
	for _, s := range c.Slices {
		n += len(s.Data)
	}
	return n
}

// FlushFlags tag the reason for a flush. Producers may use them for their own
// prioritization; the coordinator forwards them untouched.
type FlushFlags uint32

const (
	FlushFlagExplicit FlushFlags = 1 << iota
	FlushFlagPeriodic
	FlushFlagTraceStop
	FlushFlagCloneForBugreport
	FlushFlagClone
)

// BufferStats are per-buffer counters reported by GetTraceStats.
type BufferStats struct {
	BufferID           BufferID `cbor:"buffer_id" json:"buffer_id"`
	SizeBytes          uint64   `cbor:"size_bytes" json:"size_bytes"`
	BytesWritten       uint64   `cbor:"bytes_written" json:"bytes_written"`
	BytesRead          uint64   `cbor:"bytes_read" json:"bytes_read"`
	BytesOverwritten   uint64   `cbor:"bytes_overwritten" json:"bytes_overwritten"`
	PacketsWritten     uint64   `cbor:"packets_written" json:"packets_written"`
	PacketsOverwritten uint64   `cbor:"packets_overwritten" json:"packets_overwritten"`
	PacketsDiscarded   uint64   `cbor:"packets_discarded" json:"packets_discarded"`
	PacketsRead        uint64   `cbor:"packets_read" json:"packets_read"`
}

// TraceStats is the GetTraceStats response.
type TraceStats struct {
	SessionID          SessionID     `cbor:"session_id" json:"session_id"`
	Buffers            []BufferStats `cbor:"buffers" json:"buffers"`
	ProducersBound     int           `cbor:"producers_bound" json:"producers_bound"`
	FlushesRequested   uint64        `cbor:"flushes_requested" json:"flushes_requested"`
	FlushesSucceeded   uint64        `cbor:"flushes_succeeded" json:"flushes_succeeded"`
	FlushesFailed      uint64        `cbor:"flushes_failed" json:"flushes_failed"`
	TracingSessions    int           `cbor:"tracing_sessions" json:"tracing_sessions"`
	ProducersConnected int           `cbor:"producers_connected" json:"producers_connected"`
}
