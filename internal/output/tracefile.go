package output

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vburojevic/traced/internal/domain"
)

// maxPacketSize bounds a single packet read back from a trace file.
const maxPacketSize = 64 << 20

// PacketWriter reassembles ReadBuffers slices into packets and writes each
// packet as a uvarint length followed by its bytes.
type PacketWriter struct {
	w       *bufio.Writer
	pending []byte
	open    bool

	Packets int
	Bytes   int64
	Chunks  int
}

// NewPacketWriter writes packets to w. Call Flush when done.
func NewPacketWriter(w io.Writer) *PacketWriter {
	return &PacketWriter{w: bufio.NewWriter(w)}
}

// WriteChunk consumes one chunk. A packet may span chunks.
func (p *PacketWriter) WriteChunk(chunk domain.Chunk) error {
	p.Chunks++
	for _, s := range chunk.Slices {
		p.pending = append(p.pending, s.Data...)
		p.open = true
		if !s.LastSliceOfPacket {
			continue
		}
		if err := p.emit(); err != nil {
			return err
		}
	}
	return nil
}

func (p *PacketWriter) emit() error {
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(p.pending)))
	if _, err := p.w.Write(hdr[:n]); err != nil {
		return err
	}
	if _, err := p.w.Write(p.pending); err != nil {
		return err
	}
	p.Packets++
	p.Bytes += int64(len(p.pending))
	p.pending = p.pending[:0]
	p.open = false
	return nil
}

// Flush writes buffered data. It fails if the last packet never saw its
// final slice.
func (p *PacketWriter) Flush() error {
	if err := p.w.Flush(); err != nil {
		return err
	}
	if p.open {
		return errors.New("trace ended inside a packet")
	}
	return nil
}

// ReadPackets calls fn for every packet in a trace file written by
// PacketWriter.
func ReadPackets(r io.Reader, fn func([]byte) error) error {
	br := bufio.NewReader(r)
	for {
		size, err := binary.ReadUvarint(br)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading packet length: %w", err)
		}
		if size > maxPacketSize {
			return fmt.Errorf("packet of %d bytes exceeds limit", size)
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(br, buf); err != nil {
			return fmt.Errorf("reading packet: %w", err)
		}
		if err := fn(buf); err != nil {
			return err
		}
	}
}
