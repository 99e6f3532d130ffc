package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vburojevic/traced/internal/domain"
)

func slice(data string, last bool) domain.Slice {
	return domain.Slice{Data: []byte(data), LastSliceOfPacket: last}
}

func TestPacketWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	pw := NewPacketWriter(&buf)

	// The second packet spans three slices across two chunks.
	require.NoError(t, pw.WriteChunk(domain.Chunk{Slices: []domain.Slice{
		slice("one", true),
		slice("tw", false),
		slice("o-", false),
	}}))
	require.NoError(t, pw.WriteChunk(domain.Chunk{Slices: []domain.Slice{
		slice("parts", true),
		slice("", true),
	}, LastChunk: true}))
	require.NoError(t, pw.Flush())

	assert.Equal(t, 3, pw.Packets)
	assert.Equal(t, 2, pw.Chunks)
	assert.EqualValues(t, len("one")+len("two-parts"), pw.Bytes)

	var got []string
	require.NoError(t, ReadPackets(&buf, func(p []byte) error {
		got = append(got, string(p))
		return nil
	}))
	assert.Equal(t, []string{"one", "two-parts", ""}, got)
}

func TestPacketWriterRejectsTornPacket(t *testing.T) {
	pw := NewPacketWriter(&bytes.Buffer{})
	require.NoError(t, pw.WriteChunk(domain.Chunk{Slices: []domain.Slice{slice("half", false)}}))
	assert.Error(t, pw.Flush())
}

func TestReadPacketsTruncated(t *testing.T) {
	var buf bytes.Buffer
	pw := NewPacketWriter(&buf)
	require.NoError(t, pw.WriteChunk(domain.Chunk{Slices: []domain.Slice{slice("payload", true)}}))
	require.NoError(t, pw.Flush())

	truncated := buf.Bytes()[:buf.Len()-2]
	err := ReadPackets(bytes.NewReader(truncated), func([]byte) error { return nil })
	assert.Error(t, err)
}

func TestSessionTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SessionTable(&buf, []domain.SessionInfo{
		{ID: 1, State: "started", OwnerUID: 1000, UniqueSessionName: "nightly", BufferSizeKB: []uint32{64, 128}},
		{ID: 2, State: "cloned", ClonedFrom: 1},
	}))
	out := buf.String()
	assert.Contains(t, out, "nightly")
	assert.Contains(t, out, "64K,128K")
	assert.Contains(t, out, "cloned")
}
