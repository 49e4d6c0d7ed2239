package chunkio

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteSignature(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	require.NoError(t, w.WriteSignature())
	require.Equal(t, []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}, buf.Bytes())
}

// S2: empty-chunk framing.
func TestWriteChunkEmpty(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	require.NoError(t, w.WriteChunk("IDAT", nil))
	require.Equal(t, []byte{0, 0, 0, 0, 'I', 'D', 'A', 'T'}, buf.Bytes()[:8])
	require.Len(t, buf.Bytes(), 12)
}

// S3: CRC reference vector from the original mtpng test suite.
func TestWriteChunkCRCReference(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	data := []byte{0x08, 0x99, 0x63, 0x60, 0x60, 0x60, 0x00, 0x00, 0x00, 0x04, 0x00, 0x01}
	require.NoError(t, w.WriteChunk("IDAT", data))

	out := buf.Bytes()
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x0c}, out[0:4], "expected length 12")
	require.Equal(t, []byte("IDAT"), out[4:8])
	require.Equal(t, data, out[8:20])
	require.Equal(t, []byte{0xa3, 0x0a, 0x15, 0xe3}, out[20:24])
}

func TestWriteChunkRejectsBadTagLength(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	err := w.WriteChunk("ID", nil)
	require.Error(t, err)
}

func TestWriteEnd(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	require.NoError(t, w.WriteEnd())
	require.Equal(t, 12, buf.Len())
	require.Equal(t, []byte("IEND"), buf.Bytes()[4:8])
}

func TestStickyError(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	require.Error(t, w.WriteChunk("XX", nil))
	// Once poisoned, further calls return the same error without writing.
	before := buf.Len()
	require.Error(t, w.WriteChunk("IDAT", nil))
	require.Equal(t, before, buf.Len())
}
