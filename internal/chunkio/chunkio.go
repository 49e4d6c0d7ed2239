// Package chunkio writes PNG chunk framing: the 8-byte signature and the
// length/tag/data/crc framing of individual chunks.
package chunkio

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Signature is the 8-byte PNG file signature.
var Signature = [8]byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a}

// Writer frames PNG chunks onto an underlying io.Writer. It does not own
// the writer's lifecycle beyond Close: Close flushes and hands the
// io.Writer back to the caller.
type Writer struct {
	w   io.Writer
	buf [8]byte
	err error
}

// New wraps w in a chunk Writer.
func New(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteSignature emits the 8-byte PNG magic. Must be called exactly once,
// before any chunk.
func (c *Writer) WriteSignature() error {
	if c.err != nil {
		return c.err
	}
	_, c.err = c.w.Write(Signature[:])
	return c.err
}

// WriteChunk writes one length-prefixed, CRC-trailed chunk. tag must be
// exactly 4 bytes; data may be nil or empty.
func (c *Writer) WriteChunk(tag string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	if len(tag) != 4 {
		c.err = fmt.Errorf("chunkio: tag %q must be 4 bytes", tag)
		return c.err
	}
	n := uint32(len(data))
	if uint64(len(data)) > 1<<32-1 {
		c.err = fmt.Errorf("chunkio: %s chunk data too large: %d bytes", tag, len(data))
		return c.err
	}

	binary.BigEndian.PutUint32(c.buf[:4], n)
	if _, c.err = c.w.Write(c.buf[:4]); c.err != nil {
		return c.err
	}

	crc := crc32.NewIEEE()
	crc.Write([]byte(tag))
	crc.Write(data)

	if _, c.err = io.WriteString(c.w, tag); c.err != nil {
		return c.err
	}
	if len(data) > 0 {
		if _, c.err = c.w.Write(data); c.err != nil {
			return c.err
		}
	}

	binary.BigEndian.PutUint32(c.buf[:4], crc.Sum32())
	_, c.err = c.w.Write(c.buf[:4])
	return c.err
}

// WriteEnd emits the zero-length IEND chunk.
func (c *Writer) WriteEnd() error {
	return c.WriteChunk("IEND", nil)
}

// Flush forwards to the underlying writer, if it supports flushing.
func (c *Writer) Flush() error {
	if c.err != nil {
		return c.err
	}
	if f, ok := c.w.(interface{ Flush() error }); ok {
		c.err = f.Flush()
	}
	return c.err
}

// Close flushes and returns the underlying sink.
func (c *Writer) Close() (io.Writer, error) {
	if err := c.Flush(); err != nil {
		return c.w, err
	}
	return c.w, c.err
}

// Err returns the first error encountered, if any.
func (c *Writer) Err() error {
	return c.err
}
