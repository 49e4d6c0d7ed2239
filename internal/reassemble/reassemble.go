// Package reassemble merges per-row-group deflate outputs into one
// logical zlib stream: it fixes up the final-block bit, maintains a
// running adler32 of all filtered bytes via the adler32-combine
// construction, and drives chunk emission through chunkio.
package reassemble

import (
	"bytes"
	"fmt"

	"github.com/brion/mtpng-go/internal/chunkio"
	"github.com/brion/mtpng-go/internal/deflateunit"
)

// CompressedGroup is the result record a dispatch worker produces for one
// row-group: its index, the length of the filtered bytes it compressed
// (needed to combine adler32 values), that group's own adler32 (seeded at
// 1, computed over only this group's filtered bytes), and the non-final
// deflate blocks compress produced.
type CompressedGroup struct {
	Index       int
	FilteredLen int
	Adler       uint32
	Blocks      []byte
}

// FinalBlockStrategy selects how the Reassembler marks the very last
// deflate block of the whole stream as final.
type FinalBlockStrategy int

const (
	// FlipFinalBit flips bit 0 of the last group's first block byte
	// in place — an O(1) edit, since the Deflate Unit guarantees each
	// group's first block starts at byte offset 0 of its own buffer.
	FlipFinalBit FinalBlockStrategy = iota
	// AppendEmptyFinalBlock instead appends a trailing empty stored
	// final block after the last group's data.
	AppendEmptyFinalBlock
)

// Reassembler consumes CompressedGroup values strictly in ascending
// Index order (the caller is responsible for the blocking/ordering;
// Consume returns an error if Index is not the next expected index) and
// emits IDAT chunks through a chunkio.Writer.
type Reassembler struct {
	cw        *chunkio.Writer
	chunkSize int
	streaming bool
	strategy  FinalBlockStrategy

	pending   bytes.Buffer
	adler     uint32
	nextIndex int
	opened    bool // zlib header has been emitted into pending
}

// New creates a Reassembler that writes IDAT chunks via cw. chunkSize is
// the streaming flush threshold (bytes); streaming selects incremental
// IDAT emission vs. a single accumulate-then-emit IDAT.
func New(cw *chunkio.Writer, chunkSize int, streaming bool, strategy FinalBlockStrategy) *Reassembler {
	return &Reassembler{
		cw:        cw,
		chunkSize: chunkSize,
		streaming: streaming,
		strategy:  strategy,
		adler:     1,
	}
}

func zlibHeader(level deflateunit.Level) [2]byte {
	const cmf = 0x78
	var flevel byte
	switch level {
	case deflateunit.Fast:
		flevel = 0
	case deflateunit.High:
		flevel = 3
	default:
		flevel = 2
	}
	flg := flevel << 6
	rem := (uint16(cmf)*256 + uint16(flg)) % 31
	if rem != 0 {
		flg += byte(31 - rem)
	}
	return [2]byte{cmf, flg}
}

// Open must be called once, before the first Consume, with the
// compression level so the correct zlib header flag byte can be chosen.
func (r *Reassembler) Open(level deflateunit.Level) error {
	if r.opened {
		return fmt.Errorf("reassemble: Open called twice")
	}
	hdr := zlibHeader(level)
	r.pending.Write(hdr[:])
	r.opened = true
	return r.maybeFlush()
}

// Consume merges one group's deflate bytes into the pending stream. It
// must be called with g.Index == the count of groups consumed so far.
// last indicates this is the final group of the image, triggering the
// final-block-bit fixup per the configured FinalBlockStrategy.
func (r *Reassembler) Consume(g CompressedGroup, last bool) error {
	if g.Index != r.nextIndex {
		return fmt.Errorf("reassemble: out-of-order group: got %d, want %d", g.Index, r.nextIndex)
	}

	blocks := g.Blocks
	if last {
		switch r.strategy {
		case FlipFinalBit:
			blocks = append([]byte(nil), blocks...)
			deflateunit.SetFinalBit(blocks)
		case AppendEmptyFinalBlock:
			blocks = append(append([]byte(nil), blocks...), deflateunit.FinalEmptyBlock...)
		}
	}
	r.pending.Write(blocks)
	r.adler = adler32Combine(r.adler, g.Adler, int64(g.FilteredLen))
	r.nextIndex++

	return r.maybeFlush()
}

func (r *Reassembler) maybeFlush() error {
	if !r.streaming {
		return nil
	}
	if r.pending.Len() < r.chunkSize {
		return nil
	}
	return r.flushIDAT()
}

func (r *Reassembler) flushIDAT() error {
	if r.pending.Len() == 0 {
		return nil
	}
	data := r.pending.Bytes()
	for len(data) > 0 {
		n := len(data)
		if n > maxChunkData {
			n = maxChunkData
		}
		if err := r.cw.WriteChunk("IDAT", data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	r.pending.Reset()
	return nil
}

const maxChunkData = 1<<31 - 1

// Finish appends the trailing 4-byte big-endian adler32 and flushes all
// remaining pending bytes as a final IDAT chunk (or its own trailing IDAT
// in streaming mode), then writes IEND.
func (r *Reassembler) Finish() error {
	var trailer [4]byte
	trailer[0] = byte(r.adler >> 24)
	trailer[1] = byte(r.adler >> 16)
	trailer[2] = byte(r.adler >> 8)
	trailer[3] = byte(r.adler)
	r.pending.Write(trailer[:])

	if err := r.flushIDAT(); err != nil {
		return err
	}
	return r.cw.WriteEnd()
}

// adler32Combine is Mark Adler's closed-form construction for combining
// two adler32 checksums without a second pass over the data: given
// adler1 (over a stream of unknown length) and adler2 (over the next
// len2 bytes), it returns the adler32 of the concatenation.
func adler32Combine(adler1, adler2 uint32, len2 int64) uint32 {
	const base = 65521
	if len2 < 0 {
		return 0xffffffff
	}
	rem := uint64(len2) % base
	sum1 := uint64(adler1 & 0xffff)
	sum2 := (rem * sum1) % base
	sum1 += uint64(adler2&0xffff) + base - 1
	sum2 += uint64((adler1>>16)&0xffff) + uint64((adler2>>16)&0xffff) + base - rem
	if sum1 >= base {
		sum1 -= base
	}
	if sum1 >= base {
		sum1 -= base
	}
	if sum2 >= base<<1 {
		sum2 -= base << 1
	}
	if sum2 >= base {
		sum2 -= base
	}
	return uint32(sum1 | (sum2 << 16))
}
