// Package mtpng implements a multithreaded PNG encoder: image rows are
// partitioned into byte-budgeted row-groups, filtered and deflate-compressed
// in parallel across a worker pool, then reassembled in order into one
// logical zlib stream and framed as PNG chunks.
package mtpng

import (
	"context"
	"fmt"
	"hash/adler32"
	"io"

	"github.com/brion/mtpng-go/internal/chunkio"
	"github.com/brion/mtpng-go/internal/deflateunit"
	"github.com/brion/mtpng-go/internal/dispatch"
	"github.com/brion/mtpng-go/internal/filter"
	"github.com/brion/mtpng-go/internal/partition"
	"github.com/brion/mtpng-go/internal/reassemble"
)

type state int

const (
	stateFresh state = iota
	stateHeaderWritten
	stateRowsStreaming
	stateFinished
)

// Encoder writes one PNG image to an underlying sink. It is not safe for
// concurrent use; the parallelism it drives internally is an implementation
// detail of Finish.
type Encoder struct {
	cw   *chunkio.Writer
	opts *Options
	pool *dispatch.Pool

	state state
	err   *Error // sticky; set only for Kind IO / Kind Internal

	header  Header
	bpr     int
	bpp     int
	palette []byte
	trns    []byte

	pixBuf []byte
	want   int
}

// New creates an Encoder that writes framed PNG output to sink. opts may be
// nil, in which case NewOptions() defaults are used; otherwise it is
// validated immediately.
func New(sink io.Writer, opts *Options) (*Encoder, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	pool := opts.Pool
	if pool == nil {
		pool = dispatch.NewPool(0)
	}

	e := &Encoder{
		cw:   chunkio.New(sink),
		opts: opts,
		pool: pool,
	}
	if err := e.cw.WriteSignature(); err != nil {
		return nil, e.poison(ioError("new", err))
	}
	return e, nil
}

func (e *Encoder) poison(err *Error) *Error {
	if err.Kind == IO || err.Kind == Internal {
		e.err = err
	}
	return err
}

func (e *Encoder) checkPoison() error {
	if e.err != nil {
		return e.err
	}
	return nil
}

// WriteHeader writes the IHDR chunk describing the image. It must be called
// exactly once, before WritePalette, WriteTransparency, or WriteImageRows.
func (e *Encoder) WriteHeader(h Header) error {
	if err := e.checkPoison(); err != nil {
		return err
	}
	if e.state != stateFresh {
		return invalidState("write_header", "header already written")
	}
	if err := h.Validate(); err != nil {
		return err
	}

	ihdr := make([]byte, 13)
	putU32(ihdr[0:4], h.Width)
	putU32(ihdr[4:8], h.Height)
	ihdr[8] = h.Depth
	ihdr[9] = byte(h.Color)
	ihdr[10] = 0 // compression method
	ihdr[11] = 0 // filter method
	ihdr[12] = 0 // interlace method

	if err := e.cw.WriteChunk("IHDR", ihdr); err != nil {
		return e.poison(ioError("write_header", err))
	}

	e.header = h
	e.bpr = h.BytesPerRow()
	e.bpp = h.BytesPerPixel()
	e.want = e.bpr * int(h.Height)
	e.pixBuf = make([]byte, 0, e.want)
	e.state = stateHeaderWritten
	return nil
}

func putU32(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}

// WritePalette writes a PLTE chunk for an Indexed-color image. entries holds
// one RGB triple per palette entry (len(entries) must be a multiple of 3,
// and at most 256 entries).
func (e *Encoder) WritePalette(entries []byte) error {
	if err := e.checkPoison(); err != nil {
		return err
	}
	if e.state != stateHeaderWritten {
		return invalidState("write_palette", "must be called after write_header and before image rows")
	}
	if len(entries)%3 != 0 {
		return invalidInput("write_palette", fmt.Sprintf("palette length %d is not a multiple of 3", len(entries)))
	}
	if len(entries)/3 > 256 {
		return invalidInput("write_palette", fmt.Sprintf("palette has %d entries, max 256", len(entries)/3))
	}
	if err := e.cw.WriteChunk("PLTE", entries); err != nil {
		return e.poison(ioError("write_palette", err))
	}
	e.palette = append([]byte(nil), entries...)
	return nil
}

// WriteTransparency writes a tRNS chunk. For Indexed color, data holds one
// alpha byte per palette entry (at most the palette's length); for
// Greyscale or Truecolor it holds the packed sample transparency value.
func (e *Encoder) WriteTransparency(data []byte) error {
	if err := e.checkPoison(); err != nil {
		return err
	}
	if e.state != stateHeaderWritten {
		return invalidState("write_transparency", "must be called after write_header and before image rows")
	}
	if e.header.Color == Indexed && e.palette != nil && len(data) > len(e.palette)/3 {
		return invalidInput("write_transparency", "tRNS has more entries than PLTE")
	}
	if err := e.cw.WriteChunk("tRNS", data); err != nil {
		return e.poison(ioError("write_transparency", err))
	}
	e.trns = append([]byte(nil), data...)
	return nil
}

// WriteImageRows appends raw pixel bytes to the pending image buffer. The
// full image must be supplied, in one or more calls, before Finish; row
// boundaries need not align with call boundaries. Pixel streaming to the
// parallel pipeline itself happens only inside Finish, once the complete
// buffer is known.
func (e *Encoder) WriteImageRows(data []byte) error {
	if err := e.checkPoison(); err != nil {
		return err
	}
	switch e.state {
	case stateHeaderWritten:
		e.state = stateRowsStreaming
	case stateRowsStreaming:
	default:
		return invalidState("write_image_rows", "write_header must be called first, or image already finished")
	}
	if len(e.pixBuf)+len(data) > e.want {
		return invalidInput("write_image_rows", fmt.Sprintf("received %d bytes, exceeding expected image size %d", len(e.pixBuf)+len(data), e.want))
	}
	e.pixBuf = append(e.pixBuf, data...)
	return nil
}

// Finish runs the parallel filter+compress pipeline over the buffered pixel
// data, reassembles the results into IDAT chunks, writes IEND, and flushes
// the underlying sink. It does not return the sink; the caller keeps its
// own reference. The Encoder must not be used again afterward.
func (e *Encoder) Finish() error {
	if err := e.checkPoison(); err != nil {
		return err
	}
	if e.state != stateRowsStreaming && e.state != stateHeaderWritten {
		return invalidState("finish", "no header written, or already finished")
	}
	if e.header.Color == Indexed && e.palette == nil {
		return invalidInput("finish", "indexed color images require write_palette to be called before finish")
	}
	if len(e.pixBuf) != e.want {
		return invalidInput("finish", fmt.Sprintf("received %d pixel bytes, expected %d", len(e.pixBuf), e.want))
	}

	groups := partition.Plan(int(e.header.Height), e.bpr, e.opts.ChunkSize)
	filterMode := e.opts.Filter.internal()
	level := e.opts.Level.internal()
	strategy := e.opts.Strategy.internal()
	pix := e.pixBuf
	bpr := e.bpr
	bpp := e.bpp

	results, release, wait := dispatch.Dispatch(context.Background(), e.pool, len(groups), func(ctx context.Context, index int) (reassemble.CompressedGroup, error) {
		g := groups[index]
		raw := partition.RawBytes(pix, bpr, g)
		ctxRow := partition.ContextRow(pix, bpr, g)

		scratch := filter.NewScratch(bpr)
		filtered := make([]byte, 0, (1+bpr)*g.NumRows)
		prev := ctxRow
		for r := 0; r < g.NumRows; r++ {
			cur := raw[r*bpr : (r+1)*bpr]
			row := filter.Apply(scratch, cur, zeroIfNil(prev, bpr), bpp, filterMode)
			filtered = append(filtered, row...)
			prev = cur
		}

		blocks, err := deflateunit.Compress(filtered, level, strategy)
		if err != nil {
			return reassemble.CompressedGroup{}, err
		}
		return reassemble.CompressedGroup{
			Index:       index,
			FilteredLen: len(filtered),
			Adler:       adler32.Checksum(filtered),
			Blocks:      blocks,
		}, nil
	})

	// AppendEmptyFinalBlock is used rather than FlipFinalBit: the Deflate
	// Unit's sync-flush output for a group can legitimately split into
	// more than one deflate block (stored-block and Huffman-block length
	// caps both apply well within a single chunk-sized group), and
	// flipping BFINAL on the last group's *first* block would make a
	// decoder stop there, silently truncating every block after it.
	// Appending an empty final stored block after the last group's data
	// is correct regardless of how many blocks that group produced.
	r := reassemble.New(e.cw, e.opts.ChunkSize, e.opts.Streaming, reassemble.AppendEmptyFinalBlock)
	if err := r.Open(level); err != nil {
		if e.cw.Err() != nil {
			return e.poison(ioError("finish", err))
		}
		return e.poison(internalError("finish", err))
	}

	for i, ch := range results {
		out := <-ch
		release()
		if out.Err != nil {
			_ = wait()
			return e.poison(internalError("finish", out.Err))
		}
		if err := r.Consume(out.Value, i == len(results)-1); err != nil {
			_ = wait()
			if e.cw.Err() != nil {
				return e.poison(ioError("finish", err))
			}
			return e.poison(internalError("finish", err))
		}
	}
	if err := wait(); err != nil {
		return e.poison(internalError("finish", err))
	}

	if err := r.Finish(); err != nil {
		return e.poison(ioError("finish", err))
	}
	if err := e.cw.Flush(); err != nil {
		return e.poison(ioError("finish", err))
	}

	e.state = stateFinished
	return nil
}

func zeroIfNil(row []byte, bpr int) []byte {
	if row != nil {
		return row
	}
	return make([]byte, bpr)
}
