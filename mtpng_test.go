package mtpng_test

import (
	"bytes"
	"compress/zlib"
	"image/png"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brion/mtpng-go"
	"github.com/brion/mtpng-go/internal/dispatch"
)

// encodeTruecolor builds an RGB (or RGBA, if alpha is true) image from
// pix and runs it through the encoder with the given Options, returning
// the framed PNG bytes.
func encodeTruecolor(t *testing.T, width, height uint32, alpha bool, pix []byte, opts *mtpng.Options) []byte {
	t.Helper()
	colorType := mtpng.Truecolor
	if alpha {
		colorType = mtpng.TruecolorAlpha
	}
	header, err := mtpng.NewHeader(width, height, 8, colorType)
	require.NoError(t, err)

	var buf bytes.Buffer
	enc, err := mtpng.New(&buf, opts)
	require.NoError(t, err)
	require.NoError(t, enc.WriteHeader(header))
	require.NoError(t, enc.WriteImageRows(pix))
	require.NoError(t, enc.Finish())
	return buf.Bytes()
}

// TestScenarioS1SinglePixel verifies the 1x1 black-pixel round-trip: the
// decoded pixel is black.
func TestScenarioS1SinglePixel(t *testing.T) {
	out := encodeTruecolor(t, 1, 1, false, []byte{0, 0, 0}, mtpng.NewOptions())

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	r, g, b, _ := img.At(0, 0).RGBA()
	require.Equal(t, uint32(0), r)
	require.Equal(t, uint32(0), g)
	require.Equal(t, uint32(0), b)
}

// TestScenarioS4LargeRandomRoundTrip covers Property 1 (round-trip) and
// Property 4 (thread invariance) for a sizable RGBA image split across
// many row-groups and worker threads.
func TestScenarioS4LargeRandomRoundTrip(t *testing.T) {
	const width, height = 1024, 1024
	rng := rand.New(rand.NewSource(1))
	pix := make([]byte, width*height*4)
	rng.Read(pix)

	for _, threads := range []int{1, 2, 8} {
		opts := mtpng.NewOptions()
		opts.ChunkSize = 65536
		opts.Pool = dispatch.NewPool(threads)

		out := encodeTruecolor(t, width, height, true, pix, opts)

		img, err := png.Decode(bytes.NewReader(out))
		require.NoError(t, err)

		for y := 0; y < height; y += 131 {
			for x := 0; x < width; x += 127 {
				r, g, b, a := img.At(x, y).RGBA()
				i := (y*width + x) * 4
				require.Equal(t, uint32(pix[i])*0x101, r)
				require.Equal(t, uint32(pix[i+1])*0x101, g)
				require.Equal(t, uint32(pix[i+2])*0x101, b)
				require.Equal(t, uint32(pix[i+3])*0x101, a)
			}
		}
	}
}

// TestScenarioS5IndexedWithTransparency covers an Indexed image with a
// full 256-entry palette and a tRNS chunk.
func TestScenarioS5IndexedWithTransparency(t *testing.T) {
	const width, height = 256, 256

	palette := make([]byte, 256*3)
	trns := make([]byte, 256)
	for i := 0; i < 256; i++ {
		palette[i*3] = byte(i)
		palette[i*3+1] = byte(255 - i)
		palette[i*3+2] = byte(i / 2)
		trns[i] = byte(255 - i)
	}

	pix := make([]byte, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			pix[y*width+x] = byte((x + y) % 256)
		}
	}

	header, err := mtpng.NewHeader(width, height, 8, mtpng.Indexed)
	require.NoError(t, err)

	var buf bytes.Buffer
	enc, err := mtpng.New(&buf, mtpng.NewOptions())
	require.NoError(t, err)
	require.NoError(t, enc.WriteHeader(header))
	require.NoError(t, enc.WritePalette(palette))
	require.NoError(t, enc.WriteTransparency(trns))
	require.NoError(t, enc.WriteImageRows(pix))
	require.NoError(t, enc.Finish())

	out := buf.Bytes()
	plteOff := bytes.Index(out, []byte("PLTE"))
	trnsOff := bytes.Index(out, []byte("tRNS"))
	require.Greater(t, plteOff, 0)
	require.Greater(t, trnsOff, plteOff)

	plteLen := beUint32(out[plteOff-4 : plteOff])
	require.Equal(t, uint32(768), plteLen)
	trnsLen := beUint32(out[trnsOff-4 : trnsOff])
	require.LessOrEqual(t, trnsLen, uint32(256))

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	indexed, ok := img.(interface {
		ColorIndexAt(x, y int) uint8
	})
	require.True(t, ok)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			require.Equal(t, pix[y*width+x], indexed.ColorIndexAt(x, y))
		}
	}
}

// TestScenarioS6StreamingEquivalence covers Property 3/4's streaming
// counterpart: streaming and non-streaming output must decode identically.
func TestScenarioS6StreamingEquivalence(t *testing.T) {
	const width, height = 64, 96
	rng := rand.New(rand.NewSource(7))
	pix := make([]byte, width*height*3)
	rng.Read(pix)

	optsA := mtpng.NewOptions()
	optsA.Streaming = false
	optsB := mtpng.NewOptions()
	optsB.Streaming = true
	optsB.ChunkSize = 4096

	outA := encodeTruecolor(t, width, height, false, pix, optsA)
	outB := encodeTruecolor(t, width, height, false, pix, optsB)

	imgA, err := png.Decode(bytes.NewReader(outA))
	require.NoError(t, err)
	imgB, err := png.Decode(bytes.NewReader(outB))
	require.NoError(t, err)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			ra, ga, ba, _ := imgA.At(x, y).RGBA()
			rb, gb, bb, _ := imgB.At(x, y).RGBA()
			require.Equal(t, ra, rb)
			require.Equal(t, ga, gb)
			require.Equal(t, ba, bb)
		}
	}
}

// TestPropertyChunkFraming checks Property 2.
func TestPropertyChunkFraming(t *testing.T) {
	out := encodeTruecolor(t, 2, 2, false, make([]byte, 2*2*3), mtpng.NewOptions())

	require.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a}, out[:8])

	pos := 8
	var tags []string
	for pos < len(out) {
		length := beUint32(out[pos : pos+4])
		tag := string(out[pos+4 : pos+8])
		tags = append(tags, tag)
		pos += 8 + int(length) + 4
	}
	require.Equal(t, len(out), pos)
	require.Equal(t, "IHDR", tags[0])
	require.Equal(t, "IEND", tags[len(tags)-1])
}

// TestPropertyDeterminism checks Property 3: identical options and input
// yield byte-identical output across runs.
func TestPropertyDeterminism(t *testing.T) {
	pix := make([]byte, 16*16*3)
	for i := range pix {
		pix[i] = byte(i)
	}
	opts := mtpng.NewOptions()
	out1 := encodeTruecolor(t, 16, 16, false, pix, opts)
	out2 := encodeTruecolor(t, 16, 16, false, pix, opts)
	require.Equal(t, out1, out2)
}

// TestPropertyFixedFilterAlwaysNone checks Property 6 for Fixed(None).
func TestPropertyFixedFilterAlwaysNone(t *testing.T) {
	const width, height = 8, 8
	pix := make([]byte, width*height*3)
	for i := range pix {
		pix[i] = byte(i * 37)
	}

	opts := mtpng.NewOptions()
	opts.Filter = mtpng.FixedFilterMode(mtpng.FilterNone)

	out := encodeTruecolor(t, width, height, false, pix, opts)
	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			i := (y*width + x) * 3
			require.Equal(t, uint32(pix[i])*0x101, r)
			require.Equal(t, uint32(pix[i+1])*0x101, g)
			require.Equal(t, uint32(pix[i+2])*0x101, b)
		}
	}

	// Every row of the inflated IDAT stream must start with filter type 0.
	var idat bytes.Buffer
	for pos := 8; pos < len(out); {
		length := int(beUint32(out[pos : pos+4]))
		if string(out[pos+4:pos+8]) == "IDAT" {
			idat.Write(out[pos+8 : pos+8+length])
		}
		pos += 8 + length + 4
	}
	zr, err := zlib.NewReader(&idat)
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	const stride = 1 + width*3
	require.Len(t, raw, height*stride)
	for y := 0; y < height; y++ {
		require.Equal(t, byte(0), raw[y*stride])
	}
}

// TestPropertyStateMachine checks Property 8.
func TestPropertyStateMachine(t *testing.T) {
	var buf bytes.Buffer
	enc, err := mtpng.New(&buf, mtpng.NewOptions())
	require.NoError(t, err)

	err = enc.WriteImageRows([]byte{0})
	var mErr *mtpng.Error
	require.ErrorAs(t, err, &mErr)
	require.Equal(t, mtpng.InvalidState, mErr.Kind)

	header, err := mtpng.NewHeader(4, 4, 8, mtpng.Truecolor)
	require.NoError(t, err)
	require.NoError(t, enc.WriteHeader(header))
	require.NoError(t, enc.WriteImageRows(make([]byte, 4*4*3)))

	err = enc.WritePalette([]byte{0, 0, 0})
	require.ErrorAs(t, err, &mErr)
	require.Equal(t, mtpng.InvalidState, mErr.Kind)
}

// TestIndexedWithoutPaletteRejected checks §3's "write_palette ...
// required when color type is Indexed": Finish must refuse to emit a
// PLTE-less Indexed stream.
func TestIndexedWithoutPaletteRejected(t *testing.T) {
	header, err := mtpng.NewHeader(2, 2, 8, mtpng.Indexed)
	require.NoError(t, err)

	var buf bytes.Buffer
	enc, err := mtpng.New(&buf, mtpng.NewOptions())
	require.NoError(t, err)
	require.NoError(t, enc.WriteHeader(header))
	require.NoError(t, enc.WriteImageRows(make([]byte, 2*2)))

	err = enc.Finish()
	var mErr *mtpng.Error
	require.ErrorAs(t, err, &mErr)
	require.Equal(t, mtpng.InvalidInput, mErr.Kind)
}

// TestMultiBlockLastGroupRoundTrips is a smaller, more targeted regression
// for S4: an incompressible truecolor image sized so its last row-group's
// filtered bytes exceed flate's internal block-size limits (so
// deflateunit.Compress legitimately emits more than one deflate block for
// that group) must still decode exactly, not truncate.
func TestMultiBlockLastGroupRoundTrips(t *testing.T) {
	const width, height = 4096, 8
	rng := rand.New(rand.NewSource(42))
	pix := make([]byte, width*height*4)
	rng.Read(pix)

	opts := mtpng.NewOptions()
	opts.ChunkSize = 65536 // bytesPerRow=16384 -> 4 rows/group, last group's
	// filtered bytes: 4*(1+16384) = 65540 > 65535, the stored-block cap.

	out := encodeTruecolor(t, width, height, true, pix, opts)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x += 37 {
			r, g, b, a := img.At(x, y).RGBA()
			i := (y*width + x) * 4
			require.Equal(t, uint32(pix[i])*0x101, r)
			require.Equal(t, uint32(pix[i+1])*0x101, g)
			require.Equal(t, uint32(pix[i+2])*0x101, b)
			require.Equal(t, uint32(pix[i+3])*0x101, a)
		}
	}
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
