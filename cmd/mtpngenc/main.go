// Command mtpngenc re-encodes a PNG image using the mtpng multithreaded
// encoder, to exercise and benchmark the library from the command line.
// It decodes its input with the stdlib image/png package (used here only
// as a source of pixel data; the decode path is not part of the encoder
// under test) and classifies the result into one of the color types the
// encoder understands, the way rmamba-image's writer chooses a chunk-byte
// encoding from an arbitrary image.Image's concrete type and color model.
package main

import (
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"os"
	"time"

	"github.com/brion/mtpng-go"
	"github.com/brion/mtpng-go/internal/dispatch"
)

func main() {
	chunkSize := flag.Int("chunk-size", 0, "Divide image into chunks of at most this many bytes (at least one row each).")
	filterFlag := flag.String("filter", "", "Set a fixed filter: one of none, sub, up, average, paeth, or adaptive.")
	levelFlag := flag.String("level", "", "Set deflate compression level: 1, 9, or default.")
	strategyFlag := flag.String("strategy", "", "Deflate strategy: one of auto, default, filtered, huffman, rle, or fixed.")
	streamingFlag := flag.String("streaming", "", "Use streaming output mode: yes or no.")
	threads := flag.Int("threads", 0, "Override default number of worker threads.")
	repeat := flag.Int("repeat", 1, "Run conversion n times, as a load benchmarking helper.")
	flag.Parse()

	if flag.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: mtpngenc [flags] <input.png> <output.png>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	infile, outfile := flag.Arg(0), flag.Arg(1)

	pool := dispatch.NewPool(*threads)
	log.Printf("using %d threads", pool.Workers())

	opts := mtpng.NewOptions()
	opts.Pool = pool
	if err := applyFlags(opts, *chunkSize, *filterFlag, *levelFlag, *strategyFlag, *streamingFlag); err != nil {
		log.Fatalf("error: %v", err)
	}

	header, pix, palette, trns, err := readPNG(infile)
	if err != nil {
		log.Fatalf("error: %v", err)
	}

	fmt.Printf("%s -> %s\n", infile, outfile)
	for i := 0; i < *repeat; i++ {
		start := time.Now()
		if err := writePNG(outfile, opts, header, pix, palette, trns); err != nil {
			log.Fatalf("error: %v", err)
		}
		fmt.Printf("done in %d ms\n", time.Since(start).Milliseconds())
	}
}

func applyFlags(opts *mtpng.Options, chunkSize int, filter, level, strategy, streaming string) error {
	if chunkSize > 0 {
		opts.ChunkSize = chunkSize
	}

	switch filter {
	case "":
	case "adaptive":
		opts.Filter = mtpng.AdaptiveFilter()
	case "none":
		opts.Filter = mtpng.FixedFilterMode(mtpng.FilterNone)
	case "sub":
		opts.Filter = mtpng.FixedFilterMode(mtpng.FilterSub)
	case "up":
		opts.Filter = mtpng.FixedFilterMode(mtpng.FilterUp)
	case "average":
		opts.Filter = mtpng.FixedFilterMode(mtpng.FilterAverage)
	case "paeth":
		opts.Filter = mtpng.FixedFilterMode(mtpng.FilterPaeth)
	default:
		return errors.New("unsupported filter type")
	}

	switch level {
	case "":
	case "default":
		opts.Level = mtpng.LevelDefault
	case "1":
		opts.Level = mtpng.LevelFast
	case "9":
		opts.Level = mtpng.LevelHigh
	default:
		return errors.New("unsupported compression level (try default, 1, or 9)")
	}

	switch strategy {
	case "":
	case "auto":
		opts.Strategy = mtpng.AdaptiveStrategy()
	case "default":
		opts.Strategy = mtpng.FixedStrategyMode(mtpng.StrategyDefault)
	case "filtered":
		opts.Strategy = mtpng.FixedStrategyMode(mtpng.StrategyFiltered)
	case "huffman":
		opts.Strategy = mtpng.FixedStrategyMode(mtpng.StrategyHuffmanOnly)
	case "rle":
		opts.Strategy = mtpng.FixedStrategyMode(mtpng.StrategyRLE)
	case "fixed":
		opts.Strategy = mtpng.FixedStrategyMode(mtpng.StrategyFixed)
	default:
		return errors.New("invalid compression strategy mode")
	}

	switch streaming {
	case "":
	case "yes":
		opts.Streaming = true
	case "no":
		opts.Streaming = false
	default:
		return errors.New("invalid streaming mode, try yes or no")
	}

	return opts.Validate()
}

// readPNG decodes filename with image/png and reduces the result to the
// raw row bytes, palette, and transparency data mtpng.Encoder expects,
// classifying the decoded image's concrete type the way rmamba-image's
// writer classifies an arbitrary image.Image into a chunk-byte encoding.
func readPNG(filename string) (mtpng.Header, []byte, []byte, []byte, error) {
	f, err := os.Open(filename)
	if err != nil {
		return mtpng.Header{}, nil, nil, nil, err
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return mtpng.Header{}, nil, nil, nil, err
	}

	bounds := img.Bounds()
	width, height := uint32(bounds.Dx()), uint32(bounds.Dy())

	switch src := img.(type) {
	case *image.Paletted:
		palette, trns := splitPalette(src.Palette)
		header, err := mtpng.NewHeader(width, height, 8, mtpng.Indexed)
		if err != nil {
			return mtpng.Header{}, nil, nil, nil, err
		}
		pix := make([]byte, 0, int(width)*int(height))
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			row := src.Pix[(y-bounds.Min.Y)*src.Stride : (y-bounds.Min.Y)*src.Stride+int(width)]
			pix = append(pix, row...)
		}
		return header, pix, palette, trns, nil

	case *image.Gray:
		header, err := mtpng.NewHeader(width, height, 8, mtpng.Greyscale)
		if err != nil {
			return mtpng.Header{}, nil, nil, nil, err
		}
		pix := make([]byte, 0, int(width)*int(height))
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			row := src.Pix[(y-bounds.Min.Y)*src.Stride : (y-bounds.Min.Y)*src.Stride+int(width)]
			pix = append(pix, row...)
		}
		return header, pix, nil, nil, nil

	default:
		return readTruecolor(img, width, height)
	}
}

func splitPalette(pal color.Palette) (entries []byte, trns []byte) {
	entries = make([]byte, 0, len(pal)*3)
	trns = make([]byte, 0, len(pal))
	sawTransparency := false
	for _, c := range pal {
		rgba := color.RGBAModel.Convert(c).(color.RGBA)
		entries = append(entries, rgba.R, rgba.G, rgba.B)
		trns = append(trns, rgba.A)
		if rgba.A != 0xff {
			sawTransparency = true
		}
	}
	if !sawTransparency {
		return entries, nil
	}
	return entries, trns
}

// readTruecolor converts any other decoded image to 8-bit RGBA and emits
// it as Truecolor or TruecolorAlpha depending on whether every pixel is
// fully opaque.
func readTruecolor(img image.Image, width, height uint32) (mtpng.Header, []byte, []byte, []byte, error) {
	bounds := img.Bounds()
	opaque := true
	rgba := make([]byte, 0, int(width)*int(height)*4)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := img.At(x, y).RGBA()
			rgba = append(rgba, byte(r>>8), byte(g>>8), byte(b>>8), byte(a>>8))
			if a != 0xffff {
				opaque = false
			}
		}
	}

	if opaque {
		header, err := mtpng.NewHeader(width, height, 8, mtpng.Truecolor)
		if err != nil {
			return mtpng.Header{}, nil, nil, nil, err
		}
		pix := make([]byte, 0, int(width)*int(height)*3)
		for i := 0; i < len(rgba); i += 4 {
			pix = append(pix, rgba[i], rgba[i+1], rgba[i+2])
		}
		return header, pix, nil, nil, nil
	}

	header, err := mtpng.NewHeader(width, height, 8, mtpng.TruecolorAlpha)
	if err != nil {
		return mtpng.Header{}, nil, nil, nil, err
	}
	return header, rgba, nil, nil, nil
}

func writePNG(filename string, opts *mtpng.Options, header mtpng.Header, pix, palette, trns []byte) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := mtpng.New(f, opts)
	if err != nil {
		return err
	}
	if err := enc.WriteHeader(header); err != nil {
		return err
	}
	if palette != nil {
		if err := enc.WritePalette(palette); err != nil {
			return err
		}
	}
	if trns != nil {
		if err := enc.WriteTransparency(trns); err != nil {
			return err
		}
	}
	if err := enc.WriteImageRows(pix); err != nil {
		return err
	}
	return enc.Finish()
}
