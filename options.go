package mtpng

import (
	"fmt"

	"github.com/brion/mtpng-go/internal/deflateunit"
	"github.com/brion/mtpng-go/internal/dispatch"
	"github.com/brion/mtpng-go/internal/filter"
)

// Filter identifies one of the five PNG row filters. Numeric values match
// the PNG spec's filter-type byte.
type Filter int

const (
	FilterNone Filter = iota
	FilterSub
	FilterUp
	FilterAverage
	FilterPaeth
)

func (f Filter) valid() bool { return f >= FilterNone && f <= FilterPaeth }

func (f Filter) internal() filter.Type { return filter.Type(f) }

// FilterMode selects either per-row Adaptive filter selection or a
// single Fixed filter applied to every row.
type FilterMode struct {
	Adaptive bool
	Fixed    Filter
}

// AdaptiveFilter is the default filter mode.
func AdaptiveFilter() FilterMode { return FilterMode{Adaptive: true} }

// FixedFilterMode forces every row to use f.
func FixedFilterMode(f Filter) FilterMode { return FilterMode{Fixed: f} }

func (m FilterMode) internal() filter.Mode {
	if m.Adaptive {
		return filter.AdaptiveMode()
	}
	return filter.FixedMode(m.Fixed.internal())
}

// Level is the deflate compression level.
type Level int

const (
	LevelFast Level = iota
	LevelDefault
	LevelHigh
)

func (l Level) valid() bool { return l >= LevelFast && l <= LevelHigh }

func (l Level) internal() deflateunit.Level { return deflateunit.Level(l) }

// Strategy mirrors zlib's deflate strategy knob (see internal/deflateunit
// for which strategies the underlying primitive actually differentiates).
type Strategy int

const (
	StrategyDefault Strategy = iota
	StrategyFiltered
	StrategyHuffmanOnly
	StrategyRLE
	StrategyFixed
)

func (s Strategy) valid() bool { return s >= StrategyDefault && s <= StrategyFixed }

func (s Strategy) internal() deflateunit.Strategy { return deflateunit.Strategy(s) }

// StrategyMode selects either Adaptive or a single Fixed deflate strategy
// for every group. Adaptive compresses every group with StrategyDefault;
// no per-group strategy choice is made.
type StrategyMode struct {
	Adaptive bool
	Fixed    Strategy
}

// AdaptiveStrategy treats strategy selection as absent/unspecified,
// which the spec defines to mean Adaptive.
func AdaptiveStrategy() StrategyMode { return StrategyMode{Adaptive: true} }

// FixedStrategyMode forces every group to compress with s.
func FixedStrategyMode(s Strategy) StrategyMode { return StrategyMode{Fixed: s} }

func (m StrategyMode) internal() deflateunit.Strategy {
	if m.Adaptive {
		return deflateunit.StrategyDefault
	}
	return m.Fixed.internal()
}

// DefaultChunkSize is the default row-group byte budget (§3, Options).
const DefaultChunkSize = 200_000

// Options configures an Encoder. The zero value is not valid; construct
// with NewOptions.
type Options struct {
	// ChunkSize is the target byte budget per row-group. It is floored
	// at one row by the partitioner; it must itself be positive.
	ChunkSize int
	Filter    FilterMode
	Level     Level
	Strategy  StrategyMode
	// Streaming selects incremental IDAT emission once pending bytes
	// exceed ChunkSize, vs. one accumulate-then-emit IDAT at Finish.
	Streaming bool
	// Pool is a borrowed worker pool handle; its lifetime must outlive
	// the Encoder. With a nil Pool, each Encoder constructed with these
	// Options uses its own dispatch.NewPool(0) (GOMAXPROCS workers);
	// Pool itself stays nil.
	Pool *dispatch.Pool
}

// NewOptions returns Options with the spec's defaults: ChunkSize
// DefaultChunkSize, Adaptive filter, Default level, Adaptive strategy,
// non-streaming, and a nil Pool (resolved to GOMAXPROCS lazily).
func NewOptions() *Options {
	return &Options{
		ChunkSize: DefaultChunkSize,
		Filter:    AdaptiveFilter(),
		Level:     LevelDefault,
		Strategy:  AdaptiveStrategy(),
		Streaming: false,
	}
}

// Validate reports whether o is well-formed.
func (o *Options) Validate() error {
	if o.ChunkSize <= 0 {
		return invalidInput("new", fmt.Sprintf("chunk size %d must be positive", o.ChunkSize))
	}
	if !o.Filter.Adaptive && !o.Filter.Fixed.valid() {
		return invalidInput("new", fmt.Sprintf("invalid fixed filter %d", o.Filter.Fixed))
	}
	if !o.Strategy.Adaptive && !o.Strategy.Fixed.valid() {
		return invalidInput("new", fmt.Sprintf("invalid fixed strategy %d", o.Strategy.Fixed))
	}
	if !o.Level.valid() {
		return invalidInput("new", fmt.Sprintf("invalid compression level %d", o.Level))
	}
	return nil
}
