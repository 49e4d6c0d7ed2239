// Package filter implements the five PNG row filters (None, Sub, Up,
// Average, Paeth) and the adaptive minimum-sum-of-absolute-differences
// heuristic used to pick one per row.
package filter

// Type identifies one of the five PNG filter types. The numeric values
// match the PNG spec's filter-type byte.
type Type uint8

const (
	None Type = iota
	Sub
	Up
	Average
	Paeth

	numTypes = 5
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Sub:
		return "sub"
	case Up:
		return "up"
	case Average:
		return "average"
	case Paeth:
		return "paeth"
	default:
		return "unknown"
	}
}

func abs8(d uint8) int {
	if d < 128 {
		return int(d)
	}
	return 256 - int(d)
}

func paeth(a, b, c uint8) uint8 {
	// Widen to avoid overflow in the intermediate arithmetic.
	pa := int(b) - int(c)
	pb := int(a) - int(c)
	pc := pa + pb

	if pa < 0 {
		pa = -pa
	}
	if pb < 0 {
		pb = -pb
	}
	if pc < 0 {
		pc = -pc
	}

	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

// Scratch holds the reusable buffers a worker needs to filter one
// row-group: one buffer per candidate filter type, each sized for a
// single filtered row (1 type byte + bpr data bytes).
type Scratch struct {
	cand [numTypes][]byte
}

// NewScratch allocates a Scratch sized for rows of bpr raw bytes.
func NewScratch(bpr int) *Scratch {
	s := &Scratch{}
	for i := range s.cand {
		s.cand[i] = make([]byte, 1+bpr)
	}
	return s
}

func (s *Scratch) row(t Type, bpr int) []byte {
	if cap(s.cand[t]) < 1+bpr {
		s.cand[t] = make([]byte, 1+bpr)
	} else {
		s.cand[t] = s.cand[t][:1+bpr]
	}
	return s.cand[t]
}

// sumAbs is the standard PNG "minimum sum of absolute differences"
// heuristic score for a filtered row's data bytes (excludes the leading
// filter-type byte).
func sumAbs(data []byte) int {
	sum := 0
	for _, b := range data {
		sum += abs8(b)
	}
	return sum
}

// applyNone copies cur into out's data bytes verbatim.
func applyNone(out, cur []byte) {
	copy(out[1:], cur)
}

func applySub(out, cur []byte, bpp int) {
	d := out[1:]
	for i, c := range cur {
		if i >= bpp {
			d[i] = c - cur[i-bpp]
		} else {
			d[i] = c
		}
	}
}

func applyUp(out, cur, prev []byte) {
	d := out[1:]
	for i, c := range cur {
		d[i] = c - prev[i]
	}
}

func applyAverage(out, cur, prev []byte, bpp int) {
	d := out[1:]
	for i, c := range cur {
		var left int
		if i >= bpp {
			left = int(cur[i-bpp])
		}
		avg := (left + int(prev[i])) / 2
		d[i] = c - uint8(avg)
	}
}

func applyPaeth(out, cur, prev []byte, bpp int) {
	d := out[1:]
	for i, c := range cur {
		var a, c2 uint8
		if i >= bpp {
			a = cur[i-bpp]
			c2 = prev[i-bpp]
		}
		b := prev[i]
		d[i] = c - paeth(a, b, c2)
	}
}

// Apply filters one row (cur, bpr raw bytes) given its predecessor row
// (prev — all-zero for the image's first row or a row-group's first row
// when it has no context), writing the filter-type byte and the filtered
// data into scratch and returning the selected variant. mode selects a
// single fixed filter, or Adaptive to choose the best one.
func Apply(scratch *Scratch, cur, prev []byte, bpp int, mode Mode) []byte {
	bpr := len(cur)

	if !mode.Adaptive {
		out := scratch.row(mode.Fixed, bpr)
		out[0] = byte(mode.Fixed)
		switch mode.Fixed {
		case None:
			applyNone(out, cur)
		case Sub:
			applySub(out, cur, bpp)
		case Up:
			applyUp(out, cur, prev)
		case Average:
			applyAverage(out, cur, prev, bpp)
		case Paeth:
			applyPaeth(out, cur, prev, bpp)
		}
		return out
	}

	best := None
	bestRow := scratch.row(None, bpr)
	bestRow[0] = byte(None)
	applyNone(bestRow, cur)
	bestScore := sumAbs(bestRow[1:])

	tryType := func(t Type, apply func([]byte)) {
		row := scratch.row(t, bpr)
		row[0] = byte(t)
		apply(row)
		score := sumAbs(row[1:])
		if score < bestScore {
			bestScore = score
			best = t
		}
	}

	tryType(Sub, func(row []byte) { applySub(row, cur, bpp) })
	tryType(Up, func(row []byte) { applyUp(row, cur, prev) })
	tryType(Average, func(row []byte) { applyAverage(row, cur, prev, bpp) })
	tryType(Paeth, func(row []byte) { applyPaeth(row, cur, prev, bpp) })

	return scratch.cand[best]
}

// Mode selects either the Adaptive per-row heuristic or a single Fixed
// filter type for every row.
type Mode struct {
	Adaptive bool
	Fixed    Type
}

// AdaptiveMode is the default filter mode: pick the best filter per row.
func AdaptiveMode() Mode { return Mode{Adaptive: true} }

// FixedMode forces every row to use the given filter type.
func FixedMode(t Type) Mode { return Mode{Fixed: t} }
