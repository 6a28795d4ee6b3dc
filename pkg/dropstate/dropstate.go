// Package dropstate implements the drop-threshold stamping pass: the
// per-zoom accumulator that decides, for each sorted feature, the
// lowest zoom at which it still appears, plus the auto-selection
// heuristics for maxzoom, basezoom, and droprate that a caller can run
// over the sorted index before stamping.
package dropstate

import (
	"math"

	"github.com/rubythonode/tippecanoe/pkg/feature"
	"github.com/rubythonode/tippecanoe/pkg/morton"
)

// MaxZoom is the hard ceiling on any zoom level this package will
// compute or accept.
const MaxZoom = 24

// fullDetail is the default detail level assumed at full (native)
// resolution, used only by the maxzoom-guessing heuristic's
// feet-to-zoom conversion.
const fullDetail = 12

// DropState is one zoom level's accumulator, mutated as features
// stream past in sorted (morton_key, sequence) order. TileX/TileY
// track that zoom's current tile so a boundary crossing can reset
// the accumulator.
type DropState struct {
	Interval  float64
	Scale     float64
	Gap       float64
	Seq       float64
	PrevIndex uint64
	Included  int64
	TileX     uint32
	TileY     uint32
}

// Prepare builds DropState[0..maxzoom]: below basezoom each level gets
// a geometric dropout interval; at and above basezoom nothing is
// dropped (interval stays 0).
func Prepare(maxzoom, basezoom int, droprate float64) []DropState {
	ds := make([]DropState, maxzoom+1)
	for i := range ds {
		if i < basezoom {
			ds[i].Interval = math.Exp(math.Log(droprate) * float64(basezoom-i))
		}
		ds[i].Scale = float64(uint64(1) << uint(64-2*(i+8)))
	}
	return ds
}

// Options carries the gamma threshold and the per-geometry-type drop
// toggles that decide whether a feature is "droppable" at all.
type Options struct {
	Gamma       float64
	LineDrop    bool
	PolygonDrop bool
}

// droppable reports whether a geometry type is ever subject to
// zoom-dependent thinning: only points are, unless the caller opted
// lines or polygons into it too.
func droppable(t feature.GeomType, opts Options) bool {
	switch t {
	case feature.GeomTypePoint:
		return true
	case feature.GeomTypeLine:
		return opts.LineDrop
	case feature.GeomTypePolygon:
		return opts.PolygonDrop
	default:
		return false
	}
}

// CalcFeatureMinzoom computes the minimum zoom at which one record is
// still shown, against the live DropState slice. It tracks each
// zoom's current tile and resets Seq/Gap/PrevIndex whenever the
// feature crosses into a new tile at that zoom, rather than
// accumulating Seq globally across the whole sorted stream.
func CalcFeatureMinzoom(rec feature.IndexRecord, ds []DropState, maxzoom int, opts Options) uint8 {
	if !(opts.Gamma >= 0 && droppable(rec.Type, opts)) {
		return 0
	}

	x, y := morton.Decode(rec.MortonKey)

	for z := maxzoom; z >= 0; z-- {
		shift := uint(32 - z)
		xxx := x >> shift
		yyy := y >> shift
		if ds[z].TileX != xxx || ds[z].TileY != yyy {
			ds[z].Seq = 0
			ds[z].Gap = 0
			ds[z].PrevIndex = 0
			ds[z].TileX = xxx
			ds[z].TileY = yyy
		}
		ds[z].Seq++
	}

	for z := maxzoom; z >= 0; z-- {
		if ds[z].Seq >= 0 {
			ds[z].Seq -= ds[z].Interval
			ds[z].Included++
		} else {
			return uint8(z + 1)
		}
	}
	return 0
}

// Stamper adapts a DropState slice plus Options into a radixsort.StampFunc.
// Its drop-state updates are sequential by design, so a Stamper must
// only ever be driven by one goroutine at a time.
type Stamper struct {
	ds      []DropState
	maxzoom int
	opts    Options
}

// NewStamper builds a Stamper from an already-Prepare'd DropState slice.
func NewStamper(ds []DropState, maxzoom int, opts Options) *Stamper {
	return &Stamper{ds: ds, maxzoom: maxzoom, opts: opts}
}

// Stamp has the signature radixsort.StampFunc expects.
func (s *Stamper) Stamp(rec feature.IndexRecord) uint8 {
	return CalcFeatureMinzoom(rec, s.ds, s.maxzoom, s.opts)
}
