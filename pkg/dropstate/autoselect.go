package dropstate

import (
	"math"

	"github.com/rubythonode/tippecanoe/pkg/morton"
)

// EstimateMaxZoom guesses a maxzoom from the geometric mean of
// successive Morton-key deltas across the sorted index: distances
// between features are typically lognormally distributed, so the
// log-domain mean (converted back via exp) is the representative
// "typical gap" rather than the arithmetic mean, which a single
// outlier would skew.
//
// mortonKeys must already be sorted ascending (the external sort's
// output order). Returns minzoom if fewer than two distinct locations
// are present.
func EstimateMaxZoom(mortonKeys []uint64, minzoom int) int {
	var sum float64
	var count int
	for i := 1; i < len(mortonKeys); i++ {
		if mortonKeys[i] == mortonKeys[i-1] {
			continue
		}
		delta := mortonKeys[i] - mortonKeys[i-1]
		sum += math.Log(float64(delta))
		count++
	}
	if count == 0 {
		return minzoom
	}

	avg := math.Exp(sum / float64(count))

	// Convert from Morton/tile units (a 32-bit axis spans the globe)
	// to an approximate physical distance in feet, then back off by a
	// factor of 8 (3 zoom levels) beyond the minimum needed to tell
	// two such features apart.
	distFeet := math.Sqrt(avg) / 33
	want := distFeet / 8

	maxzoom := int(math.Ceil(math.Log(360/(0.00000274*want))/math.Log(2) - fullDetail))
	if maxzoom < 0 {
		maxzoom = 0
	}
	if maxzoom > MaxZoom {
		maxzoom = MaxZoom
	}
	if maxzoom < minzoom {
		maxzoom = minzoom
	}
	return maxzoom
}

// tileAccumulator is one zoom level's running (and best-seen) per-tile
// feature count while scanning the sorted index for basezoom/droprate
// selection.
type tileAccumulator struct {
	x, y      uint32
	count     int64
	fullCount int64
	gap       float64
	prevIndex uint64
}

// manageGap implements gamma-driven near-duplicate thinning: a feature
// within `gap` tile-units of the last counted one, scaled by the
// zoom's Scale, is skipped rather than counted, and the gap budget
// decays by the distance actually advanced.
func manageGap(index uint64, prevIndex *uint64, scale, gamma float64, gap *float64) bool {
	if gamma <= 0 {
		return false
	}
	if *prevIndex == 0 {
		*prevIndex = index
		return false
	}
	dist := math.Sqrt(float64(index-*prevIndex)) / scale
	if dist < *gap {
		*gap -= dist
		return true
	}
	*gap = gamma - dist
	if *gap < 0 {
		*gap = 0
	}
	*prevIndex = index
	return false
}

// BaseZoomSelection is SelectBaseZoomAndDropRate's result, including
// the gamma-effective-basezoom diagnostic as a queryable field rather
// than a printed log line.
type BaseZoomSelection struct {
	BaseZoom          int
	DropRate          float64
	EffectiveBaseZoom int
	MaxCountAtZoom    []int64
}

// SelectBaseZoomAndDropRate scans the sorted Morton keys once,
// maintaining a per-zoom tile accumulator, then derives basezoom
// and/or droprate from whichever of the two the caller left
// unspecified (negative). featureCap is the maximum feature count
// tolerated in a single tile (50000 / basezoom_marker_width^2).
func SelectBaseZoomAndDropRate(mortonKeys []uint64, maxzoom int, basezoom int, droprate float64, gamma float64, featureCap int64) BaseZoomSelection {
	tile := make([]tileAccumulator, maxzoom+1)
	max := make([]tileAccumulator, maxzoom+1)

	for _, key := range mortonKeys {
		x, y := morton.Decode(key)
		for z := 0; z <= maxzoom; z++ {
			var xxx, yyy uint32
			if z != 0 {
				xxx = x >> uint(32-z)
				yyy = y >> uint(32-z)
			}
			scale := float64(uint64(1) << uint(64-2*(z+8)))

			t := &tile[z]
			if t.x != xxx || t.y != yyy {
				if t.count > max[z].count {
					max[z] = *t
				}
				*t = tileAccumulator{x: xxx, y: yyy}
			}
			t.fullCount++

			if manageGap(key, &t.prevIndex, scale, gamma, &t.gap) {
				continue
			}
			t.count++
		}
	}
	for z := maxzoom; z >= 0; z-- {
		if tile[z].count > max[z].count {
			max[z] = tile[z]
		}
	}

	maxCounts := make([]int64, maxzoom+1)
	for z := range maxCounts {
		maxCounts[z] = max[z].count
	}

	requestedBasezoom := basezoom
	if basezoom < 0 {
		basezoom = maxzoom
		for z := maxzoom; z >= 0; z-- {
			if max[z].count < featureCap {
				basezoom = z
			}
		}
	}

	if requestedBasezoom < 0 && basezoom > maxzoom {
		// No zoom keeps every tile under the cap; work from the other
		// direction instead.
		if droprate < 0 {
			if maxzoom == 0 {
				droprate = 2.5
			} else if max[maxzoom].count > 0 {
				droprate = math.Exp(math.Log(float64(max[0].count)/float64(max[maxzoom].count)) / float64(maxzoom))
			} else {
				droprate = 2.5
			}
		}
		basezoom = 0
		for z := 0; z <= maxzoom; z++ {
			zoomdiff := math.Log(float64(max[z].count)/float64(featureCap)) / math.Log(droprate)
			if int(math.Ceil(zoomdiff))+z > basezoom {
				basezoom = int(math.Ceil(zoomdiff + float64(z)))
			}
		}
	} else if droprate < 0 {
		droprate = 1
		for z := basezoom - 1; z >= 0; z-- {
			interval := math.Exp(math.Log(droprate) * float64(basezoom-z))
			if float64(max[z].count)/interval >= float64(featureCap) {
				interval = float64(max[z].count) / float64(featureCap)
				droprate = math.Exp(math.Log(interval) / float64(basezoom-z))
			}
		}
	}

	effective := 0
	if gamma > 0 {
		for z := 0; z < maxzoom; z++ {
			if max[z].count < max[z].fullCount {
				effective = z + 1
			}
		}
	}

	return BaseZoomSelection{
		BaseZoom:          basezoom,
		DropRate:          droprate,
		EffectiveBaseZoom: effective,
		MaxCountAtZoom:    maxCounts,
	}
}
