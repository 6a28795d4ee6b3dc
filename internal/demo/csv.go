// Package demo is a worked example of the two collaborators a real
// caller of pkg/pipeline must supply: a pipeline.FeatureParser that
// turns one wire format into feature.Feature values, and an output
// sink to hand the sorted result to. It exercises the pipeline the
// way a caller would, not a production-grade CSV ingester.
//
// Its CSV parser sniffs longitude/latitude columns by header name and
// numeric-looking sample values, turns every other column into a
// (header, raw cell text) attribute token pair without typing the
// value, and skips degenerate rows with a warning, building
// feature.Feature values for pkg/lane to consume.
package demo

import (
	"encoding/csv"
	"math"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/rubythonode/tippecanoe/pkg/feature"
	"github.com/rubythonode/tippecanoe/pkg/lane"
)

// LonLatToTile projects a (lon, lat) pair into the 32-bit tile-grid
// coordinate space IndexRecord's Morton key is built from: a plain
// Web-Mercator tile projection evaluated at the deepest zoom the
// 32-bit axis supports.
func LonLatToTile(lon, lat float64) (x, y uint32) {
	if math.IsInf(lon, 0) || math.IsNaN(lon) {
		lon = 180
	}
	if lat < -85.0511 {
		lat = -85.0511
	}
	if lat > 85.0511 {
		lat = 85.0511
	}
	if lon < -360 {
		lon = -360
	}
	if lon > 360 {
		lon = 360
	}

	const n = float64(uint64(1) << 32)
	latRad := lat * math.Pi / 180

	fx := n * ((lon + 180.0) / 360.0)
	fy := n * (1.0 - (math.Log(math.Tan(latRad)+1.0/math.Cos(latRad)) / math.Pi)) / 2.0

	return clampToUint32(fx), clampToUint32(fy)
}

func clampToUint32(f float64) uint32 {
	if f < 0 {
		return 0
	}
	if f > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(f)
}

// geomColumns sniffs which two CSV columns hold longitude and
// latitude, trying name matches first and falling back to a
// range-based guess over the first few data rows, exactly the two
// fallbacks GetGeomCol tries in order.
func geomColumns(headers []string, sample [][]string) (ix, iy int) {
	lonNames := []string{"x", "lon", "longitude"}
	latNames := []string{"y", "lat", "latitude"}

	byName := func(names []string) int {
		for _, want := range names {
			for i, h := range headers {
				if strings.ToLower(h) == want {
					return i
				}
			}
		}
		return -1
	}

	byRange := func(min, max float64) int {
		for i := range headers {
			inRange := true
			for _, row := range sample {
				if i >= len(row) {
					inRange = false
					break
				}
				f, err := strconv.ParseFloat(row[i], 64)
				if err != nil || f < min || f > max {
					inRange = false
					break
				}
			}
			if inRange && len(sample) > 0 {
				return i
			}
		}
		return -1
	}

	ix = byName(lonNames)
	if ix < 0 {
		ix = byRange(-180, 180)
	}
	iy = byName(latNames)
	if iy < 0 {
		iy = byRange(-90, 90)
	}
	return ix, iy
}

// NewCSVParser builds a pipeline.FeatureParser over CSV chunks.
// Because pkg/ingest hands each worker an independent byte range, the
// header row is supplied up front rather than read from the chunk
// itself -- only the first chunk of a real file would contain it, and
// every worker still needs the column names to sniff lon/lat and
// label the remaining columns as attributes.
//
// sampleRows primes the range-based column sniff the way GetGeomCol
// buffers up to seven data rows before deciding; callers typically
// pass the first handful of rows read ahead of calling pipeline.Run.
func NewCSVParser(headers []string, sampleRows [][]string) func(chunk []byte, l *lane.Lane, sequence uint64) error {
	ix, iy := geomColumns(headers, sampleRows)

	return func(chunk []byte, l *lane.Lane, sequence uint64) error {
		if ix < 0 || iy < 0 {
			return errNoGeometryColumns
		}

		r := csv.NewReader(strings.NewReader(string(chunk)))
		r.FieldsPerRecord = -1
		for {
			row, err := r.Read()
			if err != nil {
				break
			}
			if ix >= len(row) || iy >= len(row) || row[ix] == "" || row[iy] == "" {
				log.WithField("row", row).Warn("demo: skipping row with no geometry")
				continue
			}

			lon, err := strconv.ParseFloat(row[ix], 64)
			if err != nil {
				log.WithError(err).Warn("demo: skipping row with unparseable longitude")
				continue
			}
			lat, err := strconv.ParseFloat(row[iy], 64)
			if err != nil {
				log.WithError(err).Warn("demo: skipping row with unparseable latitude")
				continue
			}

			x, y := LonLatToTile(lon, lat)

			var attrs [][]byte
			for i, v := range row {
				if i == ix || i == iy {
					continue
				}
				key := "col"
				if i < len(headers) {
					key = headers[i]
				}
				attrs = append(attrs, []byte(key), []byte(v))
			}

			f := feature.Feature{
				Type:       feature.GeomTypePoint,
				BBox:       [4]uint32{x, y, x, y},
				Geometry:   encodePoint(x, y),
				Attributes: attrs,
			}
			if _, _, err := l.WriteFeature(f, sequence); err != nil {
				return err
			}
			sequence++
		}
		return nil
	}
}

// encodePoint is the demo's geometry blob encoding: a single point as
// two fixed-width big-endian coordinates. A production encoder would
// emit a real vector-tile command stream; this package only needs
// something pkg/lane can write and round-trip.
func encodePoint(x, y uint32) []byte {
	buf := make([]byte, 8)
	putUint32(buf[0:4], x)
	putUint32(buf[4:8], y)
	return buf
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

var errNoGeometryColumns = csvColumnError("demo: could not find longitude/latitude columns")

type csvColumnError string

func (e csvColumnError) Error() string { return string(e) }
