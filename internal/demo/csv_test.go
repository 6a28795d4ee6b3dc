package demo

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubythonode/tippecanoe/pkg/lane"
)

func newTestLane(t *testing.T) *lane.Lane {
	t.Helper()
	dir := t.TempDir()
	open := func(name string) *os.File {
		f, err := os.Create(filepath.Join(dir, name))
		require.NoError(t, err)
		return f
	}
	l, err := lane.Open(0, lane.SideFiles{
		GeomFile:     open("geom"),
		IndexFile:    open("index"),
		AttrMetaFile: open("attrmeta"),
		PoolFile:     open("pool"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestGeomColumnsByName(t *testing.T) {
	headers := []string{"name", "lon", "lat", "pop"}
	ix, iy := geomColumns(headers, nil)
	assert.Equal(t, 1, ix)
	assert.Equal(t, 2, iy)
}

func TestGeomColumnsByRange(t *testing.T) {
	headers := []string{"name", "a", "b"}
	sample := [][]string{
		{"x", "120.5", "30.1"},
		{"y", "121.0", "31.4"},
	}
	ix, iy := geomColumns(headers, sample)
	assert.Equal(t, 1, ix)
	assert.Equal(t, 2, iy)
}

func TestLonLatToTileClampsExtremes(t *testing.T) {
	x, y := LonLatToTile(200, 90)
	assert.LessOrEqual(t, x, uint32(math.MaxUint32))
	assert.LessOrEqual(t, y, uint32(math.MaxUint32))
}

func TestLonLatToTileCenterIsMidRange(t *testing.T) {
	x, y := LonLatToTile(0, 0)
	const mid = uint32(1) << 31
	assert.InDelta(t, float64(mid), float64(x), float64(1<<16))
	assert.InDelta(t, float64(mid), float64(y), float64(1<<16))
}

func TestNewCSVParserWritesFeatures(t *testing.T) {
	l := newTestLane(t)
	headers := []string{"name", "lon", "lat", "pop"}
	parse := NewCSVParser(headers, nil)

	chunk := "a,120.0,30.0,100\nb,121.0,31.0,200\n"
	require.NoError(t, parse([]byte(chunk), l, 0))

	assert.Equal(t, int64(16), l.GeomBytesWritten())
	assert.Equal(t, int64(2*48), l.IndexBytesWritten())
}

func TestNewCSVParserSkipsMalformedRows(t *testing.T) {
	l := newTestLane(t)
	headers := []string{"lon", "lat"}
	parse := NewCSVParser(headers, nil)

	chunk := "not-a-number,30.0\n121.0,31.0\n"
	require.NoError(t, parse([]byte(chunk), l, 0))

	assert.Equal(t, int64(8), l.GeomBytesWritten())
}

func TestNewCSVParserReturnsErrorWithoutGeometryColumns(t *testing.T) {
	l := newTestLane(t)
	headers := []string{"name", "pop"}
	parse := NewCSVParser(headers, nil)

	err := parse([]byte("a,100\n"), l, 0)
	assert.Error(t, err)
}

func TestEncodePointRoundTripsCoordinates(t *testing.T) {
	buf := encodePoint(123456, 654321)
	require.Len(t, buf, 8)
	x := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	y := uint32(buf[4])<<24 | uint32(buf[5])<<16 | uint32(buf[6])<<8 | uint32(buf[7])
	assert.Equal(t, uint32(123456), x)
	assert.Equal(t, uint32(654321), y)
}
