package lane

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubythonode/tippecanoe/pkg/feature"
	"github.com/rubythonode/tippecanoe/pkg/morton"
)

func newTestLane(t *testing.T, id uint32) *Lane {
	t.Helper()
	dir := t.TempDir()
	geomFile, err := os.Create(filepath.Join(dir, "geom"))
	require.NoError(t, err)
	indexFile, err := os.Create(filepath.Join(dir, "index"))
	require.NoError(t, err)
	attrMetaFile, err := os.Create(filepath.Join(dir, "attrmeta"))
	require.NoError(t, err)
	poolFile, err := os.Create(filepath.Join(dir, "pool"))
	require.NoError(t, err)

	l, err := Open(id, SideFiles{
		GeomFile:     geomFile,
		IndexFile:    indexFile,
		AttrMetaFile: attrMetaFile,
		PoolFile:     poolFile,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestWriteFeatureTracksGeomRange(t *testing.T) {
	l := newTestLane(t, 3)

	rec, _, err := l.WriteFeature(feature.Feature{
		Type:       feature.GeomTypePoint,
		BBox:       [4]uint32{10, 10, 10, 10},
		Geometry:   []byte("abcdef"),
		Attributes: [][]byte{[]byte("name"), []byte("Elm St")},
	}, 0)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), rec.GeomStart)
	assert.Equal(t, uint64(6), rec.GeomEnd)
	assert.Equal(t, uint16(3), rec.Segment)
	assert.Equal(t, feature.GeomTypePoint, rec.Type)
	assert.Equal(t, uint8(0), rec.FeatureMinzoom)
	assert.Equal(t, morton.Encode(10, 10), rec.MortonKey)
}

func TestWriteFeatureSequentialGeomOffsets(t *testing.T) {
	l := newTestLane(t, 0)

	r1, _, err := l.WriteFeature(feature.Feature{Geometry: []byte("aaa")}, 0)
	require.NoError(t, err)
	r2, _, err := l.WriteFeature(feature.Feature{Geometry: []byte("bb")}, 1)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), r1.GeomStart)
	assert.Equal(t, uint64(3), r1.GeomEnd)
	assert.Equal(t, uint64(3), r2.GeomStart)
	assert.Equal(t, uint64(5), r2.GeomEnd)
}

func TestAttributeRoundTrip(t *testing.T) {
	l := newTestLane(t, 1)

	_, ref, err := l.WriteFeature(feature.Feature{
		Geometry:   []byte("x"),
		Attributes: [][]byte{[]byte("highway"), []byte("residential")},
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ref.LaneID)

	got, err := l.ReadAttributes(ref)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []byte("highway"), got[0])
	assert.Equal(t, []byte("residential"), got[1])
}

func TestAttributePoolDeduplicatesExactMatches(t *testing.T) {
	l := newTestLane(t, 0)

	_, ref1, err := l.WriteFeature(feature.Feature{
		Geometry:   []byte("x"),
		Attributes: [][]byte{[]byte("highway"), []byte("residential")},
	}, 0)
	require.NoError(t, err)
	_, ref2, err := l.WriteFeature(feature.Feature{
		Geometry:   []byte("y"),
		Attributes: [][]byte{[]byte("highway"), []byte("residential")},
	}, 1)
	require.NoError(t, err)

	got1, err := l.ReadAttributes(ref1)
	require.NoError(t, err)
	got2, err := l.ReadAttributes(ref2)
	require.NoError(t, err)
	assert.Equal(t, got1, got2)

	// The two features shared identical tokens, so the pool must hold
	// exactly one copy of each rather than duplicating them.
	assert.Equal(t, 2, len(l.pool.dedup))
}

func TestPoolGrowsPastInitialSize(t *testing.T) {
	l := newTestLane(t, 0)

	big := make([]byte, poolInitial*4)
	for i := range big {
		big[i] = byte(i)
	}
	off, err := l.pool.Add(big)
	require.NoError(t, err)

	got, err := l.pool.Read(off)
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestReadAttributesRejectsWrongLane(t *testing.T) {
	l := newTestLane(t, 2)
	_, err := l.ReadAttributes(feature.AttributeRef{LaneID: 99})
	assert.Error(t, err)
}
