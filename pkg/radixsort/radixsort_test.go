package radixsort

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubythonode/tippecanoe/pkg/budget"
	"github.com/rubythonode/tippecanoe/pkg/feature"
)

// writeLane builds one lane's geom/index side files from a list of
// (morton key, geometry string) pairs, in the given, possibly
// unsorted, order -- mirroring what pkg/lane.WriteFeature would have
// produced.
func writeLane(t *testing.T, dir, name string, records []feature.IndexRecord, geoms []string) Input {
	t.Helper()
	geomPath := filepath.Join(dir, name+".geom")
	indexPath := filepath.Join(dir, name+".index")

	geomFile, err := os.Create(geomPath)
	require.NoError(t, err)
	indexFile, err := os.Create(indexPath)
	require.NoError(t, err)

	var pos int64
	for i, rec := range records {
		blob := []byte(geoms[i])
		n, err := geomFile.Write(blob)
		require.NoError(t, err)
		rec.GeomStart = uint64(pos)
		pos += int64(n)
		rec.GeomEnd = uint64(pos)

		buf, err := rec.MarshalBinary()
		require.NoError(t, err)
		_, err = indexFile.Write(buf)
		require.NoError(t, err)
	}
	require.NoError(t, geomFile.Close())
	require.NoError(t, indexFile.Close())

	return Input{GeomPath: geomPath, IndexPath: indexPath}
}

func readOutput(t *testing.T, geomPath, indexPath string) ([]feature.IndexRecord, []string) {
	t.Helper()
	indexBytes, err := os.ReadFile(indexPath)
	require.NoError(t, err)
	geomBytes, err := os.ReadFile(geomPath)
	require.NoError(t, err)

	records, err := feature.OverlayIndexRecords(indexBytes)
	require.NoError(t, err)

	out := make([]feature.IndexRecord, len(records))
	geoms := make([]string, len(records))
	for i, r := range records {
		out[i] = r
		geoms[i] = string(geomBytes[r.GeomStart:r.GeomEnd])
	}
	return out, geoms
}

func newSortConfig(t *testing.T, memBudget int64) Config {
	t.Helper()
	dir := t.TempDir()
	geomOut, err := os.CreateTemp(dir, "out-geom-*")
	require.NoError(t, err)
	indexOut, err := os.CreateTemp(dir, "out-index-*")
	require.NoError(t, err)
	t.Cleanup(func() {
		geomOut.Close()
		indexOut.Close()
	})

	return Config{
		TmpDir:    dir,
		MemBudget: memBudget,
		Tracker:   budget.NewTracker(64),
		GeomFile:  geomOut,
		IndexFile: indexOut,
	}
}

func TestSortOrdersByMortonThenSequence(t *testing.T) {
	dir := t.TempDir()
	records := []feature.IndexRecord{
		{MortonKey: 500, Sequence: 1, Type: feature.GeomTypePoint},
		{MortonKey: 10, Sequence: 2, Type: feature.GeomTypePoint},
		{MortonKey: 10, Sequence: 1, Type: feature.GeomTypePoint},
		{MortonKey: 9999, Sequence: 0, Type: feature.GeomTypePoint},
		{MortonKey: 250, Sequence: 0, Type: feature.GeomTypePoint},
	}
	geoms := []string{"eee", "bb", "aa", "fffff", "cccc"}

	input := writeLane(t, dir, "lane0", records, geoms)
	cfg := newSortConfig(t, 1<<20)

	err := Sort([]Input{input}, cfg)
	require.NoError(t, err)

	sorted, sortedGeoms := readOutput(t, cfg.GeomFile.Name(), cfg.IndexFile.Name())
	require.Len(t, sorted, 5)

	for i := 1; i < len(sorted); i++ {
		assert.True(t, !feature.Less(sorted[i], sorted[i-1]), "record %d out of order", i)
	}
	assert.Equal(t, []string{"aa", "bb", "cccc", "eee", "fffff"}, sortedGeoms)
}

func TestSortForcesRecursionUnderTinyMemoryBudget(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(42))

	records := make([]feature.IndexRecord, 200)
	geoms := make([]string, 200)
	for i := range records {
		records[i] = feature.IndexRecord{
			MortonKey: rng.Uint64(),
			Sequence:  uint64(i),
			Type:      feature.GeomTypeLine,
		}
		geoms[i] = "g"
	}

	input := writeLane(t, dir, "lane0", records, geoms)
	// A memory budget smaller than a single partition forces the
	// "too large, recurse" branch of resolvePartition repeatedly.
	cfg := newSortConfig(t, 256)

	err := Sort([]Input{input}, cfg)
	require.NoError(t, err)

	sorted, _ := readOutput(t, cfg.GeomFile.Name(), cfg.IndexFile.Name())
	require.Len(t, sorted, 200)
	for i := 1; i < len(sorted); i++ {
		assert.True(t, !feature.Less(sorted[i], sorted[i-1]))
	}
}

func TestSortMergesMultipleLanes(t *testing.T) {
	dir := t.TempDir()
	lane0 := writeLane(t, dir, "lane0", []feature.IndexRecord{
		{MortonKey: 100, Sequence: 0, Type: feature.GeomTypePoint},
		{MortonKey: 300, Sequence: 0, Type: feature.GeomTypePoint},
	}, []string{"a", "c"})
	lane1 := writeLane(t, dir, "lane1", []feature.IndexRecord{
		{MortonKey: 200, Sequence: 0, Type: feature.GeomTypePoint},
	}, []string{"b"})

	cfg := newSortConfig(t, 1<<20)
	err := Sort([]Input{lane0, lane1}, cfg)
	require.NoError(t, err)

	_, geoms := readOutput(t, cfg.GeomFile.Name(), cfg.IndexFile.Name())
	assert.Equal(t, []string{"a", "b", "c"}, geoms)
}

func TestSortInvokesStampInOrder(t *testing.T) {
	dir := t.TempDir()
	input := writeLane(t, dir, "lane0", []feature.IndexRecord{
		{MortonKey: 30, Sequence: 0, Type: feature.GeomTypePoint},
		{MortonKey: 10, Sequence: 0, Type: feature.GeomTypePoint},
		{MortonKey: 20, Sequence: 0, Type: feature.GeomTypePoint},
	}, []string{"x", "y", "z"})

	cfg := newSortConfig(t, 1<<20)
	var seen []uint64
	cfg.Stamp = func(rec feature.IndexRecord) uint8 {
		seen = append(seen, rec.MortonKey)
		return 3
	}

	err := Sort([]Input{input}, cfg)
	require.NoError(t, err)

	assert.Equal(t, []uint64{10, 20, 30}, seen)

	sorted, _ := readOutput(t, cfg.GeomFile.Name(), cfg.IndexFile.Name())
	for _, r := range sorted {
		assert.Equal(t, uint8(3), r.FeatureMinzoom)
	}
}

func TestSortEmptyInputsIsNoop(t *testing.T) {
	cfg := newSortConfig(t, 1<<20)
	err := Sort(nil, cfg)
	require.NoError(t, err)
}
