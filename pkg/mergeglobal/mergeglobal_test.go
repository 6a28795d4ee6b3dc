package mergeglobal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestMergeConcatenatesInLaneOrder(t *testing.T) {
	dir := t.TempDir()
	lanes := []LaneFiles{
		{
			PoolPath:     writeFile(t, dir, "pool0", "AAA"),
			AttrMetaPath: writeFile(t, dir, "meta0", "aa"),
		},
		{
			PoolPath:     writeFile(t, dir, "pool1", "BBBB"),
			AttrMetaPath: writeFile(t, dir, "meta1", "b"),
		},
	}

	res, err := Merge(lanes, t.TempDir())
	require.NoError(t, err)

	pool, err := os.ReadFile(res.PoolPath)
	require.NoError(t, err)
	assert.Equal(t, "AAABBBB", string(pool))

	meta, err := os.ReadFile(res.AttrMetaPath)
	require.NoError(t, err)
	assert.Equal(t, "aab", string(meta))

	assert.Equal(t, OffsetTable{0, 3}, res.PoolOffsets)
	assert.Equal(t, OffsetTable{0, 2}, res.MetaOffsets)
}

func TestMergeEmptyLaneList(t *testing.T) {
	res, err := Merge(nil, t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, res.PoolOffsets)

	pool, err := os.ReadFile(res.PoolPath)
	require.NoError(t, err)
	assert.Empty(t, pool)
}

func TestMergeSkipsEmptyLaneFilesWithoutError(t *testing.T) {
	dir := t.TempDir()
	lanes := []LaneFiles{
		{
			PoolPath:     writeFile(t, dir, "pool0", ""),
			AttrMetaPath: writeFile(t, dir, "meta0", ""),
		},
		{
			PoolPath:     writeFile(t, dir, "pool1", "X"),
			AttrMetaPath: writeFile(t, dir, "meta1", "y"),
		},
	}

	res, err := Merge(lanes, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, OffsetTable{0, 0}, res.PoolOffsets)
}
