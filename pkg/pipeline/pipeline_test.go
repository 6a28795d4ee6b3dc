package pipeline

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubythonode/tippecanoe/pkg/feature"
	"github.com/rubythonode/tippecanoe/pkg/ingest"
	"github.com/rubythonode/tippecanoe/pkg/lane"
)

// parsePoints is a tiny FeatureParser for "x,y\n" lines, standing in
// for a caller's real wire-format decoder.
func parsePoints(chunk []byte, l *lane.Lane, sequence uint64) error {
	for _, line := range bytes.Split(chunk, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		parts := strings.SplitN(string(line), ",", 2)
		if len(parts) != 2 {
			continue
		}
		x, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			continue
		}
		y, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			continue
		}
		f := feature.Feature{
			Type:       feature.GeomTypePoint,
			BBox:       [4]uint32{uint32(x), uint32(y), uint32(x), uint32(y)},
			Geometry:   line,
			Attributes: [][]byte{[]byte("x"), []byte(parts[0])},
		}
		if _, _, err := l.WriteFeature(f, sequence); err != nil {
			return err
		}
		sequence++
	}
	return nil
}

func writeInput(t *testing.T, n int) string {
	t.Helper()
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		x := uint32(i * 97 % 4096)
		y := uint32(i * 53 % 4096)
		buf.WriteString(strconv.Itoa(int(x)))
		buf.WriteByte(',')
		buf.WriteString(strconv.Itoa(int(y)))
		buf.WriteByte('\n')
	}
	path := filepath.Join(t.TempDir(), "input.csv")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func readResultKeys(t *testing.T, res Result) []uint64 {
	t.Helper()
	raw, err := os.ReadFile(res.IndexPath)
	require.NoError(t, err)
	records, err := feature.OverlayIndexRecords(raw)
	require.NoError(t, err)
	keys := make([]uint64, len(records))
	for i, r := range records {
		keys[i] = r.MortonKey
	}
	return keys
}

func TestRunProducesSortedOutputWithKnownThresholds(t *testing.T) {
	path := writeInput(t, 500)

	opts := Options{
		Lanes:     4,
		TempDir:   t.TempDir(),
		Separator: ingest.Newline,
		MaxZoom:   10,
		BaseZoom:  10,
		DropRate:  2.5,
		Gamma:     -1,
	}

	res, err := Run(Source{Path: path}, parsePoints, opts)
	require.NoError(t, err)

	keys := readResultKeys(t, res)
	require.Len(t, keys, 500)
	for i := 1; i < len(keys); i++ {
		assert.LessOrEqual(t, keys[i-1], keys[i])
	}
	assert.Equal(t, 10, res.MaxZoom)
	assert.Equal(t, 10, res.BaseZoom)
}

func TestRunGuessesThresholdsAndRestamps(t *testing.T) {
	path := writeInput(t, 300)

	opts := Options{
		Lanes:     2,
		TempDir:   t.TempDir(),
		Separator: ingest.Newline,
		MaxZoom:   -1,
		BaseZoom:  -1,
		DropRate:  -1,
		Gamma:     -1,
	}

	res, err := Run(Source{Path: path}, parsePoints, opts)
	require.NoError(t, err)

	keys := readResultKeys(t, res)
	require.Len(t, keys, 300)
	for i := 1; i < len(keys); i++ {
		assert.LessOrEqual(t, keys[i-1], keys[i])
	}
	assert.GreaterOrEqual(t, res.MaxZoom, 0)
	assert.Equal(t, 300, res.DropStats.RecordsStamped)
}

func TestRunForcedRadixRecursionStillSortsCorrectly(t *testing.T) {
	path := writeInput(t, 400)

	opts := Options{
		Lanes:               2,
		TempDir:             t.TempDir(),
		ForceRadixRecursion: true,
		MaxZoom:             8,
		BaseZoom:            8,
		DropRate:            2.0,
		Gamma:               -1,
	}

	res, err := Run(Source{Path: path}, parsePoints, opts)
	require.NoError(t, err)

	keys := readResultKeys(t, res)
	require.Len(t, keys, 400)
	for i := 1; i < len(keys); i++ {
		assert.LessOrEqual(t, keys[i-1], keys[i])
	}
}

func TestRunStreamSourceMatchesPathSource(t *testing.T) {
	path := writeInput(t, 200)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	opts := Options{
		Lanes:    2,
		TempDir:  t.TempDir(),
		MaxZoom:  6,
		BaseZoom: 6,
		DropRate: 2.0,
		Gamma:    -1,
	}

	res, err := Run(Source{Reader: bytes.NewReader(raw)}, parsePoints, opts)
	require.NoError(t, err)

	keys := readResultKeys(t, res)
	assert.Len(t, keys, 200)
}

func TestRunPropagatesPinFirstTile(t *testing.T) {
	path := writeInput(t, 10)

	pin := &TileCoord{Zoom: 4, X: 2, Y: 3}
	res, err := Run(Source{Path: path}, parsePoints, Options{
		Lanes:        1,
		TempDir:      t.TempDir(),
		MaxZoom:      4,
		BaseZoom:     4,
		DropRate:     2.0,
		Gamma:        -1,
		PinFirstTile: pin,
	})
	require.NoError(t, err)
	require.NotNil(t, res.PinFirstTile)
	assert.Equal(t, *pin, *res.PinFirstTile)
}
