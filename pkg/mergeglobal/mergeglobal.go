// Package mergeglobal concatenates the per-lane attribute pools and
// attr_meta files into single global files after every lane finishes,
// and records each lane's starting offset into them.
package mergeglobal

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// OffsetTable maps a lane ID to the byte offset at which that lane's
// data begins inside the merged file.
type OffsetTable []int64

// LaneFiles names one lane's attribute pool and attribute-meta files,
// already closed for writing by pkg/lane.
type LaneFiles struct {
	PoolPath     string
	AttrMetaPath string
}

// Result is Merge's output: the two merged files' paths and the two
// offset tables a downstream reader needs to translate a lane-local
// AttributeRef into the merged files.
type Result struct {
	PoolPath     string
	AttrMetaPath string
	PoolOffsets  OffsetTable
	MetaOffsets  OffsetTable
}

// Merge concatenates every lane's pool and attr_meta files, in lane
// order, into two fresh files under tmpDir. The per-lane IndexRecords
// are deliberately left untouched here: downstream code translates
// `(segment, offset)` via the returned offset tables rather than the
// records being rewritten in place.
func Merge(lanes []LaneFiles, tmpDir string) (Result, error) {
	poolFile, err := os.CreateTemp(tmpDir, "merged-pool-*")
	if err != nil {
		return Result{}, errors.Wrap(err, "mergeglobal: creating merged pool file")
	}
	defer poolFile.Close()

	metaFile, err := os.CreateTemp(tmpDir, "merged-meta-*")
	if err != nil {
		return Result{}, errors.Wrap(err, "mergeglobal: creating merged attribute meta file")
	}
	defer metaFile.Close()

	poolOffsets := make(OffsetTable, len(lanes))
	metaOffsets := make(OffsetTable, len(lanes))
	var poolPos, metaPos int64

	for i, l := range lanes {
		poolOffsets[i] = poolPos
		n, err := appendFile(poolFile, l.PoolPath)
		if err != nil {
			return Result{}, errors.Wrapf(err, "mergeglobal: appending lane %d pool", i)
		}
		poolPos += n

		metaOffsets[i] = metaPos
		n, err = appendFile(metaFile, l.AttrMetaPath)
		if err != nil {
			return Result{}, errors.Wrapf(err, "mergeglobal: appending lane %d attribute meta", i)
		}
		metaPos += n
	}

	return Result{
		PoolPath:     poolFile.Name(),
		AttrMetaPath: metaFile.Name(),
		PoolOffsets:  poolOffsets,
		MetaOffsets:  metaOffsets,
	}, nil
}

// appendFile copies srcPath's full contents onto the end of dst,
// returning the number of bytes copied.
func appendFile(dst *os.File, srcPath string) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, errors.Wrap(err, "mergeglobal: opening lane side file")
	}
	defer src.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return 0, errors.Wrap(err, "mergeglobal: copying lane side file")
	}
	return n, nil
}
