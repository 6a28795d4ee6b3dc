// Package lane implements the lane writer: one lane per ingestion
// worker, each owning its own geometry blob stream, index-record
// stream, and deduplicated attribute pool.
package lane

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"

	"github.com/rubythonode/tippecanoe/pkg/feature"
	"github.com/rubythonode/tippecanoe/pkg/morton"
)

// SideFiles are the four files a single lane owns. Nothing here hands
// another goroutine a raw pointer into any of these mappings: a lane
// is written by exactly one worker and later stages address into it
// by file path plus the byte offsets carried in each IndexRecord
// rather than by a shared in-memory pointer.
type SideFiles struct {
	GeomFile     *os.File
	IndexFile    *os.File
	AttrMetaFile *os.File
	PoolFile     *os.File
}

// Lane is one ingestion worker's accumulated state: its side files,
// its attribute pool, and its write cursors.
type Lane struct {
	ID uint32

	files SideFiles
	pool  *Pool

	geomPos     int64
	indexPos    int64
	attrMetaPos int64
}

// Open wires up a Lane around already-created side files, opening the
// attribute pool's growable mmap the way menfile.go's MemFileOpen does.
func Open(id uint32, files SideFiles) (*Lane, error) {
	pool, err := OpenPool(files.PoolFile)
	if err != nil {
		return nil, errors.Wrapf(err, "lane %d: opening attribute pool", id)
	}
	return &Lane{ID: id, files: files, pool: pool}, nil
}

// Close flushes and closes every side file the lane owns.
func (l *Lane) Close() error {
	if err := l.pool.Close(); err != nil {
		return err
	}
	if err := l.files.GeomFile.Close(); err != nil {
		return errors.Wrapf(err, "lane %d: closing geometry file", l.ID)
	}
	if err := l.files.IndexFile.Close(); err != nil {
		return errors.Wrapf(err, "lane %d: closing index file", l.ID)
	}
	return errors.Wrapf(l.files.AttrMetaFile.Close(), "lane %d: closing attribute meta file", l.ID)
}

// GeomBytesWritten and IndexBytesWritten report the lane's current
// write cursors: the bytes written so far to its geometry and index
// files.
func (l *Lane) GeomBytesWritten() int64  { return l.geomPos }
func (l *Lane) IndexBytesWritten() int64 { return l.indexPos }

// WriteFeature appends f's geometry to the lane's geometry file,
// deduplicates each of its attribute tokens into the lane's pool,
// records the per-feature attribute-meta row, and builds the
// IndexRecord the external sort will later reorder. sequence is the
// caller's monotonically increasing ingestion order for this lane,
// used as the record's sort tiebreaker.
//
// The attribute reference does not travel inside IndexRecord -- the
// 48-byte layout is fixed by the external interface and has no spare
// field for it -- so it is returned alongside the record instead.
func (l *Lane) WriteFeature(f feature.Feature, sequence uint64) (feature.IndexRecord, feature.AttributeRef, error) {
	geomStart := l.geomPos
	n, err := l.files.GeomFile.Write(f.Geometry)
	if err != nil {
		return feature.IndexRecord{}, feature.AttributeRef{}, errors.Wrapf(err, "lane %d: writing geometry", l.ID)
	}
	l.geomPos += int64(n)

	attrRef, err := l.writeAttributes(f.Attributes)
	if err != nil {
		return feature.IndexRecord{}, feature.AttributeRef{}, err
	}

	midX := f.BBox[0]/2 + f.BBox[2]/2
	midY := f.BBox[1]/2 + f.BBox[3]/2

	rec := feature.IndexRecord{
		MortonKey: morton.Encode(midX, midY),
		GeomStart: uint64(geomStart),
		GeomEnd:   uint64(l.geomPos),
		Sequence:  sequence,
		Segment:   uint16(l.ID),
		Type:      f.Type,
		// FeatureMinzoom stays 0; the drop-threshold stamping pass
		// finalizes it during the sorted merge.
	}

	buf, err := rec.MarshalBinary()
	if err != nil {
		return feature.IndexRecord{}, feature.AttributeRef{}, errors.Wrapf(err, "lane %d: marshaling index record", l.ID)
	}
	if _, err := l.files.IndexFile.Write(buf); err != nil {
		return feature.IndexRecord{}, feature.AttributeRef{}, errors.Wrapf(err, "lane %d: writing index record", l.ID)
	}
	l.indexPos += int64(len(buf))

	return rec, attrRef, nil
}

// writeAttributes dedups every token of attrs into the pool and
// appends a single attr-meta row: varint(count) followed by one
// varint pool-offset per token.
func (l *Lane) writeAttributes(attrs [][]byte) (feature.AttributeRef, error) {
	rowStart := l.attrMetaPos

	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, uint64(len(attrs)))
	if err := l.appendAttrMeta(buf[:n]); err != nil {
		return feature.AttributeRef{}, err
	}

	for _, tok := range attrs {
		off, err := l.pool.Add(tok)
		if err != nil {
			return feature.AttributeRef{}, errors.Wrapf(err, "lane %d: adding attribute token to pool", l.ID)
		}
		n = binary.PutUvarint(buf, off)
		if err := l.appendAttrMeta(buf[:n]); err != nil {
			return feature.AttributeRef{}, err
		}
	}

	return feature.AttributeRef{LaneID: l.ID, Offset: uint64(rowStart)}, nil
}

func (l *Lane) appendAttrMeta(b []byte) error {
	n, err := l.files.AttrMetaFile.Write(b)
	if err != nil {
		return errors.Wrapf(err, "lane %d: writing attribute meta", l.ID)
	}
	l.attrMetaPos += int64(n)
	return nil
}

// ReadAttributes decodes the attr-meta row at off and resolves each
// pool offset back into its token bytes, reading directly from the
// pool's mmap. Tile assembly is out of this package's scope, but the
// lookup primitive belongs here since only lane knows the pool's
// layout.
func (l *Lane) ReadAttributes(ref feature.AttributeRef) ([][]byte, error) {
	if ref.LaneID != l.ID {
		return nil, errors.Errorf("lane %d: attribute ref belongs to lane %d", l.ID, ref.LaneID)
	}

	meta, err := readAttrMetaRow(l.files.AttrMetaFile, int64(ref.Offset))
	if err != nil {
		return nil, err
	}

	out := make([][]byte, len(meta))
	for i, off := range meta {
		tok, err := l.pool.Read(off)
		if err != nil {
			return nil, err
		}
		out[i] = tok
	}
	return out, nil
}

// readAttrMetaRow reads one varint-count-prefixed row of pool offsets
// starting at byteOffset in the attribute-meta file.
func readAttrMetaRow(f *os.File, byteOffset int64) ([]uint64, error) {
	r := &offsetReader{f: f, pos: byteOffset}

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, errors.Wrap(err, "lane: reading attribute meta row count")
	}

	offs := make([]uint64, count)
	for i := range offs {
		off, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, errors.Wrap(err, "lane: reading attribute meta row offset")
		}
		offs[i] = off
	}
	return offs, nil
}

// offsetReader adapts os.File's ReadAt into the io.ByteReader
// binary.ReadUvarint needs, without loading the whole file.
type offsetReader struct {
	f   *os.File
	pos int64
}

func (r *offsetReader) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := r.f.ReadAt(b[:], r.pos); err != nil {
		return 0, err
	}
	r.pos++
	return b[0], nil
}
