// Package feature defines the data model shared by every pipeline stage:
// the Feature a caller hands to the lane writer, the fixed-width
// IndexRecord that is the unit of the external sort, and the
// attribute-pool reference that ties a sorted record back to its
// dedup'd metadata.
package feature

import (
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"
)

// GeomType is the geometry class carried in IndexRecord.Type.
type GeomType uint8

const (
	GeomTypePoint GeomType = iota
	GeomTypeLine
	GeomTypePolygon
)

// IndexRecordSize is the fixed on-disk/in-memory width of IndexRecord in
// bytes. Every side file that holds IndexRecords is a flat array of this
// width; the external sort and the drop-threshold stamping pass both
// rely on it to index directly by byte offset without a length prefix.
const IndexRecordSize = 48

// IndexRecord is the unit the external sort orders and the
// drop-threshold pass stamps. Field order matches a fixed little-endian
// layout: a run of four 8-byte-aligned uint64s, then the narrow fields,
// then padding to round the struct to 48 bytes so no compiler padding
// is inserted and a raw mmap'd byte slice can be overlaid onto it
// directly.
type IndexRecord struct {
	MortonKey uint64
	GeomStart uint64
	GeomEnd   uint64
	Sequence  uint64

	Segment uint16
	Type    GeomType
	// FeatureMinzoom is left 0 by the lane writer and finalized by the
	// drop-threshold stamping pass; 0 is itself a valid final value, so
	// nothing outside dropstate should treat it as a sentinel.
	FeatureMinzoom uint8

	_ [12]byte // pad to 48 bytes; never read or written directly
}

func init() {
	if unsafe.Sizeof(IndexRecord{}) != IndexRecordSize {
		panic("feature: IndexRecord size drifted from its fixed on-disk layout")
	}
}

// AttributeRef is the <lane_id, offset> pair a caller needs to look up a
// feature's deduplicated attributes after the external sort has
// reordered every IndexRecord. It intentionally does not travel inside
// IndexRecord: the 48-byte layout is fixed and has no spare field for
// it, so lane.WriteFeature returns this alongside the record instead.
type AttributeRef struct {
	LaneID uint32
	Offset uint64
}

// Feature is what a caller's parse_chunk callback produces for one
// input record: the geometry blob plus the lane-scoped metadata needed
// to build both a lane's geometry/index side files and its attribute
// pool entry.
type Feature struct {
	Type GeomType

	// BBox is the feature's bounding box in tile-grid coordinates,
	// (xmin, ymin, xmax, ymax). The lane writer derives MortonKey from
	// its midpoint.
	BBox [4]uint32

	Geometry []byte // opaque geometry blob, appended verbatim to the lane's geom file

	// Attributes is a flat list of attribute tokens (conventionally
	// alternating key, value, key, value...). Each token is deduplicated
	// independently by exact byte match in the lane's attribute pool.
	Attributes [][]byte
}

// MarshalBinary encodes r in the little-endian external layout.
func (r IndexRecord) MarshalBinary() ([]byte, error) {
	buf := make([]byte, IndexRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], r.MortonKey)
	binary.LittleEndian.PutUint64(buf[8:16], r.GeomStart)
	binary.LittleEndian.PutUint64(buf[16:24], r.GeomEnd)
	binary.LittleEndian.PutUint64(buf[24:32], r.Sequence)
	binary.LittleEndian.PutUint16(buf[32:34], r.Segment)
	buf[34] = byte(r.Type)
	buf[35] = r.FeatureMinzoom
	return buf, nil
}

// UnmarshalBinary decodes r from the little-endian external layout.
func (r *IndexRecord) UnmarshalBinary(buf []byte) error {
	if len(buf) < IndexRecordSize {
		return errors.Errorf("feature: short IndexRecord buffer: %d bytes", len(buf))
	}
	r.MortonKey = binary.LittleEndian.Uint64(buf[0:8])
	r.GeomStart = binary.LittleEndian.Uint64(buf[8:16])
	r.GeomEnd = binary.LittleEndian.Uint64(buf[16:24])
	r.Sequence = binary.LittleEndian.Uint64(buf[24:32])
	r.Segment = binary.LittleEndian.Uint16(buf[32:34])
	r.Type = GeomType(buf[34])
	r.FeatureMinzoom = buf[35]
	return nil
}

// OverlayIndexRecords reinterprets a byte slice backing an mmap'd index
// side file as a slice of IndexRecord in place, with zero copy. It is
// the hot-path technique the external sort and the drop-threshold
// stamping pass use to read and rewrite records directly against the
// mapping instead of marshaling through MarshalBinary/UnmarshalBinary;
// buf's length must be a multiple of IndexRecordSize, which any side
// file written by lane guarantees.
func OverlayIndexRecords(buf []byte) ([]IndexRecord, error) {
	if len(buf)%IndexRecordSize != 0 {
		return nil, errors.Errorf("feature: index buffer length %d is not a multiple of %d", len(buf), IndexRecordSize)
	}
	if len(buf) == 0 {
		return nil, nil
	}
	n := len(buf) / IndexRecordSize
	return unsafe.Slice((*IndexRecord)(unsafe.Pointer(&buf[0])), n), nil
}

// Less orders two records the way the external sort must: primarily by
// MortonKey, then by Sequence to keep ingestion order stable among
// features that share a key.
func Less(a, b IndexRecord) bool {
	if a.MortonKey != b.MortonKey {
		return a.MortonKey < b.MortonKey
	}
	return a.Sequence < b.Sequence
}
