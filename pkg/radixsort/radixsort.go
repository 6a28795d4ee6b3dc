// Package radixsort implements an external radix sort: recursive
// partitioning of every lane's (geometry, index) pair by the high bits
// of each record's Morton key, parallel in-memory sort plus k-way
// merge of partitions that fit the memory budget, and further
// recursion for partitions that don't.
package radixsort

import (
	"math"
	"os"
	"runtime"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tysonmote/gommap"

	"github.com/rubythonode/tippecanoe/pkg/budget"
	"github.com/rubythonode/tippecanoe/pkg/feature"
)

// Input is one lane's geometry and index side files, as produced by
// pkg/lane and left untouched by pkg/mergeglobal.
type Input struct {
	GeomPath  string
	IndexPath string
}

// StampFunc is called once per record, in sorted order, as it is
// copied into the merged output. It is the drop-threshold stamping
// pass's hook into the merge pass; radixsort itself has no notion of
// drop state.
type StampFunc func(rec feature.IndexRecord) uint8

// Config bounds a single Sort call's resource usage.
type Config struct {
	TmpDir    string
	MemBudget int64
	Tracker   *budget.Tracker
	GeomFile  *os.File // the single global output geometry file
	IndexFile *os.File // the single global output index file
	Stamp     StampFunc
}

// partitionFDCost is the number of descriptors one partition's input
// (geom + index) consumes while it's being bucketized or resolved.
// Only one open (geom, index) pair is kept alive per partition at a
// time, rather than a separate pair for input and output.
const partitionFDCost = 2

// segment is an open (geometry, index) file pair: either one of the
// original lane inputs, or one bucket produced by a previous
// partitioning pass.
type segment struct {
	geomFile  *os.File
	indexFile *os.File
}

func (s segment) Close() {
	s.geomFile.Close()
	s.indexFile.Close()
}

// Sort is the public entry point. On success every record from every
// input is written to cfg.GeomFile/cfg.IndexFile exactly once, in
// lexicographic (morton_key, sequence) order, each with geom_start/
// geom_end rewritten to refer to cfg.GeomFile.
func Sort(inputs []Input, cfg Config) error {
	if len(inputs) == 0 {
		return nil
	}

	segments := make([]segment, 0, len(inputs))
	for _, in := range inputs {
		gf, err := os.Open(in.GeomPath)
		if err != nil {
			return errors.Wrap(err, "radixsort: opening input geometry file")
		}
		ifl, err := os.Open(in.IndexPath)
		if err != nil {
			gf.Close()
			return errors.Wrap(err, "radixsort: opening input index file")
		}
		segments = append(segments, segment{gf, ifl})
	}
	defer func() {
		for _, s := range segments {
			s.Close()
		}
	}()

	out := &outputWriter{geomFile: cfg.GeomFile, indexFile: cfg.IndexFile, stamp: cfg.Stamp}

	splits := cfg.Tracker.Available() / partitionFDCost
	if splits < 2 {
		splits = 2
	}

	return partition(segments, 0, splits, cfg.MemBudget, cfg.TmpDir, cfg.Tracker, out)
}

// partition implements one level of radix1: it buckets every input
// segment's records by splitbits of its Morton key starting at bit
// `prefix`, then resolves each resulting bucket (in memory, streamed
// through, or recursively) before moving on.
func partition(inputs []segment, prefix uint, splits int, mem int64, tmpDir string, tracker *budget.Tracker, out *outputWriter) error {
	splitbits := uint(math.Log2(float64(splits)))
	if splitbits == 0 {
		splitbits = 1
	}
	nsplits := 1 << splitbits

	parts, err := bucketize(inputs, prefix, splitbits, nsplits, tmpDir, tracker)
	if err != nil {
		return err
	}

	for i, p := range parts {
		if err := resolvePartition(p, prefix, splitbits, mem, tmpDir, tracker, out); err != nil {
			return errors.Wrapf(err, "radixsort: resolving partition %d", i)
		}
	}
	return nil
}

// bucket is one partition's accumulated geometry and index data during
// the bucketizing pass, plus the running geometry write cursor.
type bucket struct {
	geomFile  *os.File
	indexFile *os.File
	geomPos   int64
}

// bucketize reads every input segment's index records (via a
// read-only mmap of its geometry and index files) and appends each
// record's geometry blob, plus a rewritten IndexRecord, into the
// bucket its Morton key's relevant bits select. Mirrors radix1's first
// loop. Input segments are closed here once they've been fully read.
func bucketize(inputs []segment, prefix, splitbits uint, nsplits int, tmpDir string, tracker *budget.Tracker) ([]*bucket, error) {
	parts := make([]*bucket, nsplits)
	for i := range parts {
		gf, err := os.CreateTemp(tmpDir, "radix-geom-*")
		if err != nil {
			return nil, errors.Wrap(err, "radixsort: creating partition geometry file")
		}
		ifl, err := os.CreateTemp(tmpDir, "radix-index-*")
		if err != nil {
			return nil, errors.Wrap(err, "radixsort: creating partition index file")
		}
		// Unlinked immediately: a partition file never needs a name once
		// open, so closing it alone reclaims its disk space.
		_ = os.Remove(gf.Name())
		_ = os.Remove(ifl.Name())
		tracker.Reserve(partitionFDCost)
		parts[i] = &bucket{geomFile: gf, indexFile: ifl}
	}

	for _, in := range inputs {
		err := bucketizeOne(in, prefix, splitbits, parts)
		in.Close()
		if err != nil {
			return nil, err
		}
	}

	return parts, nil
}

func bucketizeOne(in segment, prefix, splitbits uint, parts []*bucket) error {
	st, err := in.indexFile.Stat()
	if err != nil {
		return errors.Wrap(err, "radixsort: stat'ing input index file")
	}
	if st.Size() == 0 {
		return nil
	}

	geomMap, err := gommap.Map(in.geomFile.Fd(), gommap.PROT_READ, gommap.MAP_PRIVATE)
	if err != nil {
		return errors.Wrap(err, "radixsort: mapping input geometry file")
	}
	defer geomMap.UnsafeUnmap()
	indexMap, err := gommap.Map(in.indexFile.Fd(), gommap.PROT_READ, gommap.MAP_PRIVATE)
	if err != nil {
		return errors.Wrap(err, "radixsort: mapping input index file")
	}
	defer indexMap.UnsafeUnmap()
	_ = indexMap.Advise(gommap.MADV_SEQUENTIAL)

	records, err := feature.OverlayIndexRecords([]byte(indexMap))
	if err != nil {
		return errors.Wrap(err, "radixsort: overlaying input index records")
	}

	for _, rec := range records {
		b := parts[bucketOf(rec.MortonKey, prefix, splitbits)]

		blob := []byte(geomMap)[rec.GeomStart:rec.GeomEnd]
		newStart := b.geomPos
		n, err := b.geomFile.Write(blob)
		if err != nil {
			return errors.Wrap(err, "radixsort: writing partition geometry")
		}
		b.geomPos += int64(n)

		rewritten := rec
		rewritten.GeomStart = uint64(newStart)
		rewritten.GeomEnd = uint64(b.geomPos)
		buf, err := rewritten.MarshalBinary()
		if err != nil {
			return err
		}
		if _, err := b.indexFile.Write(buf); err != nil {
			return errors.Wrap(err, "radixsort: writing partition index record")
		}
	}
	return nil
}

// bucketOf extracts splitbits bits from morton starting at bit prefix
// from the top.
func bucketOf(morton uint64, prefix, splitbits uint) int {
	return int(morton << prefix >> (64 - splitbits))
}

// resolvePartition decides whether a partition fits in memory, is
// trivial (single record or the prefix is exhausted), or must recurse
// further.
func resolvePartition(b *bucket, prefix, splitbits uint, mem int64, tmpDir string, tracker *budget.Tracker, out *outputWriter) error {
	indexSt, err := b.indexFile.Stat()
	if err != nil {
		b.geomFile.Close()
		b.indexFile.Close()
		return errors.Wrap(err, "radixsort: stat'ing partition index file")
	}
	geomSt, err := b.geomFile.Stat()
	if err != nil {
		b.geomFile.Close()
		b.indexFile.Close()
		return errors.Wrap(err, "radixsort: stat'ing partition geometry file")
	}

	if indexSt.Size() == 0 {
		b.geomFile.Close()
		b.indexFile.Close()
		tracker.Reserve(-partitionFDCost)
		return nil
	}

	switch {
	case indexSt.Size()+geomSt.Size() < mem:
		defer func() {
			b.geomFile.Close()
			b.indexFile.Close()
			tracker.Reserve(-partitionFDCost)
		}()
		return sortInMemory(b, out)
	case indexSt.Size() == int64(feature.IndexRecordSize) || prefix+splitbits >= 64:
		defer func() {
			b.geomFile.Close()
			b.indexFile.Close()
			tracker.Reserve(-partitionFDCost)
		}()
		return streamThrough(b, out)
	default:
		log.WithFields(log.Fields{
			"prefix":     prefix,
			"splitbits":  splitbits,
			"bytes":      indexSt.Size() + geomSt.Size(),
			"mem_budget": mem,
		}).Debug("radixsort: partition exceeds memory budget, recursing")
		// Ownership of b's files passes to the recursive partition call,
		// which closes the segment once bucketize has drained it.
		tracker.Reserve(-partitionFDCost)
		avail := tracker.Available() / partitionFDCost
		if avail < 2 {
			avail = 2
		}
		return partition([]segment{{geomFile: b.geomFile, indexFile: b.indexFile}}, prefix+splitbits, avail, mem, tmpDir, tracker, out)
	}
}

// sortInMemory implements the "fits in memory" branch: shard the
// index records across GOMAXPROCS workers, sort.Slice each shard in
// place, then k-way merge the sorted shards, writing each record to
// the global output and stamping its minzoom as it goes.
func sortInMemory(b *bucket, out *outputWriter) error {
	indexMap, err := gommap.Map(b.indexFile.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		return errors.Wrap(err, "radixsort: mapping partition index file for sort")
	}
	defer indexMap.UnsafeUnmap()
	_ = indexMap.Advise(gommap.MADV_RANDOM)

	records, err := feature.OverlayIndexRecords([]byte(indexMap))
	if err != nil {
		return err
	}

	geomMap, err := gommap.Map(b.geomFile.Fd(), gommap.PROT_READ, gommap.MAP_PRIVATE)
	if err != nil {
		return errors.Wrap(err, "radixsort: mapping partition geometry file")
	}
	defer geomMap.UnsafeUnmap()

	shards := shardIndices(len(records), workerCount())
	sortShardsConcurrently(records, shards)

	return mergeShards(records, shards, []byte(geomMap), out)
}

// shardIndices divides [0, n) into up to workers contiguous ranges.
func shardIndices(n, workers int) [][2]int {
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	if workers == 0 {
		return nil
	}
	shards := make([][2]int, 0, workers)
	size := (n + workers - 1) / workers
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		shards = append(shards, [2]int{start, end})
	}
	return shards
}

func workerCount() int {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		return 1
	}
	return n
}

func sortShardsConcurrently(records []feature.IndexRecord, shards [][2]int) {
	done := make(chan struct{}, len(shards))
	for _, s := range shards {
		go func(start, end int) {
			slice := records[start:end]
			sort.Slice(slice, func(i, j int) bool { return feature.Less(slice[i], slice[j]) })
			done <- struct{}{}
		}(s[0], s[1])
	}
	for range shards {
		<-done
	}
}

// mergeShards performs a k-way merge of shards (each already sorted
// in place within records) using a min-heap of shard heads.
func mergeShards(records []feature.IndexRecord, shards [][2]int, geom []byte, out *outputWriter) error {
	h := &mergeHeap{records: records}
	for _, s := range shards {
		if s[0] < s[1] {
			h.cursors = append(h.cursors, cursor{pos: s[0], end: s[1]})
		}
	}
	heapInit(h)

	for h.Len() > 0 {
		c := h.cursors[0]
		rec := records[c.pos]
		if err := out.write(rec, geom); err != nil {
			return err
		}
		c.pos++
		if c.pos < c.end {
			h.cursors[0] = c
			heapFix(h, 0)
		} else {
			heapPop(h)
		}
	}
	return nil
}

// streamThrough implements the "single record or prefix exhausted"
// branch: copy geometry and rewrite offsets without sorting, since
// either there's nothing to sort or there are no more Morton bits left
// to discriminate on.
func streamThrough(b *bucket, out *outputWriter) error {
	indexMap, err := gommap.Map(b.indexFile.Fd(), gommap.PROT_READ, gommap.MAP_PRIVATE)
	if err != nil {
		return errors.Wrap(err, "radixsort: mapping partition index file")
	}
	defer indexMap.UnsafeUnmap()
	geomMap, err := gommap.Map(b.geomFile.Fd(), gommap.PROT_READ, gommap.MAP_PRIVATE)
	if err != nil {
		return errors.Wrap(err, "radixsort: mapping partition geometry file")
	}
	defer geomMap.UnsafeUnmap()

	records, err := feature.OverlayIndexRecords([]byte(indexMap))
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := out.write(rec, []byte(geomMap)); err != nil {
			return err
		}
	}
	return nil
}

// outputWriter serializes writes to the single global output files:
// every partition's merge/stream pass funnels through the same
// *outputWriter so out_geom only ever has one writer.
type outputWriter struct {
	geomFile  *os.File
	indexFile *os.File
	geomPos   int64
	stamp     StampFunc
}

func (w *outputWriter) write(rec feature.IndexRecord, geom []byte) error {
	pos := w.geomPos
	n, err := w.geomFile.Write(geom[rec.GeomStart:rec.GeomEnd])
	if err != nil {
		return errors.Wrap(err, "radixsort: writing merged geometry")
	}
	w.geomPos += int64(n)

	if w.stamp != nil {
		rec.FeatureMinzoom = w.stamp(rec)
	}
	rec.GeomStart = uint64(pos)
	rec.GeomEnd = uint64(w.geomPos)

	buf, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := w.indexFile.Write(buf); err != nil {
		return errors.Wrap(err, "radixsort: writing merged index record")
	}
	return nil
}
