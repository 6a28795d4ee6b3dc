// Package pipeline wires ingestion, lane writing, pool merging, the
// external sort, and drop-threshold stamping into the single entry
// point a caller drives: fan out a byte stream into lanes, merge
// their attribute pools, externally sort the union of every lane's
// geometry/index pair while stamping feature_minzoom inline when the
// drop thresholds are already known, and fall back to a second
// restamping pass when maxzoom/basezoom/droprate can only be guessed
// from the sorted data itself.
package pipeline

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/rubythonode/tippecanoe/pkg/budget"
	"github.com/rubythonode/tippecanoe/pkg/dropstate"
	"github.com/rubythonode/tippecanoe/pkg/feature"
	"github.com/rubythonode/tippecanoe/pkg/ingest"
	"github.com/rubythonode/tippecanoe/pkg/lane"
	"github.com/rubythonode/tippecanoe/pkg/mergeglobal"
	"github.com/rubythonode/tippecanoe/pkg/radixsort"
)

// Kind classifies a pipeline failure into one of four severities, so
// a caller can switch on severity without string-matching messages.
type Kind string

const (
	IoFailure          Kind = "io_failure"
	ResourceExhausted  Kind = "resource_exhausted"
	MalformedInput     Kind = "malformed_input"
	InvariantViolation Kind = "invariant_violation"
)

// Error wraps an underlying error with the stage that raised it and
// its Kind, so callers can errors.As into it and branch on Kind:
// MalformedInput is reported and skipped upstream of here, the other
// three are fatal.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return "pipeline: " + e.Stage + ": " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, &Error{Kind: X}) match any pipeline.Error of
// that Kind regardless of stage or underlying cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func wrap(kind Kind, stage string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// TileCoord pins the first tile a caller already knows about: a hint
// downstream tile assembly can use to skip straight to a tile of
// interest. Pipeline itself does no tile assembly, so it only threads
// the value through to Result for whatever consumes the sorted output
// next.
type TileCoord struct {
	Zoom int
	X    int
	Y    int
}

// FeatureParser is the caller's wire-format decoder: given a chunk of
// raw input, the lane it must write decoded features through, and the
// chunk's starting sequence number, it decodes and calls
// lane.WriteFeature for each feature, incrementing the sequence per
// feature it writes.
type FeatureParser func(chunk []byte, l *lane.Lane, sequence uint64) error

// Source selects one of ingest's two modes: Path runs FanOut's
// mmap-everything mode, Reader (when Path is empty) runs
// FanOutStream's bounded-memory spill mode.
type Source struct {
	Path   string
	Reader io.Reader
}

// Options configures one Run.
type Options struct {
	// Lanes requests a worker count; <= 0 means "use every core",
	// matching budget.NewConfig.
	Lanes int

	// MaxOpenFiles bounds the external sort's recursive fan-out; <= 0
	// defaults to 1024.
	MaxOpenFiles int

	// ForceRadixRecursion pins the external sort's memory budget to a
	// tiny value so the recursive partitioning path runs regardless of
	// host RAM.
	ForceRadixRecursion bool

	TempDir   string
	Separator byte // ingest.Newline or ingest.RS

	// MaxZoom, BaseZoom and DropRate are the three drop-threshold
	// knobs. A negative value means "guess it from the sorted data",
	// driving the post-sort auto-selection and restamp pass instead of
	// stamping inline during the sort.
	MaxZoom     int
	BaseZoom    int
	DropRate    float64
	Gamma       float64
	LineDrop    bool
	PolygonDrop bool

	// FeatureCap bounds SelectBaseZoomAndDropRate's maximum per-tile
	// feature count. <= 0 defaults to 50000.
	FeatureCap int64

	// PinFirstTile is an optional tile-assembly hint, threaded through
	// to Result unused by pipeline itself.
	PinFirstTile *TileCoord
}

// Result is everything downstream tiling needs: the merged sorted
// geometry/index pair, the merged attribute pool and its per-lane
// offset tables, and the drop-threshold parameters actually used.
type Result struct {
	GeomPath  string
	IndexPath string

	Pool mergeglobal.Result

	MaxZoom  int
	BaseZoom int
	DropRate float64

	DropStats dropstate.Stats

	PinFirstTile *TileCoord
}

func defaultOptions(o Options) Options {
	if o.Separator == 0 {
		o.Separator = ingest.Newline
	}
	if o.FeatureCap <= 0 {
		o.FeatureCap = 50000
	}
	return o
}

// Run drives one full ingest-sort-stamp pass over src, decoding
// chunks with parse.
func Run(src Source, parse FeatureParser, opts Options) (Result, error) {
	opts = defaultOptions(opts)

	cfg, err := budget.NewConfig(opts.Lanes, opts.MaxOpenFiles, opts.ForceRadixRecursion, opts.TempDir)
	if err != nil {
		return Result{}, wrap(ResourceExhausted, "budget", err)
	}

	lanes, sideFiles, err := openLanes(cfg)
	if err != nil {
		return Result{}, wrap(IoFailure, "lane", err)
	}
	defer closeLanes(lanes)

	if err := ingestInto(src, lanes, cfg.TempDir, opts.Separator, parse); err != nil {
		return Result{}, wrap(MalformedInput, "ingest", err)
	}

	laneFiles := make([]mergeglobal.LaneFiles, len(lanes))
	sortInputs := make([]radixsort.Input, len(lanes))
	for i, l := range lanes {
		if err := l.Close(); err != nil {
			return Result{}, wrap(IoFailure, "lane", err)
		}
		lanes[i] = nil // already closed; keeps the deferred closeLanes from closing it again
		laneFiles[i] = mergeglobal.LaneFiles{
			PoolPath:     sideFiles[i].PoolFile.Name(),
			AttrMetaPath: sideFiles[i].AttrMetaFile.Name(),
		}
		sortInputs[i] = radixsort.Input{
			GeomPath:  sideFiles[i].GeomFile.Name(),
			IndexPath: sideFiles[i].IndexFile.Name(),
		}
	}

	mergeResult, err := mergeglobal.Merge(laneFiles, cfg.TempDir)
	if err != nil {
		return Result{}, wrap(IoFailure, "mergeglobal", err)
	}

	outGeom, err := os.CreateTemp(cfg.TempDir, "sorted-geom-*")
	if err != nil {
		return Result{}, wrap(IoFailure, "radixsort", err)
	}
	defer outGeom.Close()
	outIndex, err := os.CreateTemp(cfg.TempDir, "sorted-index-*")
	if err != nil {
		return Result{}, wrap(IoFailure, "radixsort", err)
	}
	defer outIndex.Close()

	tracker := budget.NewTracker(cfg.AvailableFileDescriptors())

	knownThresholds := opts.MaxZoom >= 0 && opts.BaseZoom >= 0 && opts.DropRate >= 0

	dsOpts := dropstate.Options{Gamma: opts.Gamma, LineDrop: opts.LineDrop, PolygonDrop: opts.PolygonDrop}

	var stamper *dropstate.Stamper
	var ds []dropstate.DropState
	if knownThresholds {
		ds = dropstate.Prepare(opts.MaxZoom, opts.BaseZoom, opts.DropRate)
		stamper = dropstate.NewStamper(ds, opts.MaxZoom, dsOpts)
	}

	sortCfg := radixsort.Config{
		TmpDir:    cfg.TempDir,
		MemBudget: cfg.MemoryBudget,
		Tracker:   tracker,
		GeomFile:  outGeom,
		IndexFile: outIndex,
	}
	if stamper != nil {
		sortCfg.Stamp = stamper.Stamp
	}

	if err := radixsort.Sort(sortInputs, sortCfg); err != nil {
		return Result{}, wrap(ResourceExhausted, "radixsort", err)
	}
	if err := tracker.Reconcile(); err != nil {
		return Result{}, wrap(InvariantViolation, "radixsort", err)
	}

	result := Result{
		GeomPath:     outGeom.Name(),
		IndexPath:    outIndex.Name(),
		Pool:         mergeResult,
		MaxZoom:      opts.MaxZoom,
		BaseZoom:     opts.BaseZoom,
		DropRate:     opts.DropRate,
		PinFirstTile: opts.PinFirstTile,
	}

	if knownThresholds {
		return result, nil
	}

	mortonKeys, err := readSortedMortonKeys(outIndex.Name())
	if err != nil {
		return Result{}, wrap(IoFailure, "dropstate", err)
	}

	maxzoom := opts.MaxZoom
	if maxzoom < 0 {
		maxzoom = dropstate.EstimateMaxZoom(mortonKeys, 0)
	}

	sel := dropstate.SelectBaseZoomAndDropRate(mortonKeys, maxzoom, opts.BaseZoom, opts.DropRate, opts.Gamma, opts.FeatureCap)
	ds = dropstate.Prepare(maxzoom, sel.BaseZoom, sel.DropRate)

	stats, err := dropstate.Restamp(outIndex.Name(), ds, maxzoom, dsOpts, sel.BaseZoom, sel.EffectiveBaseZoom, sel.DropRate, sel.MaxCountAtZoom)
	if err != nil {
		return Result{}, wrap(IoFailure, "dropstate", err)
	}

	result.MaxZoom = maxzoom
	result.BaseZoom = sel.BaseZoom
	result.DropRate = sel.DropRate
	result.DropStats = stats

	return result, nil
}

// openLanes creates cfg.Lanes sets of side files and opens a lane.Lane
// around each, one per ingestion worker, before dispatch starts.
func openLanes(cfg budget.Config) ([]*lane.Lane, []lane.SideFiles, error) {
	lanes := make([]*lane.Lane, cfg.Lanes)
	sideFiles := make([]lane.SideFiles, cfg.Lanes)
	for i := range lanes {
		files, err := newLaneSideFiles(cfg.TempDir)
		if err != nil {
			closeLanes(lanes[:i])
			return nil, nil, err
		}
		l, err := lane.Open(uint32(i), files)
		if err != nil {
			closeLanes(lanes[:i])
			return nil, nil, err
		}
		lanes[i] = l
		sideFiles[i] = files
	}
	return lanes, sideFiles, nil
}

func newLaneSideFiles(tmpDir string) (lane.SideFiles, error) {
	geom, err := os.CreateTemp(tmpDir, "lane-geom-*")
	if err != nil {
		return lane.SideFiles{}, errors.Wrap(err, "pipeline: creating lane geometry file")
	}
	index, err := os.CreateTemp(tmpDir, "lane-index-*")
	if err != nil {
		return lane.SideFiles{}, errors.Wrap(err, "pipeline: creating lane index file")
	}
	attrMeta, err := os.CreateTemp(tmpDir, "lane-attrmeta-*")
	if err != nil {
		return lane.SideFiles{}, errors.Wrap(err, "pipeline: creating lane attribute meta file")
	}
	pool, err := os.CreateTemp(tmpDir, "lane-pool-*")
	if err != nil {
		return lane.SideFiles{}, errors.Wrap(err, "pipeline: creating lane pool file")
	}
	return lane.SideFiles{GeomFile: geom, IndexFile: index, AttrMetaFile: attrMeta, PoolFile: pool}, nil
}

func closeLanes(lanes []*lane.Lane) {
	for _, l := range lanes {
		if l != nil {
			_ = l.Close()
		}
	}
}

// ingestInto runs ingestion over src, handing each decoded chunk to
// the caller's parser along with the lane it must write through.
func ingestInto(src Source, lanes []*lane.Lane, tmpDir string, separator byte, parse FeatureParser) error {
	wrapped := func(chunk []byte, laneID uint32, initialSequence uint64) error {
		if int(laneID) >= len(lanes) {
			return errors.Errorf("pipeline: ingest produced lane id %d beyond the %d lanes opened", laneID, len(lanes))
		}
		return parse(chunk, lanes[laneID], initialSequence)
	}

	if src.Path != "" {
		return ingest.FanOut(src.Path, len(lanes), separator, wrapped)
	}
	return ingest.FanOutStream(src.Reader, tmpDir, len(lanes), separator, wrapped)
}

// readSortedMortonKeys reads every record's MortonKey out of an
// already fully-sorted index file, in order, for EstimateMaxZoom and
// SelectBaseZoomAndDropRate to scan.
func readSortedMortonKeys(indexPath string) ([]uint64, error) {
	raw, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, errors.Wrap(err, "pipeline: reading sorted index")
	}
	records, err := feature.OverlayIndexRecords(raw)
	if err != nil {
		return nil, errors.Wrap(err, "pipeline: overlaying sorted index")
	}
	keys := make([]uint64, len(records))
	for i, r := range records {
		keys[i] = r.MortonKey
	}
	return keys, nil
}
