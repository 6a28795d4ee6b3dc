// Package ingest implements ingestion fan-out: splitting an input byte
// stream at separator boundaries into N roughly equal chunks and
// dispatching each to a parser worker that writes into its own lane.
package ingest

import (
	"bytes"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tysonmote/gommap"
)

// Newline and RS are the two separator bytes the external interface
// allows.
const (
	Newline byte = '\n'
	RS      byte = 0x1E
)

// ParseChunk is the caller's wire-format parser: it decodes chunk and
// calls lane.WriteFeature for every feature it finds, writing into the
// lane identified by laneID. initialSequence is the chunk's absolute
// byte offset in the original stream, so sequence values assigned
// from it remain globally ordered even though chunks are parsed
// concurrently.
type ParseChunk func(chunk []byte, laneID uint32, initialSequence uint64) error

// byteRange is a file-relative offset and length handed to a worker
// instead of a raw pointer into another goroutine's mapping. Each
// worker resolves its own range against the mapping it was given;
// none receive a gommap.MMap belonging to another worker.
type byteRange struct {
	start, end int64
}

// FanOut is mmap mode: it maps path read-only, splits it into
// workerCount chunks aligned to the next separator after each
// len*i/workerCount boundary, and runs parse over each chunk
// concurrently.
func FanOut(path string, workerCount int, separator byte, parse ParseChunk) error {
	return fanOut(path, workerCount, separator, 0, parse)
}

// fanOut is FanOut's implementation, taking an extra baseOffset: the
// absolute byte offset in the logical input stream at which path
// begins. FanOut itself is the baseOffset == 0 case, used when path is
// the entire input; FanOutStream calls fanOut directly with the
// cumulative size of every prior spill, so sequence numbers stay
// globally unique and stream-order-preserving across spill files.
func fanOut(path string, workerCount int, separator byte, baseOffset int64, parse ParseChunk) error {
	if workerCount < 1 {
		workerCount = 1
	}

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "ingest: opening input file")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "ingest: stat'ing input file")
	}
	if st.Size() == 0 {
		return nil
	}

	m, err := gommap.Map(f.Fd(), gommap.PROT_READ, gommap.MAP_PRIVATE)
	if err != nil {
		return errors.Wrap(err, "ingest: mapping input file")
	}
	_ = m.Advise(gommap.MADV_SEQUENTIAL)
	defer m.UnsafeUnmap()

	ranges := splitRanges([]byte(m), workerCount, separator)
	return runWorkers(ranges, func(laneID uint32, r byteRange) error {
		return parse([]byte(m)[r.start:r.end], laneID, uint64(baseOffset+r.start))
	})
}

// splitRanges computes N+1 split points at len*i/N and scans each one
// forward to the next separator boundary.
func splitRanges(data []byte, n int, separator byte) []byteRange {
	total := int64(len(data))
	ranges := make([]byteRange, 0, n)
	prev := int64(0)
	for i := 1; i < n; i++ {
		target := total * int64(i) / int64(n)
		boundary := nextSeparator(data, target, separator)
		if boundary <= prev {
			continue
		}
		ranges = append(ranges, byteRange{start: prev, end: boundary})
		prev = boundary
	}
	if prev < total {
		ranges = append(ranges, byteRange{start: prev, end: total})
	}
	return ranges
}

// nextSeparator scans forward from from for the next separator byte
// and returns the offset just past it, or len(data) if none remains.
func nextSeparator(data []byte, from int64, separator byte) int64 {
	if from >= int64(len(data)) {
		return int64(len(data))
	}
	idx := bytes.IndexByte(data[from:], separator)
	if idx < 0 {
		return int64(len(data))
	}
	return from + int64(idx) + 1
}

// runWorkers spawns one goroutine per range, each assigned a distinct
// lane ID equal to its index, and joins all of them before returning
// the first error encountered. There is no cancellation: every worker
// runs to completion even if another has already failed.
func runWorkers(ranges []byteRange, work func(laneID uint32, r byteRange) error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(ranges))
	for i, r := range ranges {
		wg.Add(1)
		go func(laneID uint32, r byteRange) {
			defer wg.Done()
			errs[laneID] = work(laneID, r)
		}(uint32(i), r)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Stream-mode spill thresholds: a lower water mark below which the
// spill keeps growing, and a hard cap that forces a hand-off at the
// next separator boundary even while a helper is still busy.
const (
	LowWaterMark = 10 << 20 // ~10 MB
	HardCap      = 1 << 30  // ~1 GB
	spillBufSize = 64 << 10
)

// FanOutStream is the stream-mode entry point: it never requires the
// whole input resident at once. It serially copies r into spill files;
// once a spill both exceeds LowWaterMark and ends on a separator, and
// either no helper is currently parsing a previous spill or the spill
// has exceeded HardCap, it hands the spill off to fanOut running in a
// helper goroutine and starts a fresh spill file, overlapping the next
// read with the in-flight parse.
//
// Every spill restarts at byte offset 0 within its own file, so each
// hand-off carries streamOffset, the cumulative size of every spill
// dispatched before it, as fanOut's baseOffset: without it, sequence
// numbers assigned from a spill's file-local offsets would collide
// across spill boundaries instead of remaining unique and
// order-preserving across the whole logical stream.
//
// ahead tracks how many bytes have been handed off without a wait; it
// is reset to 0 only on the hard-cap branch, not on every hand-off.
func FanOutStream(r io.Reader, tmpDir string, workerCount int, separator byte, parse ParseChunk) error {
	var helperWG sync.WaitGroup
	var helperErr error
	var helperMu sync.Mutex
	var helperBusy atomic.Bool
	var ahead int64
	var streamOffset int64

	waitForHelper := func() error {
		helperWG.Wait()
		helperMu.Lock()
		defer helperMu.Unlock()
		err := helperErr
		helperErr = nil
		return err
	}

	dispatch := func(spillPath string, baseOffset int64) {
		helperWG.Add(1)
		helperBusy.Store(true)
		go func() {
			defer helperWG.Done()
			defer helperBusy.Store(false)
			if err := fanOut(spillPath, workerCount, separator, baseOffset, parse); err != nil {
				helperMu.Lock()
				helperErr = err
				helperMu.Unlock()
			}
			_ = os.Remove(spillPath)
		}()
	}

	spill, spillPath, spillSize, err := newSpill(tmpDir)
	if err != nil {
		return err
	}

	buf := make([]byte, spillBufSize)
	endsOnSeparator := false
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, err := spill.Write(buf[:n]); err != nil {
				spill.Close()
				return errors.Wrap(err, "ingest: writing spill file")
			}
			spillSize += int64(n)
			endsOnSeparator = buf[n-1] == separator
		}

		hardCapped := spillSize >= HardCap && endsOnSeparator
		lowWaterReached := spillSize >= LowWaterMark && endsOnSeparator

		switch {
		case hardCapped:
			log.WithField("ahead", ahead).Debug("ingest: hard cap reached, waiting for in-flight helper")
			if err := waitForHelper(); err != nil {
				spill.Close()
				return err
			}
			ahead = 0
			dispatchedSize := spillSize
			if err := rotateSpill(&spill, spillPath, tmpDir, dispatch, streamOffset, &spillSize); err != nil {
				return err
			}
			streamOffset += dispatchedSize
			spillPath = spill.Name()
		case lowWaterReached:
			// Only overlap with a helper that is not currently busy;
			// if one is still running, keep growing this spill instead
			// of queuing a second hand-off.
			if !helperBusy.Load() {
				ahead += spillSize
				dispatchedSize := spillSize
				if err := rotateSpill(&spill, spillPath, tmpDir, dispatch, streamOffset, &spillSize); err != nil {
					return err
				}
				streamOffset += dispatchedSize
				spillPath = spill.Name()
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			spill.Close()
			return errors.Wrap(readErr, "ingest: reading input stream")
		}
	}

	if err := spill.Close(); err != nil {
		return errors.Wrap(err, "ingest: closing final spill file")
	}
	// The final spill reuses the same lane IDs as any in-flight helper,
	// so the helper must finish before those lanes are written again.
	if err := waitForHelper(); err != nil {
		_ = os.Remove(spillPath)
		return err
	}
	if spillSize > 0 {
		if err := fanOut(spillPath, workerCount, separator, streamOffset, parse); err != nil {
			_ = os.Remove(spillPath)
			return err
		}
	}
	_ = os.Remove(spillPath)

	return nil
}

func newSpill(tmpDir string) (*os.File, string, int64, error) {
	f, err := os.CreateTemp(tmpDir, "ingest-spill-*")
	if err != nil {
		return nil, "", 0, errors.Wrap(err, "ingest: creating spill file")
	}
	return f, f.Name(), 0, nil
}

// rotateSpill closes and dispatches the current spill for parsing at
// baseOffset and opens a fresh one in its place.
func rotateSpill(spill **os.File, spillPath, tmpDir string, dispatch func(string, int64), baseOffset int64, spillSize *int64) error {
	if err := (*spill).Close(); err != nil {
		return errors.Wrap(err, "ingest: closing spill file before hand-off")
	}
	dispatch(spillPath, baseOffset)

	next, _, _, err := newSpill(tmpDir)
	if err != nil {
		return err
	}
	*spill = next
	*spillSize = 0
	return nil
}

