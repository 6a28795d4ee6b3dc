// Package budget turns a process's resource limits into an explicit,
// immutable Config built once by the caller, plus a Tracker that
// accounts for file descriptors spent across a pipeline run.
package budget

import (
	"math"
	"os"
	"runtime"

	"github.com/pkg/errors"
	"github.com/ricochet2200/go-disk-usage/du"
	"github.com/shirou/gopsutil/v3/mem"
	log "github.com/sirupsen/logrus"
)

// Config is the immutable resource budget every stage is handed
// explicitly; nothing under pkg/ reads it from a package-level var.
type Config struct {
	// Lanes is the number of concurrent ingestion workers, already
	// rounded down to a power of two and clamped to MaxLanes.
	Lanes int

	// MaxOpenFiles is the process file-descriptor ceiling the pipeline
	// may spend against, independent of the OS ulimit.
	MaxOpenFiles int

	// MemoryBudget is the byte budget the external sort uses to decide
	// whether a partition fits in memory or must recurse further.
	MemoryBudget int64

	// ForceRadixRecursion pins MemoryBudget to a tiny synthetic value,
	// forcing deep recursion regardless of detected RAM. Useful for
	// exercising the recursive path in tests without a multi-gigabyte
	// fixture.
	ForceRadixRecursion bool

	// TempDir is where lane side files and radix-sort partition files
	// are created.
	TempDir string
}

// MaxLanes caps the lane count so it always fits IndexRecord's Segment
// field (a uint16), leaving headroom rather than using the field's
// full range.
const MaxLanes = 32767

// forcedRadixMemory is the tiny memory budget used when
// ForceRadixRecursion is set.
const forcedRadixMemory = 8192

// NewConfig builds a Config from live host introspection.
// requestedLanes <= 0 means "use every core"; it is then rounded down
// to a power of two and clamped to MaxLanes.
func NewConfig(requestedLanes, maxOpenFiles int, forceRadixRecursion bool, tempDir string) (Config, error) {
	lanes := requestedLanes
	if lanes <= 0 {
		lanes = runtime.NumCPU()
	}
	if lanes < 1 {
		lanes = 1
	}
	if lanes > MaxLanes {
		lanes = MaxLanes
	}
	lanes = 1 << uint(math.Log2(float64(lanes)))

	if maxOpenFiles <= 0 {
		maxOpenFiles = 1024
	}

	memBudget, err := detectMemoryBudget(forceRadixRecursion)
	if err != nil {
		return Config{}, errors.Wrap(err, "budget: detecting memory budget")
	}

	if tempDir == "" {
		tempDir = os.TempDir()
	}

	cfg := Config{
		Lanes:               lanes,
		MaxOpenFiles:        maxOpenFiles,
		MemoryBudget:        memBudget,
		ForceRadixRecursion: forceRadixRecursion,
		TempDir:             tempDir,
	}
	log.WithFields(log.Fields{
		"lanes":       cfg.Lanes,
		"max_files":   cfg.MaxOpenFiles,
		"mem_budget":  cfg.MemoryBudget,
		"force_radix": cfg.ForceRadixRecursion,
	}).Info("budget: configuration built")
	return cfg, nil
}

// detectMemoryBudget reports half of total system memory as the
// budget available to the external sort, unless forceRadixRecursion
// pins it to a synthetic minimum.
func detectMemoryBudget(forceRadixRecursion bool) (int64, error) {
	if forceRadixRecursion {
		return forcedRadixMemory, nil
	}
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, errors.Wrap(err, "budget: reading virtual memory stats")
	}
	return int64(v.Total) / 2, nil
}

// AvailableFileDescriptors returns how many fds a single radix-sort
// split may spend, reserving a geom and an index fd per lane, the
// attribute pool/meta/output files, and the three standard streams.
func (c Config) AvailableFileDescriptors() int {
	avail := c.MaxOpenFiles - 2*c.Lanes - 4 - 4 - 3
	if avail < 0 {
		avail = 0
	}
	return avail
}

// DiskUsageBytes reports the free and total bytes on the filesystem
// backing path.
func DiskUsageBytes(path string) (free, total uint64, err error) {
	usage := du.NewDiskUsage(path)
	if usage == nil {
		return 0, 0, errors.Errorf("budget: could not read disk usage for %q", path)
	}
	return usage.Available(), usage.Size(), nil
}

// CheckDiskSpace warns when predicted usage exceeds 90% of the free
// space seen at startup.
func CheckDiskSpace(diskFreeAtStart int64, predictedUsage int64) {
	if predictedUsage > int64(float64(diskFreeAtStart)*0.9) {
		log.WithFields(log.Fields{
			"predicted_usage": predictedUsage,
			"disk_free":       diskFreeAtStart,
		}).Warn("budget: predicted usage may exhaust available disk space")
	}
}

// Tracker accounts for file descriptors actually spent during a run.
// It is safe for concurrent use.
type Tracker struct {
	initial int
	spent   chan int // buffered depth-1 channel used as a cheap mutex-guarded cell
}

// NewTracker creates a Tracker seeded with the fds available at the
// start of a radix-sort run.
func NewTracker(available int) *Tracker {
	t := &Tracker{initial: available, spent: make(chan int, 1)}
	t.spent <- 0
	return t
}

// Reserve records n additional file descriptors as spent (n may be
// negative to release them).
func (t *Tracker) Reserve(n int) {
	spent := <-t.spent
	spent += n
	t.spent <- spent
}

// Available returns how many file descriptors remain unspent.
func (t *Tracker) Available() int {
	spent := <-t.spent
	t.spent <- spent
	return t.initial - spent
}

// Reconcile re-derives the fd count after a run and returns an error
// if it doesn't match what was available at the start, catching a
// reservation that was never released.
func (t *Tracker) Reconcile() error {
	if t.Available() != t.initial {
		return errors.Errorf("budget: file descriptor accounting mismatch: available=%d initial=%d", t.Available(), t.initial)
	}
	return nil
}
