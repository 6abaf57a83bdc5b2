package pipeline

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// recentIO is the number of slots in the sequential detector's table
// (spec.md §4.6's RECENT_IO). Each sector hashes to exactly one slot; a
// different sector landing on an occupied slot replaces its entry (no
// probing and no LRU ordering).
const recentIO = 64

// ewmaWeight is the "3" in spec.md's ewma(avg, current, 3): the new
// sample is weighted 1/ewmaWeight against the running average.
const ewmaWeight = 3

// recentEntry is one slot in the sequential detector's table.
type recentEntry struct {
	used     bool
	sector   uint64
	lastSeen time.Time
	runLen   uint64
}

// SequentialDetector implements spec.md §4.6's "sequential detector": a
// small hash table of recently-seen last-sectors per device used to spot
// runs, combined with a per-task EWMA of run length.
type SequentialDetector struct {
	mu      sync.Mutex
	entries [recentIO]recentEntry
	now     func() time.Time

	recentWindow time.Duration

	taskEWMA map[uint64]float64 // keyed by caller-supplied task id
}

// NewSequentialDetector constructs a detector. recentWindow bounds how
// long a last-sector entry is considered "recent" for extending a run
// (spec.md: "if present and the time-of-last-touch is recent, extend run
// length").
func NewSequentialDetector(recentWindow time.Duration) *SequentialDetector {
	return &SequentialDetector{
		now:          time.Now,
		recentWindow: recentWindow,
		taskEWMA:     make(map[uint64]float64),
	}
}

func hashSector(sector uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], sector)

	return xxhash.Sum64(buf[:])
}

// Observe records one I/O's last-touched sector for taskID, returning the
// updated run length for that sector slot and the task's current EWMA.
func (d *SequentialDetector) Observe(taskID, lastSector uint64) (runLen uint64, ewma float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot := int(hashSector(lastSector) % recentIO)
	now := d.now()

	e := &d.entries[slot]

	if e.used && e.sector == lastSector && now.Sub(e.lastSeen) <= d.recentWindow {
		e.runLen++
	} else {
		e.used = true
		e.sector = lastSector
		e.runLen = 1
	}

	e.lastSeen = now
	runLen = e.runLen

	prev, ok := d.taskEWMA[taskID]
	if !ok {
		prev = float64(runLen)
	}

	next := prev + (float64(runLen)-prev)/ewmaWeight
	d.taskEWMA[taskID] = next

	return runLen, next
}

// IsSequential reports whether the combination of run length and EWMA for
// the last observation exceeds cutoff, per spec.md §4.6: "sequential
// count plus an EWMA per-task is compared to sequential_cutoff".
func IsSequential(runLen uint64, ewma float64, cutoff uint64) bool {
	return runLen+uint64(ewma) >= cutoff
}
