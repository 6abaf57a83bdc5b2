package btree

import (
	"errors"
	"sync/atomic"

	"github.com/tierengine/tierengine/pkg/bucket"
)

// ErrStalePointer signals every pointer on an extent was stale (bucket
// generation moved on since the extent was written); the pipeline should
// retry by re-entering the iterator at the same position and picking
// again (spec.md §4.5).
var ErrStalePointer = errors.New("btree: all extent pointers stale")

// ErrNoDevice signals an extent has no live pointer and none is stale
// either - a permanent EIO, not retryable (spec.md §4.5: "on no-live-
// pointers returns 'stale' (triggers retry) vs 'no-device' (permanent
// EIO)").
var ErrNoDevice = errors.New("btree: no device for extent")

// DeviceInfo is what extent-pick needs from the device layer for one
// candidate pointer: its tier, whether it is currently congested, and how
// many recent read errors it has accumulated.
type DeviceInfo struct {
	Tier        int
	Congested   bool
	ErrorCount  int
	Local       bool
	TableLookup func(bucket.Pointer) (gen uint8, ok bool)
}

// DeviceLookup resolves a pointer's device id to its current [DeviceInfo].
type DeviceLookup func(deviceID uint16) (DeviceInfo, bool)

// CacheReadRaces counts stale-pointer retries across the process, the
// counter spec.md §4.5 names explicitly ("A counter cache_read_races
// increments each retry").
var CacheReadRaces atomic.Uint64

// pickCandidate pairs a pointer with the device info used to rank it.
type pickCandidate struct {
	ptr  bucket.Pointer
	info DeviceInfo
}

// ExtentPickPtr implements spec.md §4.5's extent_pick_ptr: select a
// non-stale pointer from ptrs preferring, in order, local/non-congested,
// lower tier, then fewer outstanding errors.
func ExtentPickPtr(ptrs []bucket.Pointer, lookup DeviceLookup) (bucket.Pointer, error) {
	var (
		live  []pickCandidate
		stale int
	)

	for _, p := range ptrs {
		info, ok := lookup(p.Device)
		if !ok {
			continue
		}

		if info.TableLookup != nil {
			gen, ok := info.TableLookup(p)
			if ok && gen != p.BucketGen {
				stale++

				continue
			}
		}

		live = append(live, pickCandidate{ptr: p, info: info})
	}

	if len(live) == 0 {
		if stale > 0 {
			return bucket.Pointer{}, ErrStalePointer
		}

		return bucket.Pointer{}, ErrNoDevice
	}

	best := live[0]

	for _, c := range live[1:] {
		if better(c, best) {
			best = c
		}
	}

	return best.ptr, nil
}

func better(a, b pickCandidate) bool {
	aScore := !a.info.Congested
	bScore := !b.info.Congested

	if aScore != bScore {
		return aScore
	}

	if a.info.Local != b.info.Local {
		return a.info.Local
	}

	if a.info.Tier != b.info.Tier {
		return a.info.Tier < b.info.Tier
	}

	return a.info.ErrorCount < b.info.ErrorCount
}

// CheckStaleOnCompletion implements the read-path half of spec.md §4.5:
// "on completion compares the bucket's current generation to the
// pointer's generation; if stale, the pipeline re-enters the iterator at
// the same pos and picks again." It bumps [CacheReadRaces] on a retry.
func CheckStaleOnCompletion(ptr bucket.Pointer, table *bucket.Table) (stale bool, err error) {
	stale, err = table.IsStale(ptr)
	if err != nil {
		return false, err
	}

	if stale {
		CacheReadRaces.Add(1)
	}

	return stale, nil
}
