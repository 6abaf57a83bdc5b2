package pipeline

import (
	"sync"

	"github.com/tierengine/tierengine/pkg/keybuf"
)

// WriteFlags are the write-op flags spec.md §4.6 step 4 names: "CACHED,
// FLUSH, DISCARD, DISCARD_ON_ERROR, ALLOC_NOWAIT".
type WriteFlags uint8

const (
	FlagCached WriteFlags = 1 << iota
	FlagFlush
	FlagDiscard
	FlagDiscardOnError
	FlagAllocNowait
)

// WriteDisposition is which of the three write-path branches spec.md
// §4.6 step 3 describes was chosen.
type WriteDisposition int

const (
	DispositionBypass WriteDisposition = iota
	DispositionWriteback
	DispositionWritethrough
)

func (d WriteDisposition) String() string {
	switch d {
	case DispositionBypass:
		return "bypass"
	case DispositionWriteback:
		return "writeback"
	case DispositionWritethrough:
		return "writethrough"
	default:
		return "unknown"
	}
}

// WritebackPolicy decides, once bypass has already been ruled out, which
// non-bypass disposition a write should take - spec.md §4.6 step 2's
// "should_writeback policy (dirty-percent controller, tier, sync flag)".
type WritebackPolicy interface {
	ShouldWriteback(dirtyPercent float64, tier int, sync bool) bool
}

// DirtyPercentController is the default [WritebackPolicy]: writeback once
// the device's dirty-data percentage is under the configured target
// (spec.md §7: "writeback_percent - dirty-data target for rate
// controller (0..40)"), always writeback for a sync write, and never
// writeback out of tier 0 (the fastest tier writes straight through).
type DirtyPercentController struct {
	TargetPercent float64
}

// ShouldWriteback implements [WritebackPolicy].
func (c DirtyPercentController) ShouldWriteback(dirtyPercent float64, tier int, sync bool) bool {
	if sync {
		return true
	}

	if tier == 0 {
		return false
	}

	return dirtyPercent < c.TargetPercent
}

// WriteRequest bundles what DecideWrite needs: the bypass inputs plus the
// keybuf range the write covers and the policy's extra parameters.
type WriteRequest struct {
	Bypass       BypassRequest
	Inode        uint64
	Start        uint64
	End          uint64
	DirtyPercent float64
	Tier         int
	Sync         bool
	Preflush     bool
	Policy       WritebackPolicy
}

// WriteDecision is DecideWrite's result: the chosen disposition and the
// write-op flags to carry forward (spec.md §4.6 steps 3-4).
type WriteDecision struct {
	Disposition WriteDisposition
	Flags       WriteFlags
	Reason      string
}

// DecideWrite implements spec.md §4.6's write path steps 1-3: check
// writeback-keybuf overlap (forcing writeback over bypass when a
// not-yet-started dirty range overlaps), apply the mode's
// should_writeback policy, and emit bypass/writeback/writethrough.
func DecideWrite(kb *keybuf.Keybuf, req WriteRequest) WriteDecision {
	forcedWriteback := kb != nil && kb.CheckOverlapping(req.Inode, req.Start, req.End)

	bypass, reason := CheckShouldBypass(req.Bypass, nil)
	if bypass && !forcedWriteback {
		flags := WriteFlags(0)
		if req.Bypass.Discard {
			flags |= FlagDiscard | FlagDiscardOnError
		}

		return WriteDecision{Disposition: DispositionBypass, Flags: flags, Reason: reason}
	}

	policy := req.Policy
	if policy == nil {
		policy = DirtyPercentController{TargetPercent: 20}
	}

	if policy.ShouldWriteback(req.DirtyPercent, req.Tier, req.Sync) {
		flags := FlagCached

		if req.Preflush {
			flags |= FlagFlush
		}

		reason := "policy"
		if forcedWriteback {
			reason = "keybuf_overlap"
		}

		return WriteDecision{Disposition: DispositionWriteback, Flags: flags, Reason: reason}
	}

	return WriteDecision{Disposition: DispositionWritethrough, Flags: FlagCached | FlagAllocNowait, Reason: "policy"}
}

// WritebackLock is spec.md §4.6's per-device writeback_lock, held shared
// by ordinary foreground writes and exclusively only while the device is
// quiescing (detach/stop), matching the shared/exclusive split the spec
// calls out explicitly ("Under a per-device writeback_lock (shared)").
type WritebackLock struct {
	mu sync.RWMutex
}

// RLock acquires the lock in the shared mode ordinary writes use.
func (w *WritebackLock) RLock() { w.mu.RLock() }

// RUnlock releases a shared hold.
func (w *WritebackLock) RUnlock() { w.mu.RUnlock() }

// Lock acquires the lock exclusively, for device quiescing.
func (w *WritebackLock) Lock() { w.mu.Lock() }

// Unlock releases an exclusive hold.
func (w *WritebackLock) Unlock() { w.mu.Unlock() }
