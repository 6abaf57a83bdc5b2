package pipeline

import "math/rand"

// CacheMode selects the device's cache policy (spec.md §7 config surface:
// "one of writethrough, writeback, writearound, none").
type CacheMode int

const (
	CacheWritethrough CacheMode = iota
	CacheWriteback
	CacheWritearound
	CacheNone
)

// cutoffCacheAdd is spec.md §4.6's CUTOFF_CACHE_ADD: bypass once free
// cache space falls under this fraction of capacity.
const cutoffCacheAdd = 0.10

// BypassRequest bundles everything check_should_bypass needs to decide,
// one field per bullet in spec.md §4.6.
type BypassRequest struct {
	Detaching                bool
	FreeFraction             float64 // free cache space / capacity
	Discard                  bool
	Mode                     CacheMode
	Write                    bool
	Sector                   uint64
	Size                     uint32
	BlockSize                uint32
	SequentialRun            uint64
	SequentialEWMA           float64
	SequentialCutoff         uint64
	CongestionValue          uint64
	CongestionThreshold      uint64
	EffectiveSectors         uint64
	TortureBypassProbability float64 // 0 disables; otherwise probabilistic forced bypass
}

// CheckShouldBypass implements spec.md §4.6's check_should_bypass: "A
// request bypasses the cache if any of the following hold", returning
// which condition fired (the first one matched, for observability) along
// with the boolean.
func CheckShouldBypass(r BypassRequest, rng *rand.Rand) (bypass bool, reason string) {
	switch {
	case r.Detaching:
		return true, "detaching"
	case r.FreeFraction < cutoffCacheAdd:
		return true, "cache_full"
	case r.Discard:
		return true, "discard"
	case r.Mode == CacheNone:
		return true, "mode_none"
	case r.Mode == CacheWritearound && r.Write:
		return true, "mode_writearound_write"
	case r.BlockSize > 0 && (r.Sector%uint64(r.BlockSize) != 0 || uint64(r.Size)%uint64(r.BlockSize) != 0):
		return true, "unaligned"
	case r.SequentialCutoff > 0 && IsSequential(r.SequentialRun, r.SequentialEWMA, r.SequentialCutoff):
		return true, "sequential"
	case r.CongestionThreshold > 0 && r.CongestionValue > 0 && r.EffectiveSectors >= r.CongestionThreshold:
		return true, "congested"
	}

	if r.TortureBypassProbability > 0 {
		roll := rng
		if roll == nil {
			roll = rand.New(rand.NewSource(1)) //nolint:gosec // torture-test knob, not security sensitive
		}

		if roll.Float64() < r.TortureBypassProbability {
			return true, "torture"
		}
	}

	return false, ""
}
