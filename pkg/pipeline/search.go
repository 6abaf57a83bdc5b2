package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/tierengine/tierengine/pkg/btree"
	"github.com/tierengine/tierengine/pkg/bucket"
	"github.com/tierengine/tierengine/pkg/closure"
	"github.com/tierengine/tierengine/pkg/keybuf"
)

// SearchFlags are spec.md §3's per-request flags: "flags (write, bypass,
// recoverable, read_dirty_data, cache_miss)".
type SearchFlags uint8

const (
	FlagWrite SearchFlags = 1 << iota
	FlagBypass
	FlagRecoverable
	FlagReadDirtyData
	FlagCacheMiss
)

func (f SearchFlags) has(bit SearchFlags) bool { return f&bit != 0 }

// SearchState is spec.md §4.8's Search state machine: "alloc ->
// bypass_check -> (read|write) -> complete; reads may loop
// read->retry_stale->read".
type SearchState int

const (
	StateAlloc SearchState = iota
	StateBypassCheck
	StateRead
	StateRetryStale
	StateWrite
	StateComplete
	StateError
)

func (s SearchState) String() string {
	switch s {
	case StateAlloc:
		return "alloc"
	case StateBypassCheck:
		return "bypass_check"
	case StateRead:
		return "read"
	case StateRetryStale:
		return "retry_stale"
	case StateWrite:
		return "write"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// maxStaleRetries bounds the read->retry_stale->read loop, mirroring
// pkg/slotcache's readMaxRetries fault-injection cap referenced by
// spec.md §7 ("Retry ... capped by a fault-injection counter").
const maxStaleRetries = 8

// CacheReader submits a cache read for one resolved pointer and reports
// whether the bucket generation had moved on since the pointer was
// chosen (spec.md §4.5's stale-on-completion check).
type CacheReader interface {
	ReadPointer(ctx context.Context, ptr bucket.Pointer) (stale bool, err error)
}

// BackingDevice is the fallback collaborator spec.md §4.8 names: "reads
// with recoverable=true fall back to backing device" and §4.6's bypass
// write target.
type BackingDevice interface {
	ReadAt(ctx context.Context, inode uint64, offset uint64, size uint32) error
	WriteAt(ctx context.Context, inode uint64, offset uint64, size uint32) error
}

// WriteExecutor performs the write-op spec.md §4.6 step 4 describes:
// build a write-op targeting a write-point and insert position, with the
// chosen flags, and run it to completion.
type WriteExecutor interface {
	ExecuteWrite(ctx context.Context, inode uint64, start, end uint64, flags WriteFlags) error
}

// Search is spec.md §3's per-request state: "backing bio, orig bio,
// device pointer, flags, timing, inode, and an embedded write-op or
// read-bio." It drives [CheckShouldBypass], [RunReadPath] and
// [DecideWrite]/[WriteExecutor] through the §4.8 state machine, using a
// [closure.Closure] to track the request's outstanding async I/O the way
// the source chains pipeline stages as closure continuations.
type Search struct {
	Inode  uint64
	Start  uint64
	End    uint64
	Flags  SearchFlags
	State  SearchState
	Err    error
	Begun  time.Time
	Ended  time.Time
	Closer *closure.Closure

	staleRetries int
}

// NewSearch allocates a Search in [StateAlloc], matching spec.md §4.8's
// first transition ("alloc"). worker runs the closure's continuation (if
// any) once every reference dropped via Closer.Put; pass nil for onComplete if
// the caller only needs Closer.Sync to block for completion.
func NewSearch(inode, start, end uint64, worker closure.Worker, onComplete func()) *Search {
	return &Search{
		Inode:  inode,
		Start:  start,
		End:    end,
		State:  StateAlloc,
		Begun:  time.Now(),
		Closer: closure.New(worker, onComplete),
	}
}

// RunRead drives the read half of the state machine: bypass_check, then
// read with the read/retry_stale loop from spec.md §4.8 and the
// backing-device fallback from spec.md §7 ("unrecoverable cache-read
// error surfaced" vs recoverable falls back). it performs the extent
// walk (already-grounded in [RunReadPath]); reader submits the chosen
// pointer and reports staleness; backing is consulted on a hole/miss
// slice or, when s.Flags has [FlagRecoverable], on a hard I/O error.
func (s *Search) RunRead(ctx context.Context, bypass BypassRequest, it *btree.Iterator, lookup btree.DeviceLookup, src ExtentSource, ins PlaceholderInserter, reader CacheReader, backing BackingDevice) error {
	defer s.Closer.Put()

	s.State = StateBypassCheck

	bypassed, _ := CheckShouldBypass(bypass, nil)
	if bypassed {
		s.Flags |= FlagBypass
	}

	s.State = StateRead

	for {
		plan, err := RunReadPath(ctx, it, s.End, lookup, src, ins, s.Flags.has(FlagBypass))
		if err != nil {
			return s.fail(err)
		}

		if plan.ReadDirtyData {
			s.Flags |= FlagReadDirtyData
		}

		var staleAt *btree.Key

		for _, step := range plan.Steps {
			if !step.Usable {
				s.Flags |= FlagCacheMiss

				if backing != nil {
					if berr := backing.ReadAt(ctx, s.Inode, step.Key.Start(), step.Key.Size); berr != nil {
						return s.fail(berr)
					}
				}

				continue
			}

			if reader == nil {
				continue
			}

			stale, rerr := reader.ReadPointer(ctx, step.Ptr)
			if rerr != nil {
				if s.Flags.has(FlagRecoverable) && backing != nil {
					if berr := backing.ReadAt(ctx, s.Inode, step.Key.Start(), step.Key.Size); berr != nil {
						return s.fail(berr)
					}

					continue
				}

				return s.fail(rerr)
			}

			if stale {
				key := step.Key
				staleAt = &key

				break
			}
		}

		if staleAt == nil {
			break
		}

		s.State = StateRetryStale
		s.staleRetries++

		if s.staleRetries > maxStaleRetries {
			return s.fail(errors.New("pipeline: exceeded stale-retry budget"))
		}

		// Re-enter the iterator at the stale extent's own position (spec.md
		// §4.5: "re-enters the iterator at the same pos and picks again"),
		// not wherever RunReadPath's single pass over the whole range left
		// it - that pass already advanced past the stale key.
		it.Init(btree.Key{Inode: s.Inode, Offset: staleAt.Start()}, it.LocksWant())

		if terr := it.Traverse(ctx); terr != nil {
			return s.fail(terr)
		}

		s.State = StateRead
	}

	s.State = StateComplete
	s.Ended = time.Now()

	return nil
}

// RunWrite drives the write half of the state machine: bypass_check via
// [DecideWrite] (which itself consults the writeback keybuf overlap),
// then dispatches to backing and/or the write executor per the chosen
// disposition, holding wb shared for the duration per spec.md §4.6's
// "Under a per-device writeback_lock (shared)".
func (s *Search) RunWrite(ctx context.Context, wb *WritebackLock, kb *keybuf.Keybuf, req WriteRequest, backing BackingDevice, exec WriteExecutor) (WriteDecision, error) {
	defer s.Closer.Put()

	s.Flags |= FlagWrite
	s.State = StateBypassCheck

	if wb != nil {
		wb.RLock()
		defer wb.RUnlock()
	}

	decision := DecideWrite(kb, req)

	s.State = StateWrite

	switch decision.Disposition {
	case DispositionBypass:
		s.Flags |= FlagBypass

		if backing != nil {
			if err := backing.WriteAt(ctx, s.Inode, s.Start, uint32(s.End-s.Start)); err != nil {
				return decision, s.fail(err)
			}
		}
	case DispositionWriteback:
		if exec != nil {
			if err := exec.ExecuteWrite(ctx, s.Inode, s.Start, s.End, decision.Flags); err != nil {
				return decision, s.fail(err)
			}
		}

		if decision.Flags&FlagFlush != 0 && backing != nil {
			if err := backing.WriteAt(ctx, s.Inode, s.Start, 0); err != nil {
				return decision, s.fail(err)
			}
		}
	case DispositionWritethrough:
		if backing != nil {
			if err := backing.WriteAt(ctx, s.Inode, s.Start, uint32(s.End-s.Start)); err != nil {
				return decision, s.fail(err)
			}
		}

		if exec != nil {
			if err := exec.ExecuteWrite(ctx, s.Inode, s.Start, s.End, decision.Flags); err != nil {
				return decision, s.fail(err)
			}
		}
	}

	s.State = StateComplete
	s.Ended = time.Now()

	return decision, nil
}

func (s *Search) fail(err error) error {
	s.State = StateError
	s.Err = err
	s.Ended = time.Now()

	return err
}
