package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/tierengine/tierengine/pkg/btree"
	"github.com/tierengine/tierengine/pkg/bucket"
)

// PlaceholderInserter reserves a promote range in the btree - spec.md
// §4.6's "insert_check_key to reserve the range for the in-flight
// promote" - returning btree.ErrRetry when the iterator must re-peek and
// restart the current slice.
type PlaceholderInserter interface {
	InsertPlaceholder(ctx context.Context, key btree.Key) error
}

// ExtentSource resolves one leaf entry to its candidate device pointers
// and reports whether the data behind them already lives in the fast
// cache tier, as opposed to backing storage or a slower tier (in which
// case a hit still needs a promote).
type ExtentSource interface {
	Pointers(e btree.Entry) (ptrs []bucket.Pointer, cached bool, err error)
}

// ReadStep describes one resolved slice of a read request's range.
type ReadStep struct {
	Key     btree.Key
	Ptr     bucket.Pointer
	Usable  bool // false: hole or all-stale, miss to backing
	Promote bool
}

// ReadPlan is the aggregated outcome of walking a read's extent range.
type ReadPlan struct {
	Steps         []ReadStep
	ReadDirtyData bool // spec.md §4.6: suppresses data-verify when set
}

// RunReadPath implements spec.md §4.6's read path: for each extent
// intersecting [it.Pos(), rangeEnd), pick a usable pointer and flag
// promote when the data came from backing or a higher tier and the
// request isn't bypassing; on a hole or stale-only extent, fall back to
// a backing miss and optionally reserve the range via ins. A Retry from
// ins restarts the current slice without advancing pos.
func RunReadPath(ctx context.Context, it *btree.Iterator, rangeEnd uint64, lookup btree.DeviceLookup, src ExtentSource, ins PlaceholderInserter, bypassing bool) (ReadPlan, error) {
	var plan ReadPlan

	for {
		pos := it.Pos()
		if pos.Offset >= rangeEnd {
			return plan, nil
		}

		e, ok, err := it.Peek()
		if errors.Is(err, btree.ErrRetry) {
			if terr := it.Traverse(ctx); terr != nil {
				return plan, terr
			}

			continue
		}

		if err != nil {
			return plan, err
		}

		if !ok || e.Key.Start() >= rangeEnd {
			if stop, serr := stepHole(ctx, it, pos.Inode, pos.Offset, rangeEnd, ins, &plan); stop {
				return plan, serr
			}

			continue
		}

		if e.Key.Start() > pos.Offset {
			if stop, serr := stepHole(ctx, it, pos.Inode, pos.Offset, e.Key.Start(), ins, &plan); stop {
				return plan, serr
			}

			continue
		}

		if e.Key.Size == 0 {
			return plan, fmt.Errorf("pipeline: zero-size entry at %v", e.Key)
		}

		ptrs, cached, err := src.Pointers(e)
		if err != nil {
			return plan, err
		}

		step := ReadStep{Key: e.Key}

		if len(ptrs) > 0 {
			picked, pickErr := btree.ExtentPickPtr(ptrs, lookup)

			switch {
			case pickErr == nil:
				step.Usable = true
				step.Ptr = picked
				step.Promote = !cached && !bypassing

				if !cached {
					plan.ReadDirtyData = true
				}
			case errors.Is(pickErr, btree.ErrStalePointer):
				step.Usable = false
			default:
				return plan, pickErr
			}
		}

		if !step.Usable && ins != nil {
			insErr := ins.InsertPlaceholder(ctx, e.Key)
			if errors.Is(insErr, btree.ErrRetry) {
				continue
			}

			if insErr != nil {
				return plan, insErr
			}
		}

		plan.Steps = append(plan.Steps, step)

		if aerr := it.Advance(); aerr != nil {
			return plan, aerr
		}

		it.AdvancePos(true, e.Key.Start()+uint64(e.Key.Size))
	}
}

// stepHole appends a hole slice [start, end) on inode to plan, optionally
// reserving it via ins, then moves the iterator's position to end. It
// returns stop=true once the caller should return immediately (on error);
// stop=false means continue the driving loop.
func stepHole(ctx context.Context, it *btree.Iterator, inode, start, end uint64, ins PlaceholderInserter, plan *ReadPlan) (stop bool, err error) {
	key := btree.Key{Inode: inode, Offset: end, Size: uint32(end - start)}

	if ins != nil {
		insErr := ins.InsertPlaceholder(ctx, key)
		if errors.Is(insErr, btree.ErrRetry) {
			return false, nil
		}

		if insErr != nil {
			return true, insErr
		}
	}

	plan.Steps = append(plan.Steps, ReadStep{Key: key})
	it.AdvancePos(true, end)

	return false, nil
}
