package journal

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/tierengine/tierengine/pkg/fs"
)

// pendingEntry is a metadata record queued for the background writer.
type pendingEntry struct {
	seq      uint64
	payload  []byte
	callback func(error)
}

// Journal is an append-only, fsync-batched metadata log.
//
// Concurrency: MetaAsync is safe for concurrent callers and returns
// immediately after assigning a sequence number. A single background
// goroutine owns the file descriptor and performs all writes and fsyncs,
// so writes to the underlying file are never concurrent with each other.
type Journal struct {
	fsys fs.FS
	path string
	file fs.File

	mu      sync.Mutex
	cond    *sync.Cond
	nextSeq uint64 // next sequence number to assign
	flushed uint64 // highest durably-flushed sequence number
	pending []pendingEntry
	closed  bool
	wake    chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
}

// Open opens or creates the journal file at path and replays any
// previously committed entries through replay, which should apply each
// record to in-memory state (e.g. bucket generation bumps) in sequence
// order. Replay errors are returned as-is; a frame that fails its
// self-check at the tail of the file is treated as a torn write from an
// unclean shutdown and silently dropped (see [readFrames]).
func Open(fsys fs.FS, path string, replay func(seq uint64, payload []byte) error) (*Journal, error) {
	file, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	frames, err := readFrames(file)
	if err != nil {
		_ = file.Close()

		return nil, err
	}

	var maxSeq uint64

	for _, f := range frames {
		if replay != nil {
			if applyErr := replay(f.seq, f.payload); applyErr != nil {
				_ = file.Close()

				return nil, fmt.Errorf("journal: replay seq %d: %w", f.seq, applyErr)
			}
		}

		if f.seq > maxSeq {
			maxSeq = f.seq
		}
	}

	// Truncate any torn tail so future appends start from a clean frame
	// boundary; the clean length is the summed size of the frames kept.
	if err := retruncateToFrames(file, frames); err != nil {
		_ = file.Close()

		return nil, err
	}

	j := &Journal{
		fsys:    fsys,
		path:    path,
		file:    file,
		nextSeq: maxSeq + 1,
		flushed: maxSeq,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	j.cond = sync.NewCond(&j.mu)

	j.wg.Add(1)

	go j.run()

	return j, nil
}

// retruncateToFrames moves the write offset to the end of the last whole
// frame and, when the handle supports Truncate, cuts off any torn tail
// bytes left by a crash mid-append.
func retruncateToFrames(file fs.File, frames []decodedFrame) error {
	var size int64

	for _, f := range frames {
		size += int64(frameHeaderSize + len(f.payload))
	}

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("journal: stat: %w", err)
	}

	if info.Size() == size {
		return nil
	}

	// readFrames may have read past the last whole frame into the torn tail.
	if _, err := file.Seek(size, io.SeekStart); err != nil {
		return fmt.Errorf("journal: seek to frame boundary: %w", err)
	}

	if fd, ok := file.(interface{ Truncate(int64) error }); ok {
		if err := fd.Truncate(size); err != nil {
			return fmt.Errorf("journal: truncate torn tail: %w", err)
		}

		return nil
	}

	// Without Truncate the torn bytes past the write offset stay in the
	// file until future appends overwrite them.
	return nil
}

// MetaAsync enqueues payload for durable append and returns the sequence
// number assigned to it. callback (if non-nil) runs once the entry is
// fsynced, with the error from the flush attempt (nil on success). The
// callback runs on the journal's background goroutine, not inline.
func (j *Journal) MetaAsync(payload []byte, callback func(error)) (uint64, error) {
	cp := make([]byte, len(payload))
	copy(cp, payload)

	j.mu.Lock()

	if j.closed {
		j.mu.Unlock()

		return 0, ErrClosed
	}

	seq := j.nextSeq
	j.nextSeq++
	j.pending = append(j.pending, pendingEntry{seq: seq, payload: cp, callback: callback})
	j.mu.Unlock()

	select {
	case j.wake <- struct{}{}:
	default:
	}

	return seq, nil
}

// FlushSeq blocks until seq is durable (fsynced) or ctx is done.
func (j *Journal) FlushSeq(ctx context.Context, seq uint64) error {
	if seq == 0 {
		return nil
	}

	done := make(chan struct{})

	go func() {
		j.mu.Lock()
		for j.flushed < seq && !j.closed {
			j.cond.Wait()
		}
		j.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		j.mu.Lock()
		flushed, closed := j.flushed, j.closed
		j.mu.Unlock()

		if flushed < seq && closed {
			return fmt.Errorf("journal: closed before seq %d flushed", seq)
		}

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastFlushed returns the highest durably-committed sequence number.
func (j *Journal) LastFlushed() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.flushed
}

// run is the single background writer goroutine: it drains pending
// entries, appends them as self-checking frames, fsyncs once per batch,
// then advances the flushed watermark and fires callbacks.
func (j *Journal) run() {
	defer j.wg.Done()

	for {
		j.mu.Lock()
		for len(j.pending) == 0 && !j.closed {
			j.mu.Unlock()

			select {
			case <-j.wake:
			case <-j.stop:
			}

			j.mu.Lock()
		}

		if len(j.pending) == 0 && j.closed {
			j.mu.Unlock()

			return
		}

		batch := j.pending
		j.pending = nil
		j.mu.Unlock()

		maxSeq := j.appendBatch(batch)

		j.mu.Lock()
		if maxSeq > j.flushed {
			j.flushed = maxSeq
		}
		j.cond.Broadcast()
		j.mu.Unlock()

		for _, e := range batch {
			if e.callback != nil {
				var cbErr error
				if e.seq > maxSeq {
					cbErr = fmt.Errorf("journal: seq %d not flushed", e.seq)
				}

				e.callback(cbErr)
			}
		}
	}
}

// appendBatch writes and fsyncs every entry in batch, returning the
// highest sequence number it successfully flushed.
func (j *Journal) appendBatch(batch []pendingEntry) uint64 {
	var maxSeq uint64

	for _, e := range batch {
		frame := encodeFrame(e.seq, e.payload)

		if _, err := j.file.Write(frame); err != nil {
			// A write error means this and all subsequent entries in the
			// batch cannot be considered durable; stop advancing the
			// watermark here. Callers blocked in FlushSeq for a later seq
			// simply keep waiting, matching "fatal: journal write failure
			// -> fs read-only" in spec.md §4.8.
			break
		}

		maxSeq = e.seq
	}

	if err := j.file.Sync(); err != nil {
		return 0
	}

	// The file's fsync does not make a newly created journal's directory
	// entry durable; sync the parent directory as well.
	dir, err := j.fsys.Open(filepath.Dir(j.path))
	if err != nil {
		return 0
	}

	syncErr := dir.Sync()
	_ = dir.Close()

	if syncErr != nil {
		return 0
	}

	return maxSeq
}

// Close stops the background writer after draining pending entries and
// closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()

	close(j.stop)
	j.wg.Wait()

	j.mu.Lock()
	j.cond.Broadcast()
	j.mu.Unlock()

	return j.file.Close()
}
