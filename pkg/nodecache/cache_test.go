package nodecache_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tierengine/tierengine/pkg/bucket"
	"github.com/tierengine/tierengine/pkg/nodecache"
	"github.com/tierengine/tierengine/pkg/sixlock"
)

type fakeReader struct {
	mu    sync.Mutex
	calls int
	data  map[bucket.Pointer][]byte
	err   error
}

func newFakeReader() *fakeReader {
	return &fakeReader{data: make(map[bucket.Pointer][]byte)}
}

func (f *fakeReader) ReadNode(_ context.Context, ptr bucket.Pointer, _ uint8) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++

	if f.err != nil {
		return nil, f.err
	}

	if d, ok := f.data[ptr]; ok {
		return d, nil
	}

	return []byte("node-data"), nil
}

func TestGetFillsOnMissAndReturnsReadLocked(t *testing.T) {
	r := newFakeReader()
	c := nodecache.NewCache(r, nil, 0)

	ptr := bucket.Pointer{Device: 1, BucketIndex: 2}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := c.Get(ctx, ptr, 0, sixlock.Read, false, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if string(n.Data) != "node-data" {
		t.Fatalf("Data = %q, want %q", n.Data, "node-data")
	}

	if n.Lock.Readers() != 1 {
		t.Fatalf("Readers = %d, want 1", n.Lock.Readers())
	}

	n.Lock.Unlock(sixlock.Read)
}

func TestGetSecondCallHitsHashTableNotReader(t *testing.T) {
	r := newFakeReader()
	c := nodecache.NewCache(r, nil, 0)

	ptr := bucket.Pointer{Device: 1, BucketIndex: 2}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n1, err := c.Get(ctx, ptr, 0, sixlock.Read, false, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	n1.Lock.Unlock(sixlock.Read)

	n2, err := c.Get(ctx, ptr, 0, sixlock.Read, false, nil)
	if err != nil {
		t.Fatalf("Get (2nd): %v", err)
	}

	n2.Lock.Unlock(sixlock.Read)

	if r.calls != 1 {
		t.Fatalf("reader called %d times, want 1 (second Get should hit cache)", r.calls)
	}
}

func TestGetReturnsRetryOnLevelMismatch(t *testing.T) {
	r := newFakeReader()
	c := nodecache.NewCache(r, nil, 0)

	ptr := bucket.Pointer{Device: 1, BucketIndex: 2}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n1, err := c.Get(ctx, ptr, 0, sixlock.Read, false, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	n1.Lock.Unlock(sixlock.Read)

	_, err = c.Get(ctx, ptr, 1, sixlock.Read, false, nil)
	if err != nodecache.ErrRetry {
		t.Fatalf("Get with wrong level = %v, want ErrRetry", err)
	}
}

func TestFillConcurrentRaceSecondCallerGetsRetry(t *testing.T) {
	r := newFakeReader()
	c := nodecache.NewCache(r, nil, 0)

	ptr := bucket.Pointer{Device: 9, BucketIndex: 1}

	// Manually pre-populate the hash table with a node to simulate a
	// fill that already raced ahead, then call Fill directly.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.Get(ctx, ptr, 0, sixlock.Read, false, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	_, err = c.Fill(ctx, ptr, 0, sixlock.Read, false, nil)
	if err != nodecache.ErrRetry {
		t.Fatalf("Fill on already-hashed key = %v, want ErrRetry", err)
	}
}

func TestFillPropagatesReaderError(t *testing.T) {
	r := newFakeReader()
	r.err = fmt.Errorf("disk error")

	c := nodecache.NewCache(r, nil, 0)

	ptr := bucket.Pointer{Device: 1, BucketIndex: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.Get(ctx, ptr, 0, sixlock.Read, false, nil); err == nil {
		t.Fatal("expected error from reader")
	}

	if _, ok := c.Find(ptr); ok {
		t.Fatal("failed fill should not leave a hashed node behind")
	}
}

func TestFillVerifierRejectsCorruptNode(t *testing.T) {
	r := newFakeReader()
	verify := func(bucket.Pointer, uint8, []byte) error {
		return fmt.Errorf("checksum mismatch")
	}

	c := nodecache.NewCache(r, verify, 0)

	ptr := bucket.Pointer{Device: 1, BucketIndex: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.Get(ctx, ptr, 0, sixlock.Read, false, nil); err == nil {
		t.Fatal("expected verify error to propagate")
	}
}

func TestScanNeverDropsBelowReserve(t *testing.T) {
	r := newFakeReader()
	c := nodecache.NewCache(r, nil, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const n = 10

	for i := uint64(0); i < n; i++ {
		ptr := bucket.Pointer{BucketIndex: i}

		node, err := c.Get(ctx, ptr, 0, sixlock.Read, false, nil)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}

		node.Lock.Unlock(sixlock.Read)
	}

	freed := c.Scan(1000)

	if c.Len() < n-freed {
		t.Fatalf("Len() = %d after freeing %d of %d, accounting mismatch", c.Len(), freed, n)
	}
}

func TestCannibalizeLockExcludesSecondHolder(t *testing.T) {
	r := newFakeReader()
	c := nodecache.NewCache(r, nil, 0)

	if !c.TryCannibalizeLock(1) {
		t.Fatal("first TryCannibalizeLock should succeed")
	}

	if c.TryCannibalizeLock(2) {
		t.Fatal("second TryCannibalizeLock should fail while held")
	}

	c.CannibalizeUnlock()

	if !c.TryCannibalizeLock(2) {
		t.Fatal("TryCannibalizeLock should succeed after unlock")
	}
}

func TestCannibalizeLockBlocksUntilReleased(t *testing.T) {
	r := newFakeReader()
	c := nodecache.NewCache(r, nil, 0)

	if !c.TryCannibalizeLock(1) {
		t.Fatal("first TryCannibalizeLock should succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- c.CannibalizeLock(ctx, 2)
	}()

	time.Sleep(50 * time.Millisecond)
	c.CannibalizeUnlock()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("CannibalizeLock: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CannibalizeLock never returned")
	}
}
