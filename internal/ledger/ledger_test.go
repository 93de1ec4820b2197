package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/jaywantadh/resumable/internal/apperr"
	"github.com/jaywantadh/resumable/internal/metadata"
	"github.com/jaywantadh/resumable/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// memBackend is an in-memory storage.Backend that records every write.
type memBackend struct {
	mu      sync.Mutex
	objects map[string]*memObject
	writes  map[string][]int64
}

type memObject struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

func newMemBackend() *memBackend {
	return &memBackend{objects: make(map[string]*memObject), writes: make(map[string][]int64)}
}

type memHandle struct {
	b    *memBackend
	name string
	obj  *memObject
}

func (b *memBackend) Open(name string) (storage.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[name]
	if !ok {
		obj = &memObject{}
		b.objects[name] = obj
	}
	obj.closed = false
	return &memHandle{b: b, name: name, obj: obj}, nil
}

func (b *memBackend) Remove(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, name)
	return nil
}

func (b *memBackend) data(name string) []byte {
	b.mu.Lock()
	obj, ok := b.objects[name]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return append([]byte(nil), obj.data...)
}

func (b *memBackend) writeOffsets(name string) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.writes[name]...)
}

func (h *memHandle) WriteAt(p []byte, off int64) (int, error) {
	h.obj.mu.Lock()
	defer h.obj.mu.Unlock()
	if h.obj.closed {
		return 0, errors.New("write on closed handle")
	}
	if need := int(off) + len(p); need > len(h.obj.data) {
		h.obj.data = append(h.obj.data, make([]byte, need-len(h.obj.data))...)
	}
	copy(h.obj.data[off:], p)

	h.b.mu.Lock()
	h.b.writes[h.name] = append(h.b.writes[h.name], off)
	h.b.mu.Unlock()
	return len(p), nil
}

func (h *memHandle) Close() error {
	h.obj.mu.Lock()
	defer h.obj.mu.Unlock()
	h.obj.closed = true
	return nil
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func randomBytes(n int, seed int64) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func TestContiguousReplay(t *testing.T) {
	backend := newMemBackend()
	l := New(backend, WithLogger(quietLogger()))

	data := randomBytes(10_000, 1)
	n, err := l.Open(OpenRequest{ID: "u1", FileName: "a.bin", TotalSize: uint64(len(data)), ChunkSize: 1000})
	require.NoError(t, err)
	require.Zero(t, n)

	var sum uint64
	for off := 0; off < len(data); {
		size := 1 + rand.Intn(1500)
		if off+size > len(data) {
			size = len(data) - off
		}
		got, err := l.AppendAt("u1", uint64(off), data[off:off+size])
		require.NoError(t, err)
		sum += uint64(size)
		require.Equal(t, sum, got)
		off += size
	}

	require.Equal(t, uint64(len(data)), sum)
	require.Equal(t, data, backend.data("u1"))
	require.NoError(t, l.Finalize("u1", ""))
}

func TestDuplicateChunkIsIdempotent(t *testing.T) {
	backend := newMemBackend()
	l := New(backend, WithLogger(quietLogger()))
	_, err := l.Open(OpenRequest{ID: "u1", TotalSize: 300, ChunkSize: 100})
	require.NoError(t, err)

	first := bytes.Repeat([]byte{1}, 100)
	second := bytes.Repeat([]byte{2}, 100)
	_, err = l.AppendAt("u1", 0, first)
	require.NoError(t, err)
	_, err = l.AppendAt("u1", 100, second)
	require.NoError(t, err)

	// Resending chunk 0 with different bytes must not touch storage.
	got, err := l.AppendAt("u1", 0, bytes.Repeat([]byte{9}, 100))
	require.NoError(t, err)
	require.Equal(t, uint64(200), got)
	require.Equal(t, append(first, second...), backend.data("u1"))
	require.Equal(t, []int64{0, 100}, backend.writeOffsets("u1"))
}

func TestGapIsRejectedWithoutMutation(t *testing.T) {
	backend := newMemBackend()
	l := New(backend, WithLogger(quietLogger()))
	_, err := l.Open(OpenRequest{ID: "u1", TotalSize: 300, ChunkSize: 100})
	require.NoError(t, err)
	_, err = l.AppendAt("u1", 0, make([]byte, 100))
	require.NoError(t, err)

	got, err := l.AppendAt("u1", 200, make([]byte, 100))
	require.ErrorIs(t, err, apperr.ErrGap)
	var gap *apperr.GapError
	require.True(t, errors.As(err, &gap))
	require.Equal(t, uint64(100), gap.Expected)
	require.Equal(t, uint64(100), got)

	st, err := l.Status("u1")
	require.NoError(t, err)
	require.Equal(t, uint64(100), st.BytesReceived)
	require.Equal(t, []int64{0}, backend.writeOffsets("u1"))
}

func TestChunkBeyondTotalSize(t *testing.T) {
	l := New(newMemBackend(), WithLogger(quietLogger()))
	_, err := l.Open(OpenRequest{ID: "u1", TotalSize: 150, ChunkSize: 100})
	require.NoError(t, err)
	_, err = l.AppendAt("u1", 0, make([]byte, 100))
	require.NoError(t, err)

	_, err = l.AppendAt("u1", 100, make([]byte, 100))
	require.ErrorIs(t, err, apperr.ErrProtocolViolation)

	_, err = l.AppendAt("missing", 0, []byte{1})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOpenIsIdempotentAndResumes(t *testing.T) {
	backend := newMemBackend()
	l := New(backend, WithLogger(quietLogger()))
	req := OpenRequest{ID: "u1", FileName: "a.bin", TotalSize: 200, ChunkSize: 100}

	_, err := l.Open(req)
	require.NoError(t, err)
	_, err = l.AppendAt("u1", 0, bytes.Repeat([]byte{7}, 100))
	require.NoError(t, err)

	n, err := l.Open(req)
	require.NoError(t, err)
	require.Equal(t, uint64(100), n)
	require.Len(t, backend.data("u1"), 100, "reopen must not truncate")

	_, err = l.Open(OpenRequest{ID: "u1", TotalSize: 200, ChunkSize: 50})
	require.ErrorIs(t, err, apperr.ErrProtocolViolation)
	_, err = l.Open(OpenRequest{ID: "u1", TotalSize: 300, ChunkSize: 100})
	require.ErrorIs(t, err, apperr.ErrProtocolViolation)
}

func TestFinalizeGuard(t *testing.T) {
	backend := newMemBackend()
	l := New(backend, WithLogger(quietLogger()))
	_, err := l.Open(OpenRequest{ID: "u1", TotalSize: 200, ChunkSize: 100})
	require.NoError(t, err)
	_, err = l.AppendAt("u1", 0, make([]byte, 100))
	require.NoError(t, err)

	err = l.Finalize("u1", "")
	require.ErrorIs(t, err, apperr.ErrIncompleteFinalize)
	// Still writable: no storage mutation happened.
	_, err = l.AppendAt("u1", 100, make([]byte, 100))
	require.NoError(t, err)

	require.NoError(t, l.Finalize("u1", ""))
	require.ErrorIs(t, l.Finalize("u1", ""), ErrAlreadyFinalized)

	_, err = l.AppendAt("u1", 0, make([]byte, 100))
	require.ErrorIs(t, err, ErrFinalized)

	n, err := l.Open(OpenRequest{ID: "u1", TotalSize: 200, ChunkSize: 100})
	require.NoError(t, err)
	require.Equal(t, uint64(200), n)
}

func TestFinalizeVerifiesDigest(t *testing.T) {
	dir := t.TempDir()
	local, err := storage.NewLocalStorage(dir)
	require.NoError(t, err)
	l := New(local, WithLogger(quietLogger()))

	_, err = l.Open(OpenRequest{ID: "u1", TotalSize: 3, ChunkSize: 3})
	require.NoError(t, err)
	_, err = l.AppendAt("u1", 0, []byte("abc"))
	require.NoError(t, err)

	require.ErrorIs(t, l.Finalize("u1", "deadbeef"), apperr.ErrProtocolViolation)

	want, err := local.Digest("u1")
	require.NoError(t, err)
	require.NoError(t, l.Finalize("u1", want))
}

func TestCapacityLimits(t *testing.T) {
	l := New(newMemBackend(), WithLogger(quietLogger()), WithMaxUploadSize(1000), WithMaxRecords(1))

	_, err := l.Open(OpenRequest{ID: "big", TotalSize: 1001, ChunkSize: 100})
	require.ErrorIs(t, err, apperr.ErrCapacityExceeded)

	_, err = l.Open(OpenRequest{ID: "u1", TotalSize: 100, ChunkSize: 100})
	require.NoError(t, err)
	_, err = l.Open(OpenRequest{ID: "u2", TotalSize: 100, ChunkSize: 100})
	require.ErrorIs(t, err, apperr.ErrCapacityExceeded)
	require.Equal(t, 1, l.Len())
}

func TestEvictStaleRespectsLeases(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	backend := newMemBackend()
	l := New(backend, WithLogger(quietLogger()), WithClock(clock))

	for _, id := range []string{"idle", "leased", "fresh"} {
		_, err := l.Open(OpenRequest{ID: id, TotalSize: 100, ChunkSize: 100})
		require.NoError(t, err)
		_, err = l.AppendAt(id, 0, make([]byte, 50))
		require.NoError(t, err)
	}
	release, err := l.Acquire("leased")
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	_, err = l.AppendAt("fresh", 50, make([]byte, 10))
	require.NoError(t, err)

	evicted := l.EvictStale(5 * time.Minute)
	require.Equal(t, []string{"idle"}, evicted)
	_, err = l.Status("idle")
	require.ErrorIs(t, err, ErrNotFound)
	require.Nil(t, backend.data("idle"), "partial data is removed")

	st, err := l.Status("leased")
	require.NoError(t, err)
	require.Equal(t, 1, st.Leases)

	release()
	release()
	now = now.Add(10 * time.Minute)
	evicted = l.EvictStale(5 * time.Minute)
	require.ElementsMatch(t, []string{"leased", "fresh"}, evicted)
	require.Zero(t, l.Len())

	// An evicted id starts over from zero.
	n, err := l.Open(OpenRequest{ID: "idle", TotalSize: 100, ChunkSize: 100})
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestConcurrentUploads(t *testing.T) {
	backend := newMemBackend()
	l := New(backend, WithLogger(quietLogger()))

	const uploads = 16
	const size = 64 * 1024
	var wg sync.WaitGroup
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("upload-%d", i)
			data := randomBytes(size, int64(i))
			if _, err := l.Open(OpenRequest{ID: id, TotalSize: size, ChunkSize: 4096}); err != nil {
				t.Error(err)
				return
			}
			for off := 0; off < size; off += 4096 {
				if _, err := l.AppendAt(id, uint64(off), data[off:off+4096]); err != nil {
					t.Error(err)
					return
				}
			}
			if err := l.Finalize(id, ""); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < uploads; i++ {
		id := fmt.Sprintf("upload-%d", i)
		require.Equal(t, randomBytes(size, int64(i)), backend.data(id))
	}
}

func TestCompetingAttemptsSameID(t *testing.T) {
	backend := newMemBackend()
	l := New(backend, WithLogger(quietLogger()))
	data := randomBytes(100*100, 3)
	_, err := l.Open(OpenRequest{ID: "u1", TotalSize: uint64(len(data)), ChunkSize: 100})
	require.NoError(t, err)

	// Two senders race over the same id; contiguity keeps the result exact.
	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var off uint64
			for off < uint64(len(data)) {
				n, err := l.AppendAt("u1", off, data[off:off+100])
				if err != nil && !errors.Is(err, apperr.ErrGap) {
					t.Error(err)
					return
				}
				off = n
			}
		}()
	}
	wg.Wait()

	require.Equal(t, data, backend.data("u1"))
	require.Len(t, backend.writeOffsets("u1"), 100, "every chunk written exactly once")
}

func TestRestoreFromStore(t *testing.T) {
	store, err := metadata.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	backend := newMemBackend()
	first := New(backend, WithLogger(quietLogger()), WithStore(store))
	_, err = first.Open(OpenRequest{ID: "u1", FileName: "a.bin", TotalSize: 200, ChunkSize: 100})
	require.NoError(t, err)
	_, err = first.AppendAt("u1", 0, bytes.Repeat([]byte{5}, 100))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := New(backend, WithLogger(quietLogger()), WithStore(store))
	n, err := second.Restore()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	resumed, err := second.Open(OpenRequest{ID: "u1", FileName: "a.bin", TotalSize: 200, ChunkSize: 100})
	require.NoError(t, err)
	require.Equal(t, uint64(100), resumed)

	_, err = second.AppendAt("u1", 100, bytes.Repeat([]byte{6}, 100))
	require.NoError(t, err)
	require.NoError(t, second.Finalize("u1", ""))

	meta, err := store.GetUpload("u1")
	require.NoError(t, err)
	require.True(t, meta.Finalized)
	require.Equal(t, uint64(200), meta.BytesReceived)
}

// gatedBackend parks Open or WriteAt for one object until gate is closed.
type gatedBackend struct {
	*memBackend
	blockOpen  string
	blockWrite string
	entered    chan struct{}
	gate       chan struct{}
}

func newGatedBackend() *gatedBackend {
	return &gatedBackend{
		memBackend: newMemBackend(),
		entered:    make(chan struct{}, 1),
		gate:       make(chan struct{}),
	}
}

func (b *gatedBackend) Open(name string) (storage.Handle, error) {
	if name == b.blockOpen {
		b.entered <- struct{}{}
		<-b.gate
	}
	h, err := b.memBackend.Open(name)
	if err != nil {
		return nil, err
	}
	if name == b.blockWrite {
		return &gatedHandle{Handle: h, b: b}, nil
	}
	return h, nil
}

type gatedHandle struct {
	storage.Handle
	b *gatedBackend
}

func (h *gatedHandle) WriteAt(p []byte, off int64) (int, error) {
	h.b.entered <- struct{}{}
	<-h.b.gate
	return h.Handle.WriteAt(p, off)
}

// sameShardID returns an id other than id that hashes to the same shard.
func sameShardID(t *testing.T, l *Ledger, id string) string {
	t.Helper()
	for i := 0; i < 10_000; i++ {
		candidate := fmt.Sprintf("upload-b-%d", i)
		if l.shardFor(candidate) == l.shardFor(id) {
			return candidate
		}
	}
	t.Fatalf("no id shares a shard with %q", id)
	return ""
}

func within(t *testing.T, d time.Duration, what string, fn func() error) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		require.NoError(t, err, what)
	case <-time.After(d):
		t.Fatalf("%s stalled", what)
	}
}

func TestSlowWriteDoesNotStallShard(t *testing.T) {
	backend := newGatedBackend()
	backend.blockWrite = "upload-a"
	l := New(backend, WithLogger(quietLogger()))
	other := sameShardID(t, l, "upload-a")

	for _, id := range []string{"upload-a", other} {
		_, err := l.Open(OpenRequest{ID: id, TotalSize: 20, ChunkSize: 10})
		require.NoError(t, err)
	}

	writeDone := make(chan error, 1)
	go func() {
		_, err := l.AppendAt("upload-a", 0, make([]byte, 10))
		writeDone <- err
	}()
	<-backend.entered

	within(t, 2*time.Second, "eviction pass", func() error {
		if evicted := l.EvictStale(time.Hour); len(evicted) > 0 {
			return fmt.Errorf("unexpected eviction of %v", evicted)
		}
		return nil
	})
	within(t, 2*time.Second, "append on "+other, func() error {
		_, err := l.AppendAt(other, 0, make([]byte, 10))
		return err
	})

	close(backend.gate)
	require.NoError(t, <-writeDone)

	st, err := l.Status("upload-a")
	require.NoError(t, err)
	require.Equal(t, uint64(10), st.BytesReceived)
}

func TestSlowOpenDoesNotStallShard(t *testing.T) {
	backend := newGatedBackend()
	backend.blockOpen = "upload-a"
	l := New(backend, WithLogger(quietLogger()))
	other := sameShardID(t, l, "upload-a")

	openDone := make(chan error, 1)
	go func() {
		_, err := l.Open(OpenRequest{ID: "upload-a", TotalSize: 20, ChunkSize: 10})
		openDone <- err
	}()
	<-backend.entered

	within(t, 2*time.Second, "open of "+other, func() error {
		_, err := l.Open(OpenRequest{ID: other, TotalSize: 20, ChunkSize: 10})
		return err
	})

	close(backend.gate)
	require.NoError(t, <-openDone)
	n, err := l.Open(OpenRequest{ID: "upload-a", TotalSize: 20, ChunkSize: 10})
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestFinalizedUploadsReleaseCapacity(t *testing.T) {
	store, err := metadata.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	backend := newMemBackend()
	first := New(backend, WithLogger(quietLogger()), WithStore(store), WithMaxRecords(2), WithClock(clock))

	for _, id := range []string{"done-1", "done-2"} {
		_, err := first.Open(OpenRequest{ID: id, TotalSize: 10, ChunkSize: 10})
		require.NoError(t, err)
		_, err = first.AppendAt(id, 0, make([]byte, 10))
		require.NoError(t, err)
		require.NoError(t, first.Finalize(id, ""))
	}
	require.Zero(t, first.Len())

	_, err = first.Open(OpenRequest{ID: "partial", TotalSize: 20, ChunkSize: 10})
	require.NoError(t, err, "finalized uploads do not hold capacity")
	_, err = first.AppendAt("partial", 0, make([]byte, 10))
	require.NoError(t, err)

	now = now.Add(time.Hour)
	_, err = first.Open(OpenRequest{ID: "partial", TotalSize: 20, ChunkSize: 10})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"done-1", "done-2"}, first.EvictStale(30*time.Minute))
	require.Len(t, backend.data("done-1"), 10, "finalized data is kept")
	_, err = store.GetUpload("done-1")
	require.ErrorIs(t, err, metadata.ErrNotFound)
	require.NoError(t, first.Close())

	second := New(backend, WithLogger(quietLogger()), WithStore(store), WithMaxRecords(2), WithClock(clock))
	n, err := second.Restore()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, second.Len())

	_, err = second.Open(OpenRequest{ID: "fresh", TotalSize: 10, ChunkSize: 10})
	require.NoError(t, err)
	_, err = second.Open(OpenRequest{ID: "one-too-many", TotalSize: 10, ChunkSize: 10})
	require.ErrorIs(t, err, apperr.ErrCapacityExceeded)
}
