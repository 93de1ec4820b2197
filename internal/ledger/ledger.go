// Package ledger is the server-side record of how many bytes of each upload
// have been committed. Only chunks that start exactly at the committed
// offset are written, so BytesReceived is always a true prefix length.
package ledger

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"syscall"
	"time"

	"github.com/jaywantadh/resumable/internal/apperr"
	"github.com/jaywantadh/resumable/internal/metadata"
	"github.com/jaywantadh/resumable/internal/storage"
	"github.com/sirupsen/logrus"
)

const shardCount = 32

var (
	// ErrNotFound is returned for ids the ledger has never seen (or evicted).
	ErrNotFound = errors.New("upload not found")
	// ErrAlreadyFinalized is returned by Finalize on an immutable record.
	ErrAlreadyFinalized = errors.New("upload already finalized")
	// ErrFinalized is returned by AppendAt on an immutable record.
	ErrFinalized = apperr.New(apperr.KindProtocol, "append", "upload already finalized", nil)
)

// OpenRequest describes the upload a client announced with start.
type OpenRequest struct {
	ID        string
	FileName  string
	TotalSize uint64
	ChunkSize uint64
}

// Status is a point-in-time snapshot of one record.
type Status struct {
	ID             string
	FileName       string
	TotalSize      uint64
	BytesReceived  uint64
	ChunkSize      uint64
	Finalized      bool
	Leases         int
	CreatedAt      time.Time
	LastActivityAt time.Time
}

type record struct {
	mu sync.Mutex

	id             string
	fileName       string
	totalSize      uint64
	bytesReceived  uint64
	chunkSize      uint64
	handle         storage.Handle
	finalized      bool
	evicted        bool
	refs           int
	createdAt      time.Time
	lastActivityAt time.Time
}

type shard struct {
	mu      sync.RWMutex
	records map[string]*record
}

// Ledger maps upload ids to records. Operations on one id are serialized by
// that record's mutex; different ids only share a shard's map lock for the
// lookup.
type Ledger struct {
	shards  [shardCount]shard
	backend storage.Backend
	store   *metadata.MetadataStore
	now     func() time.Time
	logger  logrus.FieldLogger

	maxUploadSize uint64
	maxRecords    int

	countMu sync.Mutex
	count   int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStore persists every record change to a metadata store.
func WithStore(store *metadata.MetadataStore) Option {
	return func(l *Ledger) { l.store = store }
}

// WithMaxUploadSize rejects uploads larger than n bytes. Zero means no limit.
func WithMaxUploadSize(n uint64) Option {
	return func(l *Ledger) { l.maxUploadSize = n }
}

// WithMaxRecords bounds the number of unfinalized records. Zero means no
// limit.
func WithMaxRecords(n int) Option {
	return func(l *Ledger) { l.maxRecords = n }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger for record lifecycle messages.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates an empty Ledger writing through backend.
func New(backend storage.Backend, opts ...Option) *Ledger {
	l := &Ledger{
		backend: backend,
		now:     time.Now,
		logger:  logrus.StandardLogger(),
	}
	for i := range l.shards {
		l.shards[i].records = make(map[string]*record)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &l.shards[h.Sum32()%shardCount]
}

func (l *Ledger) lookup(id string) (*record, bool) {
	sh := l.shardFor(id)
	sh.mu.RLock()
	rec, ok := sh.records[id]
	sh.mu.RUnlock()
	return rec, ok
}

// Open registers an upload or returns the committed offset of a known one.
// Existing data is never truncated.
func (l *Ledger) Open(req OpenRequest) (uint64, error) {
	if req.ID == "" {
		return 0, apperr.Protocol("open", "upload id is required")
	}
	if req.TotalSize == 0 {
		return 0, apperr.Protocol("open", "file size must be positive")
	}
	if req.ChunkSize == 0 {
		return 0, apperr.Protocol("open", "chunk size must be positive")
	}
	if l.maxUploadSize > 0 && req.TotalSize > l.maxUploadSize {
		return 0, apperr.Capacity("open", "file size %d exceeds limit %d", req.TotalSize, l.maxUploadSize)
	}

	for {
		rec, err := l.getOrCreate(req)
		if err != nil {
			return 0, err
		}

		rec.mu.Lock()
		if rec.evicted {
			// Lost a race with EvictStale; start over with a fresh record.
			rec.mu.Unlock()
			continue
		}
		defer rec.mu.Unlock()

		if rec.totalSize != req.TotalSize {
			return 0, apperr.Protocol("open", "file size changed from %d to %d", rec.totalSize, req.TotalSize)
		}
		if rec.chunkSize != req.ChunkSize {
			return 0, apperr.Protocol("open", "chunk size changed from %d to %d", rec.chunkSize, req.ChunkSize)
		}
		rec.lastActivityAt = l.now()
		return rec.bytesReceived, nil
	}
}

// getOrCreate returns the record for req.ID, creating it when unknown. The
// storage open and the first persist run outside the shard lock; the new
// record's mutex is held until it is persisted, so concurrent openers of the
// same id wait for it while other ids in the shard are unaffected.
func (l *Ledger) getOrCreate(req OpenRequest) (*record, error) {
	if rec, ok := l.lookup(req.ID); ok {
		return rec, nil
	}

	if !l.reserve() {
		return nil, apperr.Capacity("open", "too many active uploads (limit %d)", l.maxRecords)
	}

	handle, err := l.backend.Open(req.ID)
	if err != nil {
		l.unreserve()
		return nil, classifyStorage("open", err)
	}

	now := l.now()
	rec := &record{
		id:             req.ID,
		fileName:       req.FileName,
		totalSize:      req.TotalSize,
		chunkSize:      req.ChunkSize,
		handle:         handle,
		createdAt:      now,
		lastActivityAt: now,
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	sh := l.shardFor(req.ID)
	sh.mu.Lock()
	if existing, ok := sh.records[req.ID]; ok {
		sh.mu.Unlock()
		handle.Close()
		l.unreserve()
		return existing, nil
	}
	sh.records[req.ID] = rec
	sh.mu.Unlock()

	if err := l.persist(rec); err != nil {
		sh.mu.Lock()
		delete(sh.records, req.ID)
		sh.mu.Unlock()
		rec.evicted = true
		rec.handle = nil
		handle.Close()
		l.unreserve()
		return nil, err
	}

	l.logger.WithFields(logrus.Fields{
		"upload_id":  req.ID,
		"file_name":  req.FileName,
		"total_size": req.TotalSize,
	}).Info("Started receiving upload")
	return rec, nil
}

func (l *Ledger) reserve() bool {
	l.countMu.Lock()
	defer l.countMu.Unlock()
	if l.maxRecords > 0 && l.count >= l.maxRecords {
		return false
	}
	l.count++
	return true
}

func (l *Ledger) unreserve() {
	l.countMu.Lock()
	l.count--
	l.countMu.Unlock()
}

// AppendAt commits payload at offset. It returns the new committed offset.
// A chunk behind the committed offset is a duplicate and is acknowledged
// without writing; a chunk past it is a *apperr.GapError.
func (l *Ledger) AppendAt(id string, offset uint64, payload []byte) (uint64, error) {
	if len(payload) == 0 {
		return 0, apperr.Protocol("append", "empty chunk")
	}

	rec, ok := l.lookup(id)
	if !ok {
		return 0, ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.evicted {
		return 0, ErrNotFound
	}
	if rec.finalized {
		return rec.bytesReceived, ErrFinalized
	}

	end := offset + uint64(len(payload))
	if end < offset || end > rec.totalSize {
		return rec.bytesReceived, apperr.Protocol("append", "chunk [%d,%d) exceeds file size %d", offset, end, rec.totalSize)
	}

	switch {
	case offset < rec.bytesReceived:
		rec.lastActivityAt = l.now()
		return rec.bytesReceived, nil
	case offset > rec.bytesReceived:
		return rec.bytesReceived, &apperr.GapError{Expected: rec.bytesReceived, Got: offset}
	}

	if rec.handle == nil {
		handle, err := l.backend.Open(rec.id)
		if err != nil {
			return rec.bytesReceived, classifyStorage("append", err)
		}
		rec.handle = handle
	}

	if _, err := rec.handle.WriteAt(payload, int64(offset)); err != nil {
		return rec.bytesReceived, classifyStorage("append", err)
	}

	rec.bytesReceived = end
	rec.lastActivityAt = l.now()
	if err := l.persist(rec); err != nil {
		// The bytes are on disk; a restart would only re-request them.
		l.logger.WithError(err).WithField("upload_id", id).Warn("Failed to persist upload progress")
	}
	return rec.bytesReceived, nil
}

// Finalize closes the record once every byte is committed. When digest is
// non-empty and the backend can hash objects, the stored bytes must match.
func (l *Ledger) Finalize(id, digest string) error {
	rec, ok := l.lookup(id)
	if !ok {
		return ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.evicted {
		return ErrNotFound
	}
	if rec.finalized {
		return ErrAlreadyFinalized
	}
	if rec.bytesReceived < rec.totalSize {
		return &apperr.IncompleteError{BytesReceived: rec.bytesReceived, TotalSize: rec.totalSize}
	}

	if rec.handle != nil {
		if err := rec.handle.Close(); err != nil {
			return classifyStorage("finalize", err)
		}
		rec.handle = nil
	}

	if digest != "" {
		if d, ok := l.backend.(storage.Digester); ok {
			got, err := d.Digest(rec.id)
			if err != nil {
				return fmt.Errorf("finalize: %w", err)
			}
			if got != digest {
				return apperr.Protocol("finalize", "digest mismatch: client %s, stored %s", digest, got)
			}
		}
	}

	rec.finalized = true
	rec.lastActivityAt = l.now()
	// Finished uploads no longer count toward MaxRecords.
	l.unreserve()
	if err := l.persist(rec); err != nil {
		l.logger.WithError(err).WithField("upload_id", id).Warn("Failed to persist finalized upload")
	}

	l.logger.WithFields(logrus.Fields{
		"upload_id":  id,
		"file_name":  rec.fileName,
		"total_size": rec.totalSize,
	}).Info("File upload completed")
	return nil
}

// Acquire takes an activity lease on id. While any lease is held the record
// is never evicted. The returned release func is idempotent.
func (l *Ledger) Acquire(id string) (release func(), err error) {
	rec, ok := l.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}

	rec.mu.Lock()
	if rec.evicted {
		rec.mu.Unlock()
		return nil, ErrNotFound
	}
	rec.refs++
	rec.lastActivityAt = l.now()
	rec.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			rec.mu.Lock()
			rec.refs--
			rec.lastActivityAt = l.now()
			rec.mu.Unlock()
		})
	}, nil
}

// Status returns a snapshot of id.
func (l *Ledger) Status(id string) (Status, error) {
	rec, ok := l.lookup(id)
	if !ok {
		return Status{}, ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.evicted {
		return Status{}, ErrNotFound
	}
	return rec.status(), nil
}

func (r *record) status() Status {
	return Status{
		ID:             r.id,
		FileName:       r.fileName,
		TotalSize:      r.totalSize,
		BytesReceived:  r.bytesReceived,
		ChunkSize:      r.chunkSize,
		Finalized:      r.finalized,
		Leases:         r.refs,
		CreatedAt:      r.createdAt,
		LastActivityAt: r.lastActivityAt,
	}
}

// EvictStale removes records idle for longer than maxIdle and returns their
// ids. Leased or busy records are skipped. Unfinished uploads lose their
// partial data; finalized uploads keep their data but leave both the registry
// and the metadata store.
func (l *Ledger) EvictStale(maxIdle time.Duration) []string {
	cutoff := l.now().Add(-maxIdle)
	var evicted []string

	for i := range l.shards {
		sh := &l.shards[i]

		sh.mu.RLock()
		candidates := make([]*record, 0, len(sh.records))
		for _, rec := range sh.records {
			candidates = append(candidates, rec)
		}
		sh.mu.RUnlock()

		for _, rec := range candidates {
			if l.evict(sh, rec, cutoff) {
				evicted = append(evicted, rec.id)
			}
		}
	}
	return evicted
}

func (l *Ledger) evict(sh *shard, rec *record, cutoff time.Time) bool {
	// A record whose mutex is held is in use, so it is not idle.
	if !rec.mu.TryLock() {
		return false
	}
	defer rec.mu.Unlock()

	if rec.evicted || rec.refs > 0 || !rec.lastActivityAt.Before(cutoff) {
		return false
	}

	fields := logrus.Fields{"upload_id": rec.id, "bytes_received": rec.bytesReceived, "finalized": rec.finalized}
	if rec.handle != nil {
		if err := rec.handle.Close(); err != nil {
			l.logger.WithFields(fields).WithError(err).Warn("Failed to close evicted upload")
		}
		rec.handle = nil
	}
	if !rec.finalized {
		if err := l.backend.Remove(rec.id); err != nil {
			l.logger.WithFields(fields).WithError(err).Warn("Failed to remove evicted upload data")
		}
	}
	if l.store != nil {
		if err := l.store.DeleteUpload(rec.id); err != nil {
			l.logger.WithFields(fields).WithError(err).Warn("Failed to delete evicted upload metadata")
		}
	}

	sh.mu.Lock()
	if sh.records[rec.id] == rec {
		delete(sh.records, rec.id)
	}
	sh.mu.Unlock()

	rec.evicted = true
	if !rec.finalized {
		l.unreserve()
	}
	l.logger.WithFields(fields).Info("Evicted stale upload")
	return true
}

// Close releases every open storage handle. Records stay persisted.
func (l *Ledger) Close() error {
	var firstErr error
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.RLock()
		recs := make([]*record, 0, len(sh.records))
		for _, rec := range sh.records {
			recs = append(recs, rec)
		}
		sh.mu.RUnlock()

		for _, rec := range recs {
			rec.mu.Lock()
			if rec.handle != nil {
				if err := rec.handle.Close(); err != nil && firstErr == nil {
					firstErr = err
				}
				rec.handle = nil
			}
			rec.mu.Unlock()
		}
	}
	return firstErr
}

// classifyStorage maps a full disk to CapacityExceeded and leaves other
// storage failures as plain wrapped errors.
func classifyStorage(op string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return apperr.New(apperr.KindCapacity, op, "storage full", err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
