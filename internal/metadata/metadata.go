package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const uploadPrefix = "upload:"

// ErrNotFound is returned when no record exists for an upload id.
var ErrNotFound = errors.New("upload metadata not found")

// UploadMetadata is the persisted form of a ledger record.
type UploadMetadata struct {
	UploadID       string    `json:"upload_id"`
	FileName       string    `json:"file_name"`
	TotalSize      uint64    `json:"total_size"`
	BytesReceived  uint64    `json:"bytes_received"`
	ChunkSize      uint64    `json:"chunk_size"`
	Finalized      bool      `json:"finalized"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// MetadataStore wraps BadgerDB for upload record persistence.
type MetadataStore struct {
	db *badger.DB
}

// OpenMetadataStore opens (or creates) a BadgerDB at the given path.
func OpenMetadataStore(dbPath string) (*MetadataStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

// OpenInMemory opens a BadgerDB that never touches disk.
func OpenInMemory() (*MetadataStore, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory BadgerDB: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

// Close closes the BadgerDB.
func (ms *MetadataStore) Close() error {
	return ms.db.Close()
}

// PutUpload stores upload metadata, replacing any previous value.
func (ms *MetadataStore) PutUpload(meta UploadMetadata) error {
	key := []byte(uploadPrefix + meta.UploadID)
	val, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// GetUpload retrieves upload metadata by id.
func (ms *MetadataStore) GetUpload(uploadID string) (UploadMetadata, error) {
	key := []byte(uploadPrefix + uploadID)
	var meta UploadMetadata
	err := ms.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return meta, ErrNotFound
	}
	return meta, err
}

// DeleteUpload removes upload metadata. Deleting a missing key is not an error.
func (ms *MetadataStore) DeleteUpload(uploadID string) error {
	key := []byte(uploadPrefix + uploadID)
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// ListUploads returns every persisted upload record.
func (ms *MetadataStore) ListUploads() ([]UploadMetadata, error) {
	var out []UploadMetadata
	err := ms.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(uploadPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var meta UploadMetadata
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				return fmt.Errorf("failed to decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, meta)
		}
		return nil
	})
	return out, err
}
