package ledger

import (
	"fmt"

	"github.com/jaywantadh/resumable/internal/metadata"
)

func (l *Ledger) persist(rec *record) error {
	if l.store == nil {
		return nil
	}
	err := l.store.PutUpload(metadata.UploadMetadata{
		UploadID:       rec.id,
		FileName:       rec.fileName,
		TotalSize:      rec.totalSize,
		BytesReceived:  rec.bytesReceived,
		ChunkSize:      rec.chunkSize,
		Finalized:      rec.finalized,
		CreatedAt:      rec.createdAt,
		LastActivityAt: rec.lastActivityAt,
	})
	if err != nil {
		return fmt.Errorf("failed to persist upload %s: %w", rec.id, err)
	}
	return nil
}

// Restore loads persisted records into an empty ledger after a restart.
// Storage handles are reopened on the next write. Only unfinalized records
// count toward MaxRecords. Restored records count as
// active from now, so they get a full idle timeout before eviction.
func (l *Ledger) Restore() (int, error) {
	if l.store == nil {
		return 0, nil
	}
	uploads, err := l.store.ListUploads()
	if err != nil {
		return 0, fmt.Errorf("failed to list persisted uploads: %w", err)
	}

	restored := 0
	now := l.now()
	for _, meta := range uploads {
		if meta.BytesReceived > meta.TotalSize {
			l.logger.WithField("upload_id", meta.UploadID).Warn("Skipping corrupt upload record")
			continue
		}

		sh := l.shardFor(meta.UploadID)
		sh.mu.Lock()
		if _, exists := sh.records[meta.UploadID]; exists {
			sh.mu.Unlock()
			continue
		}
		sh.records[meta.UploadID] = &record{
			id:             meta.UploadID,
			fileName:       meta.FileName,
			totalSize:      meta.TotalSize,
			bytesReceived:  meta.BytesReceived,
			chunkSize:      meta.ChunkSize,
			finalized:      meta.Finalized,
			createdAt:      meta.CreatedAt,
			lastActivityAt: now,
		}
		sh.mu.Unlock()

		if !meta.Finalized {
			l.countMu.Lock()
			l.count++
			l.countMu.Unlock()
		}
		restored++
	}

	l.logger.WithField("count", restored).Info("Restored upload ledger")
	return restored, nil
}
