package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/jaywantadh/resumable/internal/channel"
	"github.com/sirupsen/logrus"
)

// ProgressTracker keeps the latest event of every upload seen on a bus and
// logs progress at most once per interval per upload.
type ProgressTracker struct {
	logger   logrus.FieldLogger
	interval time.Duration

	mu        sync.RWMutex
	transfers map[string]*TransferProgress
}

// TransferProgress is the tracker's view of one upload.
type TransferProgress struct {
	UploadID   string
	FileName   string
	State      string
	Last       channel.Event
	StartTime  time.Time
	lastLogged time.Time
}

// NewProgressTracker creates a tracker. Call Attach to feed it.
func NewProgressTracker(logger logrus.FieldLogger, interval time.Duration) *ProgressTracker {
	return &ProgressTracker{
		logger:    logger,
		interval:  interval,
		transfers: make(map[string]*TransferProgress),
	}
}

// Attach subscribes the tracker to bus.
func (pt *ProgressTracker) Attach(bus *channel.Bus) (detach func()) {
	return bus.Subscribe(pt.Observe)
}

// Observe records ev.
func (pt *ProgressTracker) Observe(ev channel.Event) {
	pt.mu.Lock()
	progress, exists := pt.transfers[ev.UploadID]
	if !exists {
		progress = &TransferProgress{UploadID: ev.UploadID, FileName: ev.FileName, StartTime: ev.At}
		pt.transfers[ev.UploadID] = progress
	}
	if ev.Kind == channel.EventState {
		progress.State = ev.State
	}
	progress.Last = ev

	shouldLog := ev.Kind != channel.EventProgress || ev.At.Sub(progress.lastLogged) >= pt.interval
	if shouldLog {
		progress.lastLogged = ev.At
	}
	pt.mu.Unlock()

	if shouldLog && ev.Kind != channel.EventState {
		pt.log(ev)
	}
}

func (pt *ProgressTracker) log(ev channel.Event) {
	snap := ev.Progress
	fields := logrus.Fields{
		"upload_id": ev.UploadID,
		"file_name": ev.FileName,
		"bytes":     fmt.Sprintf("%s/%s", FormatBytes(snap.Bytes), FormatBytes(snap.Total)),
		"progress":  fmt.Sprintf("%.1f%%", snap.Percent),
	}
	if snap.Speed > 0 {
		fields["speed"] = FormatBytes(uint64(snap.Speed)) + "/s"
	}
	if snap.ETAKnown {
		fields["eta"] = FormatDuration(snap.ETA)
	}

	entry := pt.logger.WithFields(fields)
	switch ev.Kind {
	case channel.EventStart:
		entry.Info("Upload started")
	case channel.EventResume:
		entry.WithField("offset", ev.Offset).Info("Upload resumed")
	case channel.EventProgress:
		entry.Info("Upload progress")
	case channel.EventRetrying:
		entry.WithError(ev.Err).WithField("attempt", ev.Attempt).Warn("Upload retrying")
	case channel.EventComplete:
		entry.Info("Upload complete")
	case channel.EventError:
		entry.WithError(ev.Err).Error("Upload failed")
	}
}

// FormatBytes formats bytes into human-readable format
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatDuration formats duration into human-readable format
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	return fmt.Sprintf("%.0fh", d.Hours())
}
