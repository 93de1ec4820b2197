// Package speed turns (time, bytes) observations into a trailing-window
// throughput and a remaining-time projection.
package speed

import (
	"errors"
	"time"
)

const (
	DefaultWindow      = 5 * time.Second
	DefaultMinInterval = 50 * time.Millisecond
)

// ErrNonMonotonic is returned when a sample reports fewer bytes than the
// previous one. Callers only ever feed cumulative counters.
var ErrNonMonotonic = errors.New("speed: bytes decreased between samples")

// Sample is one progress observation.
type Sample struct {
	At    time.Time
	Bytes uint64
}

// Snapshot is a read-only view of the estimate.
type Snapshot struct {
	Bytes    uint64        `json:"bytes"`
	Total    uint64        `json:"total"`
	Percent  float64       `json:"percent"`
	Speed    float64       `json:"speed"`
	ETA      time.Duration `json:"eta"`
	ETAKnown bool          `json:"eta_known"`
}

// Estimator keeps a short rolling window of samples. It is not safe for
// concurrent use; each transfer owns its own estimator.
type Estimator struct {
	window      time.Duration
	minInterval time.Duration
	samples     []Sample
	latest      uint64
	seen        bool
}

// New creates an Estimator. Zero values select the defaults.
func New(window, minInterval time.Duration) *Estimator {
	if window <= 0 {
		window = DefaultWindow
	}
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &Estimator{window: window, minInterval: minInterval}
}

// Sample records bytes transferred so far at the given time.
func (e *Estimator) Sample(at time.Time, bytes uint64) error {
	if e.seen && bytes < e.latest {
		return ErrNonMonotonic
	}
	e.latest = bytes
	e.seen = true

	if n := len(e.samples); n > 0 {
		last := e.samples[n-1]
		if at.Sub(last.At) < e.minInterval {
			// Too close to divide by safely; keep the bytes for ETA only.
			return nil
		}
	}
	e.samples = append(e.samples, Sample{At: at, Bytes: bytes})
	e.prune(at)
	return nil
}

// prune drops samples older than the window but always keeps two so a
// stall longer than the window still yields a (low) rate.
func (e *Estimator) prune(now time.Time) {
	cutoff := now.Add(-e.window)
	drop := 0
	for drop < len(e.samples)-2 && e.samples[drop].At.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		e.samples = append(e.samples[:0], e.samples[drop:]...)
	}
}

// Speed returns bytes per second over the retained window, or 0 when fewer
// than two samples exist.
func (e *Estimator) Speed() float64 {
	if len(e.samples) < 2 {
		return 0
	}
	first := e.samples[0]
	last := e.samples[len(e.samples)-1]
	elapsed := last.At.Sub(first.At).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(last.Bytes-first.Bytes) / elapsed
}

// ETA projects the time left to reach total. ok is false when the rate is
// unknown or zero.
func (e *Estimator) ETA(total uint64) (eta time.Duration, ok bool) {
	speed := e.Speed()
	if speed <= 0 {
		return 0, false
	}
	if e.latest >= total {
		return 0, true
	}
	remaining := float64(total - e.latest)
	return time.Duration(remaining / speed * float64(time.Second)), true
}

// Bytes returns the most recent byte count.
func (e *Estimator) Bytes() uint64 {
	return e.latest
}

// Reset forgets the window, keeping the byte count. Used after a reconnect
// so time spent disconnected does not drag the rate down.
func (e *Estimator) Reset() {
	e.samples = e.samples[:0]
}

// Snapshot returns the current estimate for total bytes.
func (e *Estimator) Snapshot(total uint64) Snapshot {
	s := Snapshot{
		Bytes: e.latest,
		Total: total,
		Speed: e.Speed(),
	}
	if total > 0 {
		s.Percent = float64(e.latest) / float64(total) * 100
	}
	s.ETA, s.ETAKnown = e.ETA(total)
	return s
}
