package channel

import (
	"sync"
	"time"

	"github.com/jaywantadh/resumable/internal/speed"
)

// EventKind names a progress event delivered to subscribers.
type EventKind string

const (
	EventState    EventKind = "state"
	EventStart    EventKind = "start"
	EventResume   EventKind = "resume"
	EventProgress EventKind = "progress"
	EventRetrying EventKind = "retrying"
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
)

// Event is a typed notification about one upload.
type Event struct {
	Kind     EventKind
	UploadID string
	FileName string
	At       time.Time

	// State is the session state name for EventState.
	State string
	// Offset is the resume offset for EventResume.
	Offset uint64
	// Attempt counts reconnects for EventRetrying.
	Attempt int
	// Progress is the last known estimate; it is frozen while retrying.
	Progress speed.Snapshot
	// Remote holds server-side telemetry when the peer pushed it.
	Remote *Progress
	Err    error
}

// Bus fans events out to subscribers. Publish calls subscribers
// synchronously on the publishing goroutine, in subscription order.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
	order  []int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers ev to every current subscriber. A nil Bus drops events.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.subs[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
