package engine

import (
	"context"
	"sync"
	"time"
)

// State is the coarse sync state shown to the user.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateError   State = "error"
	StateOffline State = "offline"
)

// Status is one observation of the sync engine.
type Status struct {
	State          State     `json:"state"`
	Pending        int64     `json:"pending"`
	NeedsAttention int64     `json:"needs_attention"`
	LastSyncAt     time.Time `json:"last_sync_at,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// statusDispatcher fans status updates out to observers. A slow observer misses intermediate
// updates rather than stalling the engine.
type statusDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Status
	nextID      int64
	bufferSize  int
}

func newStatusDispatcher() *statusDispatcher {
	return &statusDispatcher{
		subscribers: make(map[int64]chan Status),
		bufferSize:  16,
	}
}

// subscribe registers an observer seeded with the current status. The stream stays open until
// cleanup runs or ctx ends.
func (d *statusDispatcher) subscribe(ctx context.Context, current Status) (<-chan Status, func()) {
	stream := make(chan Status, d.bufferSize)
	stream <- current

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subscribers[id] = stream
	d.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, id)
			d.mu.Unlock()
			close(stream)
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return stream, cleanup
}

func (d *statusDispatcher) publish(status Status) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, stream := range d.subscribers {
		select {
		case stream <- status:
		default:
		}
	}
}

func (d *statusDispatcher) subscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}
