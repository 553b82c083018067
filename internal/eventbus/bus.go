// Package eventbus carries cycle lifecycle signals between components
// in-process. Publishing never blocks; a subscriber that falls behind loses
// events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	CycleStarted   = "cycle.started"
	CycleDelivered = "cycle.delivered"
	CycleCommitted = "cycle.committed"
	CycleFailed    = "cycle.failed"
	CycleSkipped   = "cycle.skipped"
	ChannelFailed  = "channel.failed"
	ConfigReloaded = "config.reloaded"
	LedgerTrimmed  = "ledger.trimmed"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// Cycle is the Data of every cycle.* event.
type Cycle struct {
	ID       string
	State    string
	New      int
	Channels int
	OK       int
	Err      string
	Took     time.Duration
}

// Channel is the Data of channel.failed.
type Channel struct {
	CycleID string
	Name    string
	Class   string
	Err     string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus with no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop drops everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	return ch, func() {}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a buffered receiver. Unsubscribe closes the channel.
func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Holding the write lock excludes in-flight Publish calls, so the
			// close cannot race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped reports how many sends were discarded because a subscriber was full.
func Dropped(b Bus) uint64 {
	if m, ok := b.(*memBus); ok {
		return m.dropped.Load()
	}
	return 0
}
