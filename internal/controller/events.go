package controller

import (
	"sync"

	"github.com/italolelis/firmware_updater/internal/update"
)

// EventKind tells subscribers what changed about an update.
type EventKind int

const (
	// EventStatus is published when the status or any other field but progress changed.
	EventStatus EventKind = iota
	EventDownloadProgress
	EventInstallProgress
	// EventRemoved is published when the record is evicted.
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventStatus:
		return "status"
	case EventDownloadProgress:
		return "download_progress"
	case EventInstallProgress:
		return "install_progress"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event carries the state of the update right after the change.
type Event struct {
	Kind   EventKind       `json:"kind"`
	Update update.Snapshot `json:"update"`
}

const subscriberBuffer = 64

type subscriber struct {
	kinds map[EventKind]bool
	ch    chan Event
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]*subscriber
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe returns a channel receiving the given kinds, all kinds when none is
// given, and a function that unsubscribes and closes the channel.
func (b *Bus) Subscribe(kinds ...EventKind) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, subscriberBuffer)}
	if len(kinds) > 0 {
		s.kinds = make(map[EventKind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once

	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()

			close(s.ch)
		})
	}
}

// Publish delivers ev to every interested subscriber and reports how many missed it.
func (b *Bus) Publish(ev Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dropped := 0

	for _, s := range b.subs {
		if s.kinds != nil && !s.kinds[ev.Kind] {
			continue
		}

		select {
		case s.ch <- ev:
		default:
			dropped++
		}
	}

	return dropped
}
