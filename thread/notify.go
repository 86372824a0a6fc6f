package thread

import (
	"sync"
	"time"

	"github.com/loomworks/loom/core/event"
)

// NotificationKind identifies what changed in the thread.
type NotificationKind string

const (
	NotifyNewEntry       NotificationKind = "new_entry"
	NotifyEntryUpdated   NotificationKind = "entry_updated"
	NotifyEntriesRemoved NotificationKind = "entries_removed"
	NotifyPlanUpdated    NotificationKind = "plan_updated"
	NotifyUsageUpdated   NotificationKind = "usage_updated"
	NotifyRetry          NotificationKind = "retry"
	NotifyStopped        NotificationKind = "stopped"
	NotifyError          NotificationKind = "error"
)

// Notification describes one change to the thread. Index is the affected
// entry for new_entry and entry_updated. From and To bound the retired
// index range for entries_removed (To is exclusive). Reason is set for
// stopped; Attempt and Delay for retry; Err for retry and error.
type Notification struct {
	Kind    NotificationKind
	Index   int
	From    int
	To      int
	Reason  event.StopReason
	Attempt int
	Delay   time.Duration
	Err     string
}

// Subscribers fans thread notifications out to presentation listeners.
// Publish never blocks: a subscriber that falls behind its buffer misses the
// delta and is expected to re-sync from a Thread snapshot.
type Subscribers struct {
	mu   sync.Mutex
	subs map[int]chan Notification
	next int
}

// NewSubscribers returns an empty subscriber set.
func NewSubscribers() *Subscribers {
	return &Subscribers{subs: make(map[int]chan Notification)}
}

// Subscribe registers a listener. The returned cancel function unregisters
// it and closes the channel; it is safe to call more than once.
func (s *Subscribers) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Notification, buffer)

	s.mu.Lock()
	id := s.next
	s.next++
	if s.subs == nil {
		s.subs = make(map[int]chan Notification)
	}
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers a notification to every subscriber that has buffer space.
func (s *Subscribers) Publish(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Close unregisters and closes every subscriber channel.
func (s *Subscribers) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
