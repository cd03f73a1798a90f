package ecash

import (
	"sync"
	"time"
)

type EventKind string

const (
	EventFunded         EventKind = "funded"
	EventTokenClaimed   EventKind = "token_claimed"
	EventReclaimed      EventKind = "reclaimed"
	EventAlreadyClaimed EventKind = "already_claimed"
)

// Event is a one-shot notification for the user.
type Event struct {
	Kind      EventKind `json:"kind"`
	Amount    uint64    `json:"amount"`
	IssuerURL string    `json:"mint"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

type Notifier func(Event)

func (n Notifier) emit(e Event) {
	if n == nil {
		return
	}

	if e.At.IsZero() {
		e.At = time.Now()
	}

	n(e)
}

// EventFeed buffers the latest events until they are drained.
type EventFeed struct {
	mu     sync.Mutex
	events []Event
	max    int
}

func NewEventFeed(max int) *EventFeed {
	return &EventFeed{max: max}
}

func (f *EventFeed) Push(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events = append(f.events, e)
	if over := len(f.events) - f.max; f.max > 0 && over > 0 {
		f.events = f.events[over:]
	}
}

// Drain returns buffered events oldest first and forgets them.
func (f *EventFeed) Drain() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	events := f.events
	f.events = nil
	return events
}
