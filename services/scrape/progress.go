package scrape

import (
	"sync"
)

type Phase string

const (
	PhaseStarting  Phase = "starting"
	PhaseFetching  Phase = "fetching"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseStopped   Phase = "stopped"
)

// Event is one progress update for a session, published after each
// coordinator iteration so subscribers' view of the counters matches
// what has actually been persisted. Terminal events carry final totals
// and may be delivered more than once; consumption must be idempotent.
type Event struct {
	SessionID        string  `json:"session_id"`
	Phase            Phase   `json:"phase"`
	Position         string  `json:"position"`
	Total            int64   `json:"total_or_unknown"`
	Progress         float64 `json:"progress"`
	RecordsFound     int64   `json:"records_found"`
	RecordsProcessed int64   `json:"records_processed"`
	RecordsCreated   int64   `json:"records_created"`
	RecordsExisting  int64   `json:"records_existing"`
	ErrorCount       int64   `json:"errors_count"`
	Terminal         bool    `json:"terminal"`
}

// Bus fans progress events out to per-session subscribers. Sends never
// block: a subscriber that falls behind misses intermediate events and
// catches up from the next one.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]chan Event
}

func NewBus() *Bus {
	return &Bus{subs: map[string][]chan Event{}}
}

// Subscribe returns a channel of events for one session id and a
// cancel function that must be called when done.
func (b *Bus) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	b.mu.Lock()
	b.subs[sessionID] = append(b.subs[sessionID], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		channels := b.subs[sessionID]
		for i, c := range channels {
			if c == ch {
				b.subs[sessionID] = append(channels[:i], channels[i+1:]...)
				break
			}
		}
		if len(b.subs[sessionID]) == 0 {
			delete(b.subs, sessionID)
		}
	}
	return ch, cancel
}

func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[event.SessionID] {
		select {
		case ch <- event:
		default:
		}
	}
}
