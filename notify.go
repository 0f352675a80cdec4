package nodesync

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionEvent is one progress or completion notification for a session.
type SessionEvent struct {
	SessionID          string        `json:"session_id"`
	Status             SessionStatus `json:"status"`
	Progress           int           `json:"progress"`
	CurrentStep        string        `json:"current_step"`
	TotalRecords       int64         `json:"total_records"`
	TransferredRecords int64         `json:"transferred_records"`
	TransferredBytes   int64         `json:"transferred_bytes"`
	ErrorMessage       string        `json:"error_message,omitempty"`
	Timestamp          time.Time     `json:"timestamp"`
}

// progressSub is one subscriber of the broker.
type progressSub struct {
	id        string
	sessionID string // empty subscribes to all sessions
	ch        chan SessionEvent
}

// ProgressBroker fans session events out to subscribers. Consumers
// (dashboards, the WebSocket stream) subscribe; core logic only publishes.
// Publishing never blocks: a slow consumer drops events rather than stalling
// a transfer.
type ProgressBroker struct {
	mu         sync.RWMutex
	subs       map[string]*progressSub
	bufferSize int
}

// NewProgressBroker creates a broker with the given per-subscriber buffer
// size (default 64).
func NewProgressBroker(bufferSize int) *ProgressBroker {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &ProgressBroker{
		subs:       make(map[string]*progressSub),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a listener for one session's events, or for all
// sessions when sessionID is empty. The returned cancel func closes the
// channel and releases the subscription.
func (b *ProgressBroker) Subscribe(sessionID string) (<-chan SessionEvent, func()) {
	sub := &progressSub{
		id:        uuid.NewString(),
		sessionID: sessionID,
		ch:        make(chan SessionEvent, b.bufferSize),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[sub.id]; ok {
			delete(b.subs, sub.id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers an event to every matching subscriber.
func (b *ProgressBroker) Publish(ev SessionEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *ProgressBroker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// eventFor builds the notification for a session's current state.
func eventFor(s *InitialLoadSession) SessionEvent {
	return SessionEvent{
		SessionID:          s.SessionID,
		Status:             s.Status,
		Progress:           s.Progress,
		CurrentStep:        s.CurrentStep,
		TotalRecords:       s.TotalRecords,
		TransferredRecords: s.TransferredRecords,
		TransferredBytes:   s.TransferredBytes,
		ErrorMessage:       s.ErrorMessage,
	}
}
