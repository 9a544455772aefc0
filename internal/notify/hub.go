// Package notify fans committed conversation changes out to live subscribers.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

// Update describes one committed change to a conversation.
type Update struct {
	ConversationID    string    `json:"conversation_id"`
	SessionKey        string    `json:"session_key"`
	Source            string    `json:"source"`
	JobID             string    `json:"job_id,omitempty"`
	ChangeType        string    `json:"change_type,omitempty"`
	MessagesAdded     int       `json:"messages_added"`
	MessageCount      int       `json:"message_count"`
	LastEventSequence int64     `json:"last_event_sequence,omitempty"`
	Status            string    `json:"status"`
	At                time.Time `json:"at"`
}

// Publisher is implemented by Hub. Ingestion paths depend on this.
type Publisher interface {
	Publish(u Update)
}

// Hub delivers updates to subscribers without ever blocking the publisher:
// a subscriber whose buffer is full is dropped.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
	logger *slog.Logger
}

// NewHub creates a Hub. If buffer is <= 0, it defaults to 64.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
		logger: slog.Default(),
	}
}

// Subscription receives updates until closed or dropped.
type Subscription struct {
	hub            *Hub
	conversationID string
	ch             chan Update
	once           sync.Once
}

// Subscribe registers a subscriber. A non-empty conversationID restricts
// delivery to that conversation.
func (h *Hub) Subscribe(conversationID string) *Subscription {
	s := &Subscription{hub: h, conversationID: conversationID, ch: make(chan Update, h.buffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// C is closed when the subscription ends.
func (s *Subscription) C() <-chan Update { return s.ch }

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	s.hub.remove(s)
	s.hub.mu.Unlock()
}

// remove must be called with h.mu held.
func (h *Hub) remove(s *Subscription) {
	delete(h.subs, s)
	s.once.Do(func() { close(s.ch) })
}

// Publish delivers u to every matching subscriber. A nil Hub discards u.
func (h *Hub) Publish(u Update) {
	if h == nil {
		return
	}
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if s.conversationID != "" && s.conversationID != u.ConversationID {
			continue
		}
		select {
		case s.ch <- u:
		default:
			h.logger.Warn("dropping slow update subscriber", "conversation_filter", s.conversationID)
			h.remove(s)
		}
	}
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
