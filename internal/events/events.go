// Package events fans out monitor and tunnel state changes to live subscribers
// (the websocket stream) and keeps a short ring buffer of recent events for
// clients that connect late.
package events

import (
	"sync"
	"time"
)

// Type identifies what changed.
type Type string

const (
	MonitorStatusChanged Type = "monitor_status_changed"
	MonitorAlarm         Type = "monitor_alarm"
	TunnelStateChanged   Type = "tunnel_state_changed"
)

// historySize is the number of recent events kept for Recent.
const historySize = 100

// Event is one published change. Subject is the monitor or tunnel id.
type Event struct {
	Type      Type      `json:"type"`
	Subject   string    `json:"subject"`
	Name      string    `json:"name,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(Event)
}

// Hub delivers events to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	history [historySize]Event
	head    int
	count   int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Publish records e and forwards it to every subscriber.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	h.mu.Lock()
	h.history[h.head] = e
	h.head = (h.head + 1) % historySize
	if h.count < historySize {
		h.count++
	}
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func unregisters it and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Recent returns the buffered events oldest first.
func (h *Hub) Recent() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 {
		return nil
	}
	result := make([]Event, h.count)
	if h.count < historySize {
		copy(result, h.history[:h.count])
	} else {
		n := copy(result, h.history[h.head:])
		copy(result[n:], h.history[:h.head])
	}
	return result
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Nop discards events; used where no hub is wired.
type Nop struct{}

func (Nop) Publish(Event) {}
