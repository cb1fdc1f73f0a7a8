// Package events fans session state transitions and trade outcomes out to
// server-sent-event subscribers.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const subscriberBufSize = 256

// Event kinds.
const (
	KindState   = "state"
	KindOutcome = "outcome"
)

// Event is one message on the stream. Data is JSON.
type Event struct {
	Kind     string
	Identity string
	Data     json.RawMessage
}

// StateChange is the payload of a KindState event.
type StateChange struct {
	Identity string    `json:"identity"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	At       time.Time `json:"at"`
}

// Broker fans out events to all subscribers. Slow subscribers lose events
// instead of stalling the publisher.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      atomic.Int64
	dropped     atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{subscribers: make(map[int64]chan Event)}
}

// Subscribe registers a subscriber and returns its id and channel.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish marshals v and sends it to every subscriber without blocking.
// A nil Broker drops everything.
func (b *Broker) Publish(kind, identity string, v any) {
	if b == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Debug("event marshal failed", "kind", kind, "error", err)
		return
	}
	evt := Event{Kind: kind, Identity: identity, Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// PublishState publishes a state transition of identity's current run.
func (b *Broker) PublishState(identity, from, to string) {
	b.Publish(KindState, identity, StateChange{Identity: identity, From: from, To: to, At: time.Now().UTC()})
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (b *Broker) Dropped() int64 { return b.dropped.Load() }
