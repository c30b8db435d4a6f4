/*
   This file provides the viewer's internal pub/sub notifications.
*/

package events

import "sync"

// Topics published by the viewer.
const (
	VolumeLoaded   = "volume.loaded"
	VolumeRestored = "volume.restored"
	SliceChanged   = "slice.changed"
	CacheFailed    = "cache.failed"
)

// Message is delivered to subscribers of a topic.
type Message struct {
	Topic   string
	Payload interface{}
}

// Handler receives published messages. It runs on the publishing goroutine
// and must not block.
type Handler func(Message)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous topic-based publisher. The zero value is ready to use.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers h for topic and returns a function that removes the
// subscription. Calling the returned function more than once is harmless.
func (b *Bus) Subscribe(topic string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[string][]subscription)
	}
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Publish delivers payload to every current subscriber of topic in
// subscription order. Handlers may subscribe or unsubscribe while being
// notified; such changes apply to the next Publish.
func (b *Bus) Publish(topic string, payload interface{}) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()

	msg := Message{Topic: topic, Payload: payload}
	for _, s := range subs {
		s.handler(msg)
	}
}

// Subscribers returns the number of handlers registered for topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
