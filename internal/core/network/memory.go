package network

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("network: pubsub closed")

// MemoryPubSub is a process-local carrier. Several bridge nodes sharing one
// instance behave like nodes on one bus segment.
type MemoryPubSub struct {
	mu     sync.RWMutex
	nextID int
	closed bool
	subs   map[string]map[int]chan Message
}

func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string]map[int]chan Message)}
}

func (m *MemoryPubSub) Publish(topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for _, ch := range m.subs[topic] {
		msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
		select {
		case ch <- msg:
		default:
			// Latest-value carrier: a full subscriber just misses this one.
		}
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, ErrClosed
	}
	if _, ok := m.subs[topic]; !ok {
		m.subs[topic] = make(map[int]chan Message)
	}
	id := m.nextID
	m.nextID++
	ch := make(chan Message, subscriberBuffer)
	m.subs[topic][id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if subsByTopic, ok := m.subs[topic]; ok {
			if sub, exists := subsByTopic[id]; exists {
				delete(subsByTopic, id)
				close(sub)
			}
			if len(subsByTopic) == 0 {
				delete(m.subs, topic)
			}
		}
	}
	return ch, cancel, nil
}

// Close ends every subscription. Later calls fail with ErrClosed.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for topic, subsByTopic := range m.subs {
		for _, ch := range subsByTopic {
			close(ch)
		}
		delete(m.subs, topic)
	}
	return nil
}
