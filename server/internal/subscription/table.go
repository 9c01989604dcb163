package subscription

import (
	"sync"

	"github.com/relaycast/relaycast/pkg/types"
)

// Table is the bidirectional subscription index. The zero value is not usable;
// call New.
type Table struct {
	mu      sync.RWMutex
	byTopic map[types.Topic]map[types.ConnID]struct{}
	byConn  map[types.ConnID]map[types.Topic]struct{}
}

// New creates an empty Table.
func New() *Table {
	return &Table{
		byTopic: make(map[types.Topic]map[types.ConnID]struct{}),
		byConn:  make(map[types.ConnID]map[types.Topic]struct{}),
	}
}

// Subscribe records that conn is subscribed to topic. It reports false when
// the pair already existed.
func (t *Table) Subscribe(conn types.ConnID, topic types.Topic) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs := t.byTopic[topic]
	if subs == nil {
		subs = make(map[types.ConnID]struct{})
		t.byTopic[topic] = subs
	}
	if _, ok := subs[conn]; ok {
		return false
	}
	subs[conn] = struct{}{}

	topics := t.byConn[conn]
	if topics == nil {
		topics = make(map[types.Topic]struct{})
		t.byConn[conn] = topics
	}
	topics[topic] = struct{}{}
	return true
}

// Unsubscribe removes the (conn, topic) pair. It reports false when the pair
// did not exist.
func (t *Table) Unsubscribe(conn types.ConnID, topic types.Topic) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs, ok := t.byTopic[topic]
	if !ok {
		return false
	}
	if _, ok := subs[conn]; !ok {
		return false
	}
	t.removeLocked(conn, topic)
	return true
}

// RemoveConnection drops every subscription held by conn and returns the
// topics it was subscribed to.
func (t *Table) RemoveConnection(conn types.ConnID) []types.Topic {
	t.mu.Lock()
	defer t.mu.Unlock()

	topics := t.byConn[conn]
	out := make([]types.Topic, 0, len(topics))
	for topic := range topics {
		out = append(out, topic)
		t.removeLocked(conn, topic)
	}
	return out
}

// removeLocked deletes the pair from both indexes and garbage-collects empty
// sets. t.mu must be held for writing.
func (t *Table) removeLocked(conn types.ConnID, topic types.Topic) {
	if subs, ok := t.byTopic[topic]; ok {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(t.byTopic, topic)
		}
	}
	if topics, ok := t.byConn[conn]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(t.byConn, conn)
		}
	}
}

// SubscribersOf returns the connections currently subscribed to topic. The
// result is a fresh slice; an unknown topic yields nil.
func (t *Table) SubscribersOf(topic types.Topic) []types.ConnID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	subs := t.byTopic[topic]
	if len(subs) == 0 {
		return nil
	}
	out := make([]types.ConnID, 0, len(subs))
	for conn := range subs {
		out = append(out, conn)
	}
	return out
}

// IsSubscribed reports whether conn is subscribed to topic.
func (t *Table) IsSubscribed(conn types.ConnID, topic types.Topic) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byTopic[topic][conn]
	return ok
}

// TopicsOf returns the topics conn is subscribed to.
func (t *Table) TopicsOf(conn types.ConnID) []types.Topic {
	t.mu.RLock()
	defer t.mu.RUnlock()

	topics := t.byConn[conn]
	out := make([]types.Topic, 0, len(topics))
	for topic := range topics {
		out = append(out, topic)
	}
	return out
}

// Topics returns every live topic with its subscriber count.
func (t *Table) Topics() map[types.Topic]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[types.Topic]int, len(t.byTopic))
	for topic, subs := range t.byTopic {
		out[topic] = len(subs)
	}
	return out
}

// TopicCount returns the number of topics with at least one subscriber.
func (t *Table) TopicCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byTopic)
}

// Len returns the total number of (connection, topic) pairs.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, subs := range t.byTopic {
		n += len(subs)
	}
	return n
}
