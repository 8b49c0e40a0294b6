// Package lidmap resolves the network's anonymized linked ids (LIDs) to
// E.164 phone digits. Mappings are learned opportunistically from inbound
// traffic: contact updates and message keys that carry a sender phone
// number hint next to an LID remote id.
package lidmap

import (
	"container/list"
	"sync"
)

const defaultCapacity = 10000

// Map is a bounded LRU from LID user-part to phone digits. The oldest
// mapping is evicted when an insert passes capacity.
type Map struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

type mapping struct {
	lid    string
	digits string
}

// New creates a Map with the given capacity (<=0 selects the default).
func New(capacity int) *Map {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Map{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Learn records a LID→digits mapping, refreshing recency on update.
func (m *Map) Learn(lid, digits string) {
	if lid == "" || digits == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.entries[lid]; ok {
		el.Value.(*mapping).digits = digits
		m.order.MoveToFront(el)
		return
	}
	if len(m.entries) >= m.capacity {
		if oldest := m.order.Back(); oldest != nil {
			m.order.Remove(oldest)
			delete(m.entries, oldest.Value.(*mapping).lid)
		}
	}
	m.entries[lid] = m.order.PushFront(&mapping{lid: lid, digits: digits})
}

// Resolve returns the phone digits for a LID user-part, if known.
func (m *Map) Resolve(lid string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.entries[lid]
	if !ok {
		return "", false
	}
	m.order.MoveToFront(el)
	return el.Value.(*mapping).digits, true
}

// Len returns the number of known mappings.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
