package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageRegistry is a TTL-tidied payload blob store keyed by UUID,
// used to hold a queued publish's body from the time it is queued until
// the queue flush reads it back to build the PUBLISH frame.
type MessageRegistry interface {
	Put(payload []byte) uuid.UUID
	Get(id uuid.UUID) ([]byte, bool)
	Delete(id uuid.UUID)
	// Tidy drops every entry older than ttl, returning how many were
	// reaped.
	Tidy(ttl time.Duration) int
}

type entry struct {
	payload []byte
	storedAt time.Time
}

// InMemoryMessages is a process-local MessageRegistry.
type InMemoryMessages struct {
	mu      sync.Mutex
	entries map[uuid.UUID]entry
	now     func() time.Time
}

func NewInMemoryMessages() *InMemoryMessages {
	return &InMemoryMessages{
		entries: make(map[uuid.UUID]entry),
		now:     time.Now,
	}
}

func (m *InMemoryMessages) Put(payload []byte) uuid.UUID {
	id := uuid.New()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = entry{payload: payload, storedAt: m.now()}
	return id
}

func (m *InMemoryMessages) Get(id uuid.UUID) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	return e.payload, true
}

func (m *InMemoryMessages) Delete(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
}

func (m *InMemoryMessages) Tidy(ttl time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-ttl)
	reaped := 0
	for id, e := range m.entries {
		if e.storedAt.Before(cutoff) {
			delete(m.entries, id)
			reaped++
		}
	}
	return reaped
}

var _ MessageRegistry = (*InMemoryMessages)(nil)
