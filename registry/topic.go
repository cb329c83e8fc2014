// Package registry holds the two lookup tables the core treats as
// external collaborators: the topic registry, mapping
// topic strings against predefined/short/normal numeric ids, and the
// message registry, a TTL-tidied payload store keyed by UUID. Both
// interfaces are the contract the core drives; the in-memory
// implementations here are a minimal, storage-agnostic satisfier of
// it.
package registry

import (
	"errors"
	"sync"

	"mqttsn/internal/types"
)

// ErrTopicNotFound is returned when a lookup has no entry.
var ErrTopicNotFound = errors.New("registry: topic not found")

// TopicRegistry normalizes between a peer's view of a topic (a name,
// a predefined numeric id, or a 1-2 character short topic) and the
// registry's canonical topic path.
type TopicRegistry interface {
	// Register assigns or reuses a numeric topic id for name, scoped
	// to peer (REGISTER/REGACK).
	Register(peer types.PeerContext, name string) (id uint16, err error)

	// Resolve maps a numeric topic id back to its topic path.
	Resolve(peer types.PeerContext, id uint16, kind TopicIDKind) (name string, err error)

	// Drop releases every id registered to peer.
	Drop(peer types.PeerContext)
}

// TopicIDKind distinguishes how a topic id was encoded on the wire,
// per the PUBLISH/SUBSCRIBE TopicIdType field.
type TopicIDKind int

const (
	Normal TopicIDKind = iota
	Predefined
	Short
)

// InMemoryTopics is a per-process TopicRegistry. Predefined and short
// topics are resolved without any peer-scoped state (their ids are
// globally meaningful); normal topics are assigned per peer starting
// at 1, matching REGISTER's "first-come" allocation.
type InMemoryTopics struct {
	mu         sync.Mutex
	byPeer     map[types.PeerContext]map[uint16]string
	nextID     map[types.PeerContext]uint16
	predefined map[uint16]string
}

// NewInMemoryTopics builds a registry seeded with predefined topic
// ids known ahead of time (gateway configuration).
func NewInMemoryTopics(predefined map[uint16]string) *InMemoryTopics {
	if predefined == nil {
		predefined = make(map[uint16]string)
	}
	return &InMemoryTopics{
		byPeer:     make(map[types.PeerContext]map[uint16]string),
		nextID:     make(map[types.PeerContext]uint16),
		predefined: predefined,
	}
}

func (r *InMemoryTopics) Register(peer types.PeerContext, name string) (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	table, ok := r.byPeer[peer]
	if !ok {
		table = make(map[uint16]string)
		r.byPeer[peer] = table
	}
	for id, existing := range table {
		if existing == name {
			return id, nil
		}
	}

	next := r.nextID[peer] + 1
	r.nextID[peer] = next
	table[next] = name
	return next, nil
}

func (r *InMemoryTopics) Resolve(peer types.PeerContext, id uint16, kind TopicIDKind) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if kind == Predefined || kind == Short {
		if name, ok := r.predefined[id]; ok {
			return name, nil
		}
		return "", ErrTopicNotFound
	}

	if table, ok := r.byPeer[peer]; ok {
		if name, ok := table[id]; ok {
			return name, nil
		}
	}
	return "", ErrTopicNotFound
}

func (r *InMemoryTopics) Drop(peer types.PeerContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byPeer, peer)
	delete(r.nextID, peer)
}

var _ TopicRegistry = (*InMemoryTopics)(nil)
