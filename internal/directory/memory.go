package directory

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps nodes in process memory
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]Node
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[string]Node)}
}

func (s *MemoryStore) List(_ context.Context) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes, nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[name]
	if !ok {
		return Node{}, ErrNodeNotFound
	}
	return n, nil
}

func (s *MemoryStore) Put(_ context.Context, node Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes[node.Name] = node
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[name]
	if !ok {
		return Node{}, ErrNodeNotFound
	}
	delete(s.nodes, name)
	return n, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
