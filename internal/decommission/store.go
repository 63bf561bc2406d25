package decommission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Store persists the pending deletion set between restarts
type Store interface {
	Load(ctx context.Context) ([]Deletion, error)
	Save(ctx context.Context, pending []Deletion) error
}

// snapshot is the on-disk form of the pending set
type snapshot struct {
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Pending   []Deletion `json:"pending"`
}

// FileStore keeps the pending set in a JSON file
type FileStore struct {
	mu        sync.Mutex
	path      string
	createdAt time.Time
}

// NewFileStore creates a store writing to path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, createdAt: time.Now()}
}

// Load reads the pending set. A missing file is an empty set.
func (s *FileStore) Load(_ context.Context) ([]Deletion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read decommission state: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decommission state: %w", err)
	}
	if !snap.CreatedAt.IsZero() {
		s.createdAt = snap.CreatedAt
	}
	return snap.Pending, nil
}

// Save replaces the file through a rename so a crash never leaves a partial file
func (s *FileStore) Save(_ context.Context, pending []Deletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot{
		CreatedAt: s.createdAt,
		UpdatedAt: time.Now(),
		Pending:   pending,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal decommission state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".decommission-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write decommission state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write decommission state: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace decommission state: %w", err)
	}
	return nil
}

const decommissionKey = "/buildswarm/decommission/pending"

// EtcdStore keeps the pending set under a single etcd key
type EtcdStore struct {
	client *clientv3.Client
}

// NewEtcdStore creates a store on top of an existing etcd client
func NewEtcdStore(client *clientv3.Client) *EtcdStore {
	return &EtcdStore{client: client}
}

func (s *EtcdStore) Load(ctx context.Context) ([]Deletion, error) {
	resp, err := s.client.Get(ctx, decommissionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get decommission state from etcd: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}

	var snap snapshot
	if err := json.Unmarshal(resp.Kvs[0].Value, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decommission state: %w", err)
	}
	return snap.Pending, nil
}

func (s *EtcdStore) Save(ctx context.Context, pending []Deletion) error {
	data, err := json.Marshal(snapshot{UpdatedAt: time.Now(), Pending: pending})
	if err != nil {
		return fmt.Errorf("failed to marshal decommission state: %w", err)
	}
	if _, err := s.client.Put(ctx, decommissionKey, string(data)); err != nil {
		return fmt.Errorf("failed to save decommission state to etcd: %w", err)
	}
	return nil
}
