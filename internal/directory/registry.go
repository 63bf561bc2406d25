package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"buildswarm/internal/config"
	"buildswarm/internal/logging"

	"go.uber.org/zap"
)

// Deleter accepts provider servers for background deletion
type Deleter interface {
	Enqueue(credential config.ProviderConfig, serverID string)
}

// Registry is the node directory used by the provisioning components.
// Removing a node hands its server to the deleter with the owning pool credential.
type Registry struct {
	mu      sync.Mutex
	store   Store
	deleter Deleter
	pools   map[string]config.ProviderConfig
}

// NewRegistry creates a registry over store
func NewRegistry(store Store, deleter Deleter, pools []config.Pool) *Registry {
	credentials := make(map[string]config.ProviderConfig, len(pools))
	for _, p := range pools {
		credentials[p.ID] = p.Provider
	}
	return &Registry{
		store:   store,
		deleter: deleter,
		pools:   credentials,
	}
}

// Nodes lists every node in the directory
func (r *Registry) Nodes(ctx context.Context) ([]Node, error) {
	return r.store.List(ctx)
}

// Get returns one node
func (r *Registry) Get(ctx context.Context, name string) (Node, error) {
	return r.store.Get(ctx, name)
}

// Add registers a node
func (r *Registry) Add(ctx context.Context, node Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}
	if err := r.store.Put(ctx, node); err != nil {
		return fmt.Errorf("failed to add node %s: %w", node.Name, err)
	}

	logging.Logger().Info("Node added",
		zap.String("node", node.Name),
		zap.String("pool", node.PoolID),
		zap.String("server_id", node.ServerID))
	return nil
}

// Update applies fn to a stored node
func (r *Registry) Update(ctx context.Context, name string, fn func(*Node)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, err := r.store.Get(ctx, name)
	if err != nil {
		return err
	}
	fn(&node)
	node.Name = name
	if err := r.store.Put(ctx, node); err != nil {
		return fmt.Errorf("failed to update node %s: %w", name, err)
	}
	return nil
}

// Remove deletes a node from the directory and schedules deletion of its server
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	node, err := r.store.Delete(ctx, name)
	r.mu.Unlock()
	if err != nil {
		if errors.Is(err, ErrNodeNotFound) {
			return err
		}
		return fmt.Errorf("failed to remove node %s: %w", name, err)
	}

	logging.Logger().Info("Node removed",
		zap.String("node", node.Name),
		zap.String("server_id", node.ServerID))

	if node.ServerID == "" {
		return nil
	}
	credential, ok := r.pools[node.PoolID]
	if !ok {
		logging.Logger().Warn("Pool of removed node is no longer configured, server is left running",
			zap.String("node", node.Name),
			zap.String("pool", node.PoolID),
			zap.String("server_id", node.ServerID))
		return nil
	}
	r.deleter.Enqueue(credential, node.ServerID)
	return nil
}

// MarkIdle records that the node stopped running builds at the given time
func (r *Registry) MarkIdle(ctx context.Context, name string, at time.Time) error {
	return r.Update(ctx, name, func(n *Node) {
		if n.IdleSince.IsZero() {
			n.IdleSince = at
		}
	})
}

// MarkBusy records that the node accepted a build
func (r *Registry) MarkBusy(ctx context.Context, name string) error {
	return r.Update(ctx, name, func(n *Node) {
		n.IdleSince = time.Time{}
	})
}
