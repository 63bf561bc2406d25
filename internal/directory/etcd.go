package directory

import (
	"context"
	"encoding/json"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const nodesPrefix = "/buildswarm/nodes/"

// EtcdStore persists nodes in etcd so a restarted control plane still accounts for them
type EtcdStore struct {
	client *clientv3.Client
}

// NewEtcdStore creates a store on top of an existing etcd client
func NewEtcdStore(client *clientv3.Client) *EtcdStore {
	return &EtcdStore{client: client}
}

// Close is a no-op, the client is owned by the caller
func (s *EtcdStore) Close() error {
	return nil
}

func (s *EtcdStore) List(ctx context.Context) ([]Node, error) {
	resp, err := s.client.Get(ctx, nodesPrefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes from etcd: %w", err)
	}

	nodes := make([]Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var n Node
		if err := json.Unmarshal(kv.Value, &n); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node %s: %w", kv.Key, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (s *EtcdStore) Get(ctx context.Context, name string) (Node, error) {
	resp, err := s.client.Get(ctx, nodesPrefix+name)
	if err != nil {
		return Node{}, fmt.Errorf("failed to get node from etcd: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return Node{}, ErrNodeNotFound
	}

	var n Node
	if err := json.Unmarshal(resp.Kvs[0].Value, &n); err != nil {
		return Node{}, fmt.Errorf("failed to unmarshal node: %w", err)
	}
	return n, nil
}

func (s *EtcdStore) Put(ctx context.Context, node Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}

	if _, err := s.client.Put(ctx, nodesPrefix+node.Name, string(data)); err != nil {
		return fmt.Errorf("failed to save node to etcd: %w", err)
	}
	return nil
}

func (s *EtcdStore) Delete(ctx context.Context, name string) (Node, error) {
	resp, err := s.client.Delete(ctx, nodesPrefix+name, clientv3.WithPrevKV())
	if err != nil {
		return Node{}, fmt.Errorf("failed to delete node from etcd: %w", err)
	}
	if len(resp.PrevKvs) == 0 {
		return Node{}, ErrNodeNotFound
	}

	var n Node
	if err := json.Unmarshal(resp.PrevKvs[0].Value, &n); err != nil {
		return Node{}, fmt.Errorf("failed to unmarshal node: %w", err)
	}
	return n, nil
}
