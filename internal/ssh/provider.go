package ssh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"buildswarm/internal/config"
	"buildswarm/internal/logging"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const sshKeysPrefix = "/buildswarm/ssh_keys/"

// KeyProvider keeps one generated key pair per pool
type KeyProvider interface {
	// GetOrCreate retrieves the pool key pair or creates and stores a new one
	GetOrCreate(ctx context.Context, poolID string) (*KeyPair, error)
	// Delete forgets the pool key pair
	Delete(ctx context.Context, poolID string) error
	// Close closes any connections
	Close() error
}

// EtcdKeyProvider stores SSH keys in etcd so every replica authenticates with the same key
type EtcdKeyProvider struct {
	client *clientv3.Client
}

// NewEtcdKeyProvider creates a key provider on top of an existing etcd client
func NewEtcdKeyProvider(client *clientv3.Client) *EtcdKeyProvider {
	return &EtcdKeyProvider{client: client}
}

// GetOrCreate retrieves existing keys from etcd or creates new ones
func (p *EtcdKeyProvider) GetOrCreate(ctx context.Context, poolID string) (*KeyPair, error) {
	key := sshKeysPrefix + poolID
	resp, err := p.client.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get SSH keys from etcd: %w", err)
	}

	if len(resp.Kvs) > 0 {
		var stored storedKeyPair
		if err := json.Unmarshal(resp.Kvs[0].Value, &stored); err != nil {
			return nil, fmt.Errorf("failed to unmarshal SSH keys: %w", err)
		}
		logging.Logger().Debug("Using existing SSH keys from etcd", zap.String("pool", poolID))
		return &KeyPair{PrivateKey: stored.PrivateKey, PublicKey: stored.PublicKey}, nil
	}

	logging.Logger().Info("No SSH keys found in etcd, generating new key pair", zap.String("pool", poolID))
	keyPair, err := GenerateKeyPairInMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to generate SSH key pair: %w", err)
	}

	data, err := json.Marshal(storedKeyPair{PrivateKey: keyPair.PrivateKey, PublicKey: keyPair.PublicKey})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SSH keys: %w", err)
	}

	// Another replica may have stored a key in the meantime, only the first write wins
	txn, err := p.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		return nil, fmt.Errorf("failed to save SSH keys to etcd: %w", err)
	}
	if !txn.Succeeded {
		kvs := txn.Responses[0].GetResponseRange().Kvs
		if len(kvs) > 0 {
			var stored storedKeyPair
			if err := json.Unmarshal(kvs[0].Value, &stored); err != nil {
				return nil, fmt.Errorf("failed to unmarshal SSH keys: %w", err)
			}
			return &KeyPair{PrivateKey: stored.PrivateKey, PublicKey: stored.PublicKey}, nil
		}
	}

	logging.Logger().Info("SSH keys generated and stored in etcd", zap.String("pool", poolID))
	return keyPair, nil
}

// Delete removes the pool keys from etcd
func (p *EtcdKeyProvider) Delete(ctx context.Context, poolID string) error {
	if _, err := p.client.Delete(ctx, sshKeysPrefix+poolID); err != nil {
		return fmt.Errorf("failed to delete SSH keys from etcd: %w", err)
	}
	return nil
}

// Close is a no-op, the etcd client is owned by the caller
func (p *EtcdKeyProvider) Close() error {
	return nil
}

// storedKeyPair represents the JSON structure stored in etcd
type storedKeyPair struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// InMemoryKeyProvider generates keys in memory (no persistence)
type InMemoryKeyProvider struct {
	mu   sync.Mutex
	keys map[string]*KeyPair
}

// NewInMemoryKeyProvider creates a new in-memory key provider
func NewInMemoryKeyProvider() *InMemoryKeyProvider {
	return &InMemoryKeyProvider{keys: make(map[string]*KeyPair)}
}

// GetOrCreate returns the pool key pair, generating it on first use
func (p *InMemoryKeyProvider) GetOrCreate(ctx context.Context, poolID string) (*KeyPair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if kp, ok := p.keys[poolID]; ok {
		return kp, nil
	}

	logging.Logger().Info("Generating SSH key pair in memory", zap.String("pool", poolID))
	keyPair, err := GenerateKeyPairInMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to generate SSH key pair: %w", err)
	}
	p.keys[poolID] = keyPair
	return keyPair, nil
}

// Delete clears the in-memory key pair
func (p *InMemoryKeyProvider) Delete(ctx context.Context, poolID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.keys, poolID)
	return nil
}

// Close is a no-op for in-memory provider
func (p *InMemoryKeyProvider) Close() error {
	return nil
}

// NewKeyProvider picks etcd when a client is available, memory otherwise
func NewKeyProvider(client *clientv3.Client) KeyProvider {
	if client == nil {
		logging.Logger().Info("No etcd client configured, using in-memory key provider")
		return NewInMemoryKeyProvider()
	}
	return NewEtcdKeyProvider(client)
}

// Resolve returns the key pair configured for a pool, falling back to the provider
func Resolve(ctx context.Context, provider KeyProvider, poolID string, cfg config.SSHConfig) (*KeyPair, error) {
	switch {
	case cfg.PrivateKey != "":
		return LoadKeyPair(cfg.PrivateKey, cfg.PublicKey)
	case cfg.PrivateKeyPath != "":
		return LoadKeyPairFile(cfg.PrivateKeyPath, cfg.PublicKey)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return provider.GetOrCreate(ctx, poolID)
}
