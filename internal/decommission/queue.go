// Package decommission deletes provider servers in the background, retrying until the
// provider confirms each server is gone.
package decommission

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"buildswarm/internal/config"
	"buildswarm/internal/logging"
	"buildswarm/internal/provider"

	"go.uber.org/zap"
)

const persistTimeout = 10 * time.Second

// Deletion is one server waiting to be deleted
type Deletion struct {
	ID            uint64                `json:"id"`
	Credential    config.ProviderConfig `json:"-"`
	CredentialKey string                `json:"credential_key"`
	ServerID      string                `json:"server_id"`
	EnqueuedAt    time.Time             `json:"enqueued_at"`
	Attempts      int                   `json:"attempts"`
	LastError     string                `json:"last_error,omitempty"`
}

// GatewayFactory builds a gateway for a credential
type GatewayFactory func(ctx context.Context, credential config.ProviderConfig) (provider.Gateway, error)

// Option configures a Queue
type Option func(*Queue)

// WithGatewayFactory replaces provider.New as the gateway constructor
func WithGatewayFactory(factory GatewayFactory) Option {
	return func(q *Queue) {
		q.newGateway = factory
	}
}

// WithBackoff overrides the wait after a failed pass
func WithBackoff(d time.Duration) Option {
	return func(q *Queue) {
		q.backoff = d
	}
}

// WithStore persists the pending set
func WithStore(store Store) Option {
	return func(q *Queue) {
		q.store = store
	}
}

// Queue is the pending deletion set and the worker that drains it
type Queue struct {
	mu       sync.Mutex
	pending  []Deletion
	seq      uint64
	gateways map[string]provider.Gateway

	credentials map[string]config.ProviderConfig
	backoff     time.Duration
	store       Store
	loaded      bool
	newGateway  GatewayFactory
	wake        chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewQueue creates a stopped queue. Credentials of the given pools are used to resume
// persisted deletions.
func NewQueue(cfg config.DecommissionConfig, pools []config.Pool, opts ...Option) *Queue {
	q := &Queue{
		gateways:    make(map[string]provider.Gateway),
		credentials: make(map[string]config.ProviderConfig),
		backoff:     cfg.Backoff(),
		newGateway:  provider.New,
		wake:        make(chan struct{}, 1),
	}
	for _, p := range pools {
		q.credentials[p.Provider.Key()] = p.Provider
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue schedules deletion of serverID. Duplicates are kept and resolve independently.
func (q *Queue) Enqueue(credential config.ProviderConfig, serverID string) {
	q.mu.Lock()
	if q.store != nil && !q.loaded {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := q.loadLocked(ctx); err != nil {
			logging.Logger().Warn("Failed to load pending deletions before enqueue", zap.Error(err))
		}
		cancel()
	}
	q.seq++
	q.pending = append(q.pending, Deletion{
		ID:            q.seq,
		Credential:    credential,
		CredentialKey: credential.Key(),
		ServerID:      serverID,
		EnqueuedAt:    time.Now(),
	})
	q.sortLocked()
	q.persistLocked()
	size := len(q.pending)
	q.mu.Unlock()

	logging.Logger().Info("Server queued for deletion",
		zap.String("server_id", serverID),
		zap.String("provider", string(credential.Type)),
		zap.Int("pending", size))

	q.signal()
}

// Pending returns a copy of the pending set in processing order
func (q *Queue) Pending() []Deletion {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Deletion(nil), q.pending...)
}

// Len returns the number of pending deletions
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Start reloads persisted deletions and starts the worker
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancel != nil {
		return fmt.Errorf("decommission queue already started")
	}

	if err := q.loadLocked(ctx); err != nil {
		return err
	}

	workerCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.run(workerCtx, q.done)

	logging.Logger().Info("Decommission queue started",
		zap.Int("pending", len(q.pending)),
		zap.Duration("backoff", q.backoff))
	return nil
}

// Stop stops the worker and waits for the current deletion to return. Pending entries stay persisted.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel, q.done = nil, nil
	q.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	logging.Logger().Info("Decommission queue stopped", zap.Int("pending", q.Len()))
}

// loadLocked merges the persisted set into the pending set once. Until it succeeds nothing is
// saved, so entries enqueued earlier never overwrite the stored ones.
func (q *Queue) loadLocked(ctx context.Context) error {
	if q.store == nil || q.loaded {
		return nil
	}
	loaded, err := q.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending deletions: %w", err)
	}
	q.loaded = true
	early := len(q.pending)
	q.restoreLocked(loaded)
	if early > 0 {
		q.persistLocked()
	}
	return nil
}

func (q *Queue) restoreLocked(loaded []Deletion) {
	for _, d := range loaded {
		credential, ok := q.credentials[d.CredentialKey]
		if !ok {
			logging.Logger().Warn("Dropping persisted deletion for an unconfigured credential",
				zap.String("server_id", d.ServerID))
			continue
		}
		q.seq++
		d.ID = q.seq
		d.Credential = credential
		q.pending = append(q.pending, d)
	}
	q.sortLocked()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if q.Len() == 0 {
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				return
			}
		}

		if q.pass(ctx) {
			continue
		}

		timer := time.NewTimer(q.backoff)
		select {
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// pass tries every pending deletion once and reports whether all of them resolved
func (q *Queue) pass(ctx context.Context) bool {
	ok := true
	for _, d := range q.Pending() {
		if ctx.Err() != nil {
			return false
		}

		err := q.delete(ctx, d)
		switch {
		case err == nil:
			logging.Logger().Info("Server deleted", zap.String("server_id", d.ServerID))
			q.resolve(d.ID, nil)
		case provider.IsNotFound(err):
			logging.Logger().Info("Server already gone", zap.String("server_id", d.ServerID))
			q.resolve(d.ID, nil)
		default:
			ok = false
			logging.Logger().Warn("Failed to delete server, will retry",
				zap.String("server_id", d.ServerID),
				zap.Int("attempts", d.Attempts+1),
				zap.Error(err))
			q.resolve(d.ID, err)
		}
	}

	q.mu.Lock()
	q.persistLocked()
	remaining := make([]string, 0, len(q.pending))
	for _, d := range q.pending {
		remaining = append(remaining, d.ServerID)
	}
	q.mu.Unlock()

	if !ok {
		logging.Logger().Info("Decommission pass incomplete",
			zap.Strings("pending", logging.TruncateSlice(remaining, 10)))
	}
	return ok
}

func (q *Queue) delete(ctx context.Context, d Deletion) error {
	gw, err := q.gateway(ctx, d.Credential)
	if err != nil {
		return err
	}
	return gw.DeleteServer(ctx, d.ServerID)
}

// resolve removes the entry on success and records the failure otherwise
func (q *Queue) resolve(id uint64, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.pending {
		if q.pending[i].ID != id {
			continue
		}
		if err == nil {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
		q.pending[i].Attempts++
		q.pending[i].LastError = err.Error()
		return
	}
}

func (q *Queue) gateway(ctx context.Context, credential config.ProviderConfig) (provider.Gateway, error) {
	key := credential.Key()

	q.mu.Lock()
	gw, ok := q.gateways[key]
	q.mu.Unlock()
	if ok {
		return gw, nil
	}

	gw, err := q.newGateway(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, ok := q.gateways[key]; ok {
		return existing, nil
	}
	q.gateways[key] = gw
	return gw, nil
}

func (q *Queue) sortLocked() {
	sort.SliceStable(q.pending, func(i, j int) bool {
		return q.pending[i].CredentialKey < q.pending[j].CredentialKey
	})
}

func (q *Queue) persistLocked() {
	if q.store == nil || !q.loaded {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := q.store.Save(ctx, q.pending); err != nil {
		logging.Logger().Error("Failed to persist pending deletions", zap.Error(err))
	}
}
