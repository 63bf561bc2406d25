// Package fleet wires the pools, the node directory, the bootstrap engine and the
// decommission queue into one service.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"buildswarm/internal/bootstrap"
	"buildswarm/internal/config"
	"buildswarm/internal/control"
	"buildswarm/internal/coordinator"
	"buildswarm/internal/decommission"
	"buildswarm/internal/directory"
	"buildswarm/internal/logging"
	"buildswarm/internal/provider"
	"buildswarm/internal/retention"
	"buildswarm/internal/ssh"

	"github.com/alitto/pond/v2"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// ErrUnknownPool is returned for pool ids missing from the configuration
var ErrUnknownPool = errors.New("unknown pool")

// Option configures a Service
type Option func(*options)

type options struct {
	gatewayFactory  decommission.GatewayFactory
	connector       control.Connector
	agent           bootstrap.AgentSource
	pollInterval    time.Duration
	reaperInterval  time.Duration
	decommissionBackoff time.Duration
}

// WithGatewayFactory replaces provider.New
func WithGatewayFactory(factory decommission.GatewayFactory) Option {
	return func(o *options) { o.gatewayFactory = factory }
}

// WithConnector replaces the SSH connector
func WithConnector(connector control.Connector) Option {
	return func(o *options) { o.connector = connector }
}

// WithAgentSource replaces the configured agent payload
func WithAgentSource(agent bootstrap.AgentSource) Option {
	return func(o *options) { o.agent = agent }
}

// WithPollInterval overrides the bootstrap poll interval
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithReaperInterval overrides how often idle nodes are checked
func WithReaperInterval(d time.Duration) Option {
	return func(o *options) { o.reaperInterval = d }
}

// WithDecommissionBackoff overrides the wait after a failed deletion pass
func WithDecommissionBackoff(d time.Duration) Option {
	return func(o *options) { o.decommissionBackoff = d }
}

// Service is the provisioning control plane
type Service struct {
	cfg    *config.Config
	ctx    context.Context
	cancel context.CancelFunc

	etcd         *clientv3.Client
	keys         ssh.KeyProvider
	queue        *decommission.Queue
	registry     *directory.Registry
	engine       *bootstrap.Engine
	workers      pond.Pool
	reaper       *retention.Reaper
	coordinators map[string]*coordinator.Coordinator

	mu       sync.Mutex
	attached map[string]*bootstrap.Attached
}

// New builds the service. Nothing runs in the background until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	o := options{
		gatewayFactory: provider.New,
		connector:      control.NewSSHConnector(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{
		cfg:          cfg,
		coordinators: make(map[string]*coordinator.Coordinator),
		attached:     make(map[string]*bootstrap.Attached),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	if len(cfg.Etcd.Endpoints) > 0 {
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: time.Duration(cfg.Etcd.DialTimeout) * time.Second,
		})
		if err != nil {
			s.cancel()
			return nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		s.etcd = client
	}

	s.keys = ssh.NewKeyProvider(s.etcd)

	var nodes directory.Store = directory.NewMemoryStore()
	queueOpts := []decommission.Option{decommission.WithGatewayFactory(o.gatewayFactory)}
	switch {
	case s.etcd != nil:
		nodes = directory.NewEtcdStore(s.etcd)
		queueOpts = append(queueOpts, decommission.WithStore(decommission.NewEtcdStore(s.etcd)))
	case cfg.Decommission.StateFile != "":
		queueOpts = append(queueOpts, decommission.WithStore(decommission.NewFileStore(cfg.Decommission.StateFile)))
	}
	if o.decommissionBackoff > 0 {
		queueOpts = append(queueOpts, decommission.WithBackoff(o.decommissionBackoff))
	}
	s.queue = decommission.NewQueue(cfg.Decommission, cfg.Pools, queueOpts...)
	s.registry = directory.NewRegistry(nodes, s.queue, cfg.Pools)

	agent := o.agent
	if agent == nil {
		var err error
		agent, err = bootstrap.NewAgentSource(cfg.Agent)
		if err != nil {
			s.Close()
			return nil, err
		}
	}
	var engineOpts []bootstrap.Option
	if o.pollInterval > 0 {
		engineOpts = append(engineOpts, bootstrap.WithPollInterval(o.pollInterval))
	}
	s.engine = bootstrap.NewEngine(s.registry, o.connector, agent, cfg, engineOpts...)
	s.workers = pond.NewPool(cfg.Bootstrap.Concurrency)

	for _, pool := range cfg.Pools {
		gw, err := o.gatewayFactory(s.ctx, pool.Provider)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to create gateway for pool %s: %w", pool.ID, err)
		}
		s.coordinators[pool.ID] = coordinator.New(s.ctx, pool, coordinator.Dependencies{
			Lock:         &sync.Mutex{},
			Gateway:      gw,
			Directory:    s.registry,
			Bootstrapper: s,
			Keys:         s.keys,
			Workers:      s.workers,
		})
	}

	s.reaper = retention.NewReaper(s, cfg.Pools, o.reaperInterval)
	return s, nil
}

// Start starts the decommission worker and the idle reaper
func (s *Service) Start() error {
	if err := s.queue.Start(s.ctx); err != nil {
		return err
	}
	s.reaper.Start(s.ctx)

	logging.Logger().Info("Fleet started",
		zap.Int("pools", len(s.cfg.Pools)),
		zap.Int("bootstrap_concurrency", s.cfg.Bootstrap.Concurrency),
		zap.Bool("etcd", s.etcd != nil))
	return nil
}

// Close stops background work, cancels running bootstraps and detaches every agent.
// Pending deletions stay persisted when a store is configured.
func (s *Service) Close() {
	s.cancel()
	if s.reaper != nil {
		s.reaper.Stop()
	}
	if s.workers != nil {
		s.workers.StopAndWait()
	}
	if s.queue != nil {
		s.queue.Stop()
	}

	s.mu.Lock()
	attached := make([]*bootstrap.Attached, 0, len(s.attached))
	for _, a := range s.attached {
		attached = append(attached, a)
	}
	s.mu.Unlock()
	for _, a := range attached {
		a.Close()
	}

	if s.keys != nil {
		s.keys.Close()
	}
	if s.etcd != nil {
		if err := s.etcd.Close(); err != nil {
			logging.Logger().Warn("Failed to close etcd client", zap.Error(err))
		}
	}
}

// Bootstrap runs the engine and keeps track of the attached agent
func (s *Service) Bootstrap(ctx context.Context, target bootstrap.Target) (*bootstrap.Attached, error) {
	attached, err := s.engine.Bootstrap(ctx, target)
	if err != nil {
		return nil, err
	}

	name := target.Node.Name
	s.mu.Lock()
	s.attached[name] = attached
	s.mu.Unlock()

	go func() {
		<-attached.Done()
		s.mu.Lock()
		if s.attached[name] == attached {
			delete(s.attached, name)
		}
		s.mu.Unlock()

		// A node without agent takes no builds, leave it to the idle reaper
		if err := s.registry.MarkIdle(context.Background(), name, time.Now()); err != nil &&
			!errors.Is(err, directory.ErrNodeNotFound) {
			logging.Logger().Warn("Failed to mark disconnected node idle",
				zap.String("node", name),
				zap.Error(err))
		}
	}()
	return attached, nil
}

// Attached returns the agent channel of a node
func (s *Service) Attached(name string) (*bootstrap.Attached, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attached[name]
	return a, ok
}

func (s *Service) coordinator(poolID string) (*coordinator.Coordinator, error) {
	c, ok := s.coordinators[poolID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, poolID)
	}
	return c, nil
}

// targets returns the coordinators of poolID, or of every pool in configuration order when empty
func (s *Service) targets(poolID string) ([]*coordinator.Coordinator, error) {
	if poolID != "" {
		c, err := s.coordinator(poolID)
		if err != nil {
			return nil, err
		}
		return []*coordinator.Coordinator{c}, nil
	}
	out := make([]*coordinator.Coordinator, 0, len(s.cfg.Pools))
	for _, p := range s.cfg.Pools {
		out = append(out, s.coordinators[p.ID])
	}
	return out, nil
}

// CanProvision reports whether any targeted pool could create a node for label
func (s *Service) CanProvision(ctx context.Context, poolID, label string) (bool, error) {
	coordinators, err := s.targets(poolID)
	if err != nil {
		return false, err
	}
	for _, c := range coordinators {
		if c.CanProvision(ctx, label) {
			return true, nil
		}
	}
	return false, nil
}

// Provision asks the targeted pools in order for nodes until demand executors are planned
func (s *Service) Provision(ctx context.Context, poolID, label string, demand int) ([]*coordinator.PlannedNode, error) {
	coordinators, err := s.targets(poolID)
	if err != nil {
		return nil, err
	}

	var planned []*coordinator.PlannedNode
	for _, c := range coordinators {
		if demand <= 0 {
			break
		}
		nodes := c.Provision(ctx, label, demand)
		for _, n := range nodes {
			demand -= n.Executors
		}
		planned = append(planned, nodes...)
	}
	return planned, nil
}

// Nodes lists the node directory
func (s *Service) Nodes(ctx context.Context) ([]directory.Node, error) {
	return s.registry.Nodes(ctx)
}

// Remove detaches and removes a node. Its server is deleted in the background.
func (s *Service) Remove(ctx context.Context, name string) error {
	s.mu.Lock()
	attached, ok := s.attached[name]
	delete(s.attached, name)
	s.mu.Unlock()

	err := s.registry.Remove(ctx, name)
	if ok {
		attached.Close()
	}
	return err
}

// MarkIdle records that a node finished its builds
func (s *Service) MarkIdle(ctx context.Context, name string) error {
	return s.registry.MarkIdle(ctx, name, time.Now())
}

// MarkBusy records that a node accepted a build
func (s *Service) MarkBusy(ctx context.Context, name string) error {
	return s.registry.MarkBusy(ctx, name)
}

// Servers lists the provider servers of a pool
func (s *Service) Servers(ctx context.Context, poolID string) ([]provider.Server, error) {
	c, err := s.coordinator(poolID)
	if err != nil {
		return nil, err
	}
	return c.Gateway().ListServers(ctx)
}

// Options lists the hardware flavors and appliance images of a pool
func (s *Service) Options(ctx context.Context, poolID string) ([]provider.Option, []provider.Option, error) {
	c, err := s.coordinator(poolID)
	if err != nil {
		return nil, nil, err
	}
	hardware, err := c.Gateway().ListHardwareOptions(ctx)
	if err != nil {
		return nil, nil, err
	}
	appliances, err := c.Gateway().ListApplianceOptions(ctx)
	if err != nil {
		return nil, nil, err
	}
	return hardware, appliances, nil
}

// Decommission schedules deletion of a server of a pool without touching the directory
func (s *Service) Decommission(poolID, serverID string) error {
	c, err := s.coordinator(poolID)
	if err != nil {
		return err
	}
	s.queue.Enqueue(c.Pool().Provider, serverID)
	return nil
}

// Pending lists deletions not confirmed by the provider yet
func (s *Service) Pending() []decommission.Deletion {
	return s.queue.Pending()
}
