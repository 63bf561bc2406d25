// Package coordinator decides when a pool may create nodes and keeps it under its caps.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"buildswarm/internal/bootstrap"
	"buildswarm/internal/config"
	"buildswarm/internal/directory"
	"buildswarm/internal/logging"
	"buildswarm/internal/naming"
	"buildswarm/internal/provider"
	"buildswarm/internal/ssh"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"
)

const cleanupTimeout = 30 * time.Second

// ErrStopped resolves planned nodes that could not be handed to the worker pool
var ErrStopped = errors.New("provisioning workers are stopped")

// Directory is the node directory as the coordinator uses it
type Directory interface {
	Nodes(ctx context.Context) ([]directory.Node, error)
	Add(ctx context.Context, node directory.Node) error
}

// Bootstrapper attaches created servers
type Bootstrapper interface {
	Bootstrap(ctx context.Context, target bootstrap.Target) (*bootstrap.Attached, error)
}

// Dependencies are the collaborators of a Coordinator
type Dependencies struct {
	// Lock serializes every capacity decision of the pool
	Lock         sync.Locker
	Gateway      provider.Gateway
	Directory    Directory
	Bootstrapper Bootstrapper
	Keys         ssh.KeyProvider
	Workers      pond.Pool
}

// Coordinator provisions nodes for one pool
type Coordinator struct {
	ctx  context.Context
	pool config.Pool
	deps Dependencies

	// reservations are names planned but not yet registered, guarded by deps.Lock
	reservations map[string]string
}

// New creates a coordinator. Asynchronous work runs under ctx.
func New(ctx context.Context, pool config.Pool, deps Dependencies) *Coordinator {
	if deps.Lock == nil {
		deps.Lock = &sync.Mutex{}
	}
	return &Coordinator{
		ctx:          ctx,
		pool:         pool,
		deps:         deps,
		reservations: make(map[string]string),
	}
}

// Pool returns the pool configuration
func (c *Coordinator) Pool() config.Pool {
	return c.pool
}

// Gateway returns the provider gateway of the pool
func (c *Coordinator) Gateway() provider.Gateway {
	return c.deps.Gateway
}

// usage is the number of nodes attributed to the pool and to each template
type usage struct {
	local            int
	remote           int
	localByTemplate  map[string]int
	remoteByTemplate map[string]int
}

// usage counts directory nodes and live provider servers of the pool together with
// reservations, leaving out exclude. Callers hold the lock.
func (c *Coordinator) usage(nodes []directory.Node, servers []provider.Server, exclude string) usage {
	u := usage{
		localByTemplate:  make(map[string]int),
		remoteByTemplate: make(map[string]int),
	}

	visible := make(map[string]bool)
	for _, s := range servers {
		if s.Status == provider.StatusRemoving {
			continue
		}
		name, ok := naming.Parse(s.Name)
		if !ok || name.PoolID != c.pool.ID {
			continue
		}
		u.remote++
		u.remoteByTemplate[name.TemplateID]++
		visible[s.Name] = true
	}

	for _, n := range nodes {
		name, ok := naming.Parse(n.Name)
		if !ok || name.PoolID != c.pool.ID {
			continue
		}
		u.local++
		u.localByTemplate[name.TemplateID]++
	}

	for name, templateID := range c.reservations {
		if name == exclude {
			continue
		}
		u.local++
		u.localByTemplate[templateID]++
		if !visible[name] {
			u.remote++
			u.remoteByTemplate[templateID]++
		}
	}
	return u
}

// poolHasRoom reports whether both views are under the effective pool cap
func (c *Coordinator) poolHasRoom(u usage) bool {
	limit := effectiveCap(c.pool)
	return below(u.local, limit) && below(u.remote, limit)
}

func templateHasRoom(u usage, tpl config.Template) bool {
	return below(u.localByTemplate[tpl.ID], tpl.InstanceCap) &&
		below(u.remoteByTemplate[tpl.ID], tpl.InstanceCap)
}

// snapshot fetches the local and remote views
func (c *Coordinator) snapshot(ctx context.Context) ([]directory.Node, []provider.Server, error) {
	nodes, err := c.deps.Directory.Nodes(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	servers, err := c.deps.Gateway.ListServers(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list servers: %w", err)
	}
	return nodes, servers, nil
}

// Provision plans nodes for label until demand executors are covered or a cap is reached.
// Planned nodes are created asynchronously. Errors are logged and yield no nodes.
func (c *Coordinator) Provision(ctx context.Context, label string, demand int) []*PlannedNode {
	log := logging.Logger().With(zap.String("pool", c.pool.ID), zap.String("label", label))

	c.deps.Lock.Lock()
	planned, err := c.plan(ctx, label, demand, log)
	if err != nil {
		for _, p := range planned {
			delete(c.reservations, p.Name)
		}
		c.deps.Lock.Unlock()
		log.Error("Failed to provision", zap.Int("demand", demand), zap.Error(err))
		return nil
	}
	c.deps.Lock.Unlock()

	for _, p := range planned {
		if c.deps.Workers.Stopped() {
			c.abandon(p, ErrStopped, log)
			continue
		}
		task := c.deps.Workers.Submit(func() {
			p.resolve(c.launch(p))
		})
		go func() {
			// a task rejected by a pool stopped meanwhile, or one that panicked, never resolved p
			if err := task.Wait(); err != nil {
				c.abandon(p, err, log)
			}
		}()
	}

	if len(planned) > 0 {
		log.Info("Provisioning nodes",
			zap.Int("demand", demand),
			zap.Int("planned", len(planned)))
	}
	return planned
}

// plan reserves names while caps allow. Callers hold the lock.
func (c *Coordinator) plan(ctx context.Context, label string, demand int, log *zap.Logger) ([]*PlannedNode, error) {
	var planned []*PlannedNode
	candidates := matching(c.pool.Templates, label)

	for demand > 0 {
		nodes, servers, err := c.snapshot(ctx)
		if err != nil {
			return planned, err
		}

		u := c.usage(nodes, servers, "")
		if !c.poolHasRoom(u) {
			log.Info("Instance cap reached, not provisioning",
				zap.Int("instance_cap", effectiveCap(c.pool)),
				zap.Int("local", u.local),
				zap.Int("remote", u.remote))
			break
		}

		var chosen *config.Template
		for i := range candidates {
			if templateHasRoom(u, candidates[i]) {
				chosen = &candidates[i]
				break
			}
		}
		if chosen == nil {
			log.Info("No template with capacity matches label")
			break
		}

		name := naming.Generate(c.pool.ID, chosen.ID)
		c.reservations[name] = chosen.ID
		planned = append(planned, newPlannedNode(name, chosen.ID, chosen.Executors))
		demand -= chosen.Executors
	}
	return planned, nil
}

// CanProvision reports whether a template matching label is below its cap in the local view
// and the pool is below its cap. Errors yield false.
func (c *Coordinator) CanProvision(ctx context.Context, label string) bool {
	c.deps.Lock.Lock()
	defer c.deps.Lock.Unlock()

	nodes, err := c.deps.Directory.Nodes(ctx)
	if err != nil {
		logging.Logger().Error("Failed to check capacity",
			zap.String("pool", c.pool.ID),
			zap.Error(err))
		return false
	}

	u := c.usage(nodes, nil, "")
	if !below(u.local, effectiveCap(c.pool)) {
		return false
	}
	for _, tpl := range matching(c.pool.Templates, label) {
		if below(u.localByTemplate[tpl.ID], tpl.InstanceCap) {
			return true
		}
	}
	return false
}

// recheck validates the caps for a reservation against fresh views
func (c *Coordinator) recheck(p *PlannedNode) (bool, error) {
	c.deps.Lock.Lock()
	defer c.deps.Lock.Unlock()

	nodes, servers, err := c.snapshot(c.ctx)
	if err != nil {
		delete(c.reservations, p.Name)
		return false, err
	}

	tpl, ok := c.pool.Template(p.TemplateID)
	u := c.usage(nodes, servers, p.Name)
	if !ok || !c.poolHasRoom(u) || !templateHasRoom(u, tpl) {
		delete(c.reservations, p.Name)
		return false, nil
	}
	return true, nil
}

// abandon releases the reservation of a planned node that will not be launched
func (c *Coordinator) abandon(p *PlannedNode, err error, log *zap.Logger) {
	c.release(p.Name)
	p.resolve(nil, err)
	log.Warn("Planned node abandoned", zap.String("node", p.Name), zap.Error(err))
}

func (c *Coordinator) release(name string) {
	c.deps.Lock.Lock()
	defer c.deps.Lock.Unlock()
	delete(c.reservations, name)
}

// launch creates, registers and bootstraps one planned node
func (c *Coordinator) launch(p *PlannedNode) (*bootstrap.Attached, error) {
	log := logging.Logger().With(
		zap.String("pool", c.pool.ID),
		zap.String("template", p.TemplateID),
		zap.String("node", p.Name))

	ok, err := c.recheck(p)
	if err != nil {
		log.Error("Failed to verify capacity before creating node", zap.Error(err))
		return nil, err
	}
	if !ok {
		log.Info("Instance cap reached before creation, dropping planned node")
		return nil, nil
	}

	tpl, _ := c.pool.Template(p.TemplateID)
	keys, err := ssh.Resolve(c.ctx, c.deps.Keys, c.pool.ID, c.pool.SSH)
	if err != nil {
		c.release(p.Name)
		return nil, fmt.Errorf("failed to resolve SSH key: %w", err)
	}
	signer, err := keys.Signer()
	if err != nil {
		c.release(p.Name)
		return nil, err
	}

	server, err := c.deps.Gateway.CreateServer(c.ctx, provider.ServerSpec{
		Name:      p.Name,
		PublicKey: keys.PublicKey,
		Username:  tpl.Username,
		Hardware:  tpl.Hardware,
		Appliance: tpl.Appliance,
	})
	if err != nil {
		c.release(p.Name)
		log.Error("Failed to create server", zap.Error(err))
		return nil, err
	}
	log.Info("Server created", zap.String("server_id", server.ID))

	node := directory.Node{
		Name:        p.Name,
		PoolID:      c.pool.ID,
		TemplateID:  tpl.ID,
		ServerID:    server.ID,
		Provider:    string(c.pool.Provider.Type),
		Port:        tpl.SSHPort,
		User:        tpl.Username,
		Executors:   tpl.Executors,
		Labels:      tpl.LabelSet(),
		Description: directory.Describe(string(c.pool.Provider.Type), p.Name),
		CreatedAt:   time.Now(),
	}
	if err := c.deps.Directory.Add(c.ctx, node); err != nil {
		c.release(p.Name)
		log.Error("Failed to register node, deleting server", zap.Error(err))
		c.deleteOrphan(server.ID, log)
		return nil, err
	}
	c.release(p.Name)

	return c.deps.Bootstrapper.Bootstrap(c.ctx, bootstrap.Target{
		Node:     node,
		Pool:     c.pool,
		Template: tpl,
		Gateway:  c.deps.Gateway,
		Signer:   signer,
	})
}

func (c *Coordinator) deleteOrphan(serverID string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := c.deps.Gateway.DeleteServer(ctx, serverID); err != nil && !provider.IsNotFound(err) {
		log.Error("Failed to delete unregistered server",
			zap.String("server_id", serverID),
			zap.Error(err))
	}
}
