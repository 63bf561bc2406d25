// Package retention removes nodes that stayed idle longer than their template allows.
package retention

import (
	"context"
	"sync"
	"time"

	"buildswarm/internal/config"
	"buildswarm/internal/directory"
	"buildswarm/internal/logging"

	"go.uber.org/zap"
)

// DefaultInterval is how often idle nodes are checked
const DefaultInterval = time.Minute

// Directory lists nodes and removes them
type Directory interface {
	Nodes(ctx context.Context) ([]directory.Node, error)
	Remove(ctx context.Context, name string) error
}

// Reaper periodically removes idle nodes
type Reaper struct {
	dir      Directory
	pools    []config.Pool
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper creates a stopped reaper
func NewReaper(dir Directory, pools []config.Pool, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reaper{
		dir:      dir,
		pools:    pools,
		interval: interval,
		now:      time.Now,
	}
}

func (r *Reaper) idleTimeout(node directory.Node) (time.Duration, bool) {
	for _, p := range r.pools {
		if p.ID != node.PoolID {
			continue
		}
		tpl, ok := p.Template(node.TemplateID)
		if !ok {
			return 0, false
		}
		return tpl.IdleTimeout(), true
	}
	return 0, false
}

// Sweep removes every node idle for longer than its template timeout and returns how many it removed
func (r *Reaper) Sweep(ctx context.Context) int {
	nodes, err := r.dir.Nodes(ctx)
	if err != nil {
		logging.Logger().Error("Failed to list nodes for idle check", zap.Error(err))
		return 0
	}

	now := r.now()
	removed := 0
	for _, node := range nodes {
		if !node.Idle() {
			continue
		}
		timeout, ok := r.idleTimeout(node)
		if !ok || timeout == 0 {
			continue
		}
		idle := now.Sub(node.IdleSince)
		if idle <= timeout {
			continue
		}

		logging.Logger().Info("Removing idle node",
			zap.String("node", node.Name),
			zap.Duration("idle", idle.Round(time.Second)),
			zap.Duration("idle_timeout", timeout))
		if err := r.dir.Remove(ctx, node.Name); err != nil {
			logging.Logger().Error("Failed to remove idle node",
				zap.String("node", node.Name),
				zap.Error(err))
			continue
		}
		removed++
	}
	return removed
}

// Start sweeps every interval until Stop or ctx is done
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}(r.done)
}

// Stop stops the reaper and waits for a running sweep
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
