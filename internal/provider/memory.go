package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryGateway is an in-process cloud. Servers it creates power on immediately on 127.0.0.1
// unless configured otherwise. It backs local runs and tests.
type MemoryGateway struct {
	mu      sync.Mutex
	servers map[string]*Server
	seq     int

	// InitialStatus is the status of newly created servers
	InitialStatus Status
	// Address is reported for newly created servers
	Address string
	// KeepRemoving leaves deleted servers listed with status REMOVING instead of dropping them
	KeepRemoving bool

	createErr error
	deleteErr map[string]error
	getErr    error
	listErr   error

	creates int
	deletes map[string]int
}

// NewMemoryGateway creates an empty in-memory cloud
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		servers:       make(map[string]*Server),
		deleteErr:     make(map[string]error),
		deletes:       make(map[string]int),
		InitialStatus: StatusPoweredOn,
		Address:       "127.0.0.1",
	}
}

var (
	memoryMu       sync.Mutex
	memoryAccounts = make(map[string]*MemoryGateway)
)

// memoryAccount returns the shared in-memory cloud for an account key so that every
// gateway built from the same credential sees the same servers
func memoryAccount(key string) *MemoryGateway {
	memoryMu.Lock()
	defer memoryMu.Unlock()
	gw, ok := memoryAccounts[key]
	if !ok {
		gw = NewMemoryGateway()
		memoryAccounts[key] = gw
	}
	return gw
}

// ListServers implements Gateway
func (g *MemoryGateway) ListServers(ctx context.Context) ([]Server, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listErr != nil {
		return nil, wrap("list servers", "", g.listErr)
	}
	out := make([]Server, 0, len(g.servers))
	for _, s := range g.servers {
		out = append(out, copyServer(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetServer implements Gateway
func (g *MemoryGateway) GetServer(ctx context.Context, id string) (*Server, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.getErr != nil {
		return nil, wrap("get server", id, g.getErr)
	}
	s, ok := g.servers[id]
	if !ok {
		return nil, wrap("get server", id, ErrNotFound)
	}
	c := copyServer(s)
	return &c, nil
}

// CreateServer implements Gateway
func (g *MemoryGateway) CreateServer(ctx context.Context, spec ServerSpec) (*Server, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.creates++
	if g.createErr != nil {
		return nil, wrap("create server", spec.Name, g.createErr)
	}
	g.seq++
	s := &Server{
		ID:        fmt.Sprintf("mem-%d", g.seq),
		Name:      spec.Name,
		Status:    g.InitialStatus,
		CreatedAt: time.Now(),
	}
	if g.Address != "" {
		s.Addresses = []string{g.Address}
	}
	g.servers[s.ID] = s
	c := copyServer(s)
	return &c, nil
}

// DeleteServer implements Gateway
func (g *MemoryGateway) DeleteServer(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deletes[id]++
	if err := g.deleteErr[id]; err != nil {
		return wrap("delete server", id, err)
	}
	s, ok := g.servers[id]
	if !ok || s.Status == StatusRemoving {
		return wrap("delete server", id, ErrNotFound)
	}
	if g.KeepRemoving {
		s.Status = StatusRemoving
		return nil
	}
	delete(g.servers, id)
	return nil
}

// ListHardwareOptions implements Gateway
func (g *MemoryGateway) ListHardwareOptions(ctx context.Context) ([]Option, error) {
	return []Option{
		{ID: "S", Name: "S", Description: "1 core, 1 GB"},
		{ID: "M", Name: "M", Description: "2 cores, 4 GB"},
		{ID: "L", Name: "L", Description: "4 cores, 8 GB"},
	}, nil
}

// ListApplianceOptions implements Gateway
func (g *MemoryGateway) ListApplianceOptions(ctx context.Context) ([]Option, error) {
	return []Option{{ID: "local", Name: "local", Description: "in-memory image"}}, nil
}

// AddServer seeds a server, replacing any server with the same id
func (g *MemoryGateway) AddServer(s Server) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := copyServer(&s)
	g.servers[s.ID] = &c
}

// SetStatus changes the status of a server
func (g *MemoryGateway) SetStatus(id string, status Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.servers[id]; ok {
		s.Status = status
	}
}

// SetAddresses changes the addresses of a server
func (g *MemoryGateway) SetAddresses(id string, addresses ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.servers[id]; ok {
		s.Addresses = append([]string(nil), addresses...)
	}
}

// FailCreate makes subsequent CreateServer calls fail with err. Nil restores normal behavior.
func (g *MemoryGateway) FailCreate(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createErr = err
}

// FailDelete makes DeleteServer of id fail with err. Nil restores normal behavior.
func (g *MemoryGateway) FailDelete(id string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.deleteErr, id)
		return
	}
	g.deleteErr[id] = err
}

// FailGet makes GetServer fail with err. Nil restores normal behavior.
func (g *MemoryGateway) FailGet(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.getErr = err
}

// FailList makes ListServers fail with err. Nil restores normal behavior.
func (g *MemoryGateway) FailList(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listErr = err
}

// CreateCalls returns how many times CreateServer was called
func (g *MemoryGateway) CreateCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creates
}

// DeleteCalls returns how many times DeleteServer was called for id
func (g *MemoryGateway) DeleteCalls(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.deletes[id]
}

func copyServer(s *Server) Server {
	c := *s
	c.Addresses = append([]string(nil), s.Addresses...)
	return c
}
