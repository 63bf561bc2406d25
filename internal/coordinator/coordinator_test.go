package coordinator_test

import (
	"context"
	"errors"
	"sync"

	"buildswarm/internal/bootstrap"
	"buildswarm/internal/config"
	"buildswarm/internal/coordinator"
	"buildswarm/internal/directory"
	"buildswarm/internal/naming"
	"buildswarm/internal/provider"
	"buildswarm/internal/ssh"

	"github.com/alitto/pond/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type noopDeleter struct{}

func (noopDeleter) Enqueue(config.ProviderConfig, string) {}

// MockBootstrapper attaches every target immediately
type MockBootstrapper struct {
	mu      sync.Mutex
	targets []bootstrap.Target
	err     error
}

func (m *MockBootstrapper) Bootstrap(_ context.Context, target bootstrap.Target) (*bootstrap.Attached, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = append(m.targets, target)
	if m.err != nil {
		return nil, m.err
	}
	return &bootstrap.Attached{Node: target.Node}, nil
}

func (m *MockBootstrapper) Targets() []bootstrap.Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bootstrap.Target(nil), m.targets...)
}

func waitAll(planned []*coordinator.PlannedNode) (attached int, errs int) {
	for _, p := range planned {
		a, err := p.Wait()
		switch {
		case err != nil:
			errs++
		case a != nil:
			attached++
		}
	}
	return attached, errs
}

var _ = Describe("Coordinator", func() {
	var (
		ctx          context.Context
		cancel       context.CancelFunc
		cloud        *provider.MemoryGateway
		registry     *directory.Registry
		bootstrapper *MockBootstrapper
		workers      pond.Pool
		pool         config.Pool
	)

	newCoordinator := func() *coordinator.Coordinator {
		return coordinator.New(ctx, pool, coordinator.Dependencies{
			Lock:         &sync.Mutex{},
			Gateway:      cloud,
			Directory:    registry,
			Bootstrapper: bootstrapper,
			Keys:         ssh.NewInMemoryKeyProvider(),
			Workers:      workers,
		})
	}

	nodeCount := func() int {
		nodes, err := registry.Nodes(ctx)
		Expect(err).NotTo(HaveOccurred())
		return len(nodes)
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		cloud = provider.NewMemoryGateway()
		bootstrapper = &MockBootstrapper{}
		workers = pond.NewPool(10)
		pool = config.Pool{
			ID:             "prod",
			InstanceCap:    2,
			TimeoutMinutes: 10,
			Provider:       config.ProviderConfig{Type: config.ProviderMemory, Token: "coordinator"},
			Templates: []config.Template{
				{ID: "small", Executors: 1, Labels: "linux", Username: "root", SSHPort: 22, Hardware: "S", Appliance: "local"},
			},
		}
		registry = directory.NewRegistry(directory.NewMemoryStore(), noopDeleter{}, []config.Pool{pool})
	})

	AfterEach(func() {
		workers.StopAndWait()
		cancel()
	})

	It("should plan nodes until the pool cap is reached", func() {
		c := newCoordinator()

		planned := c.Provision(ctx, "linux", 3)
		Expect(planned).To(HaveLen(2))
		for _, p := range planned {
			Expect(naming.BelongsToTemplate(p.Name, "prod", "small")).To(BeTrue())
			Expect(p.Executors).To(Equal(1))
		}

		attached, errs := waitAll(planned)
		Expect(attached).To(Equal(2))
		Expect(errs).To(BeZero())
		Expect(nodeCount()).To(Equal(2))
		Expect(cloud.CreateCalls()).To(Equal(2))

		targets := bootstrapper.Targets()
		Expect(targets).To(HaveLen(2))
		Expect(targets[0].Signer).NotTo(BeNil())
		Expect(targets[0].Node.Description).To(ContainSubstring("Computer running on memory with name: jenkins-prod-small-"))
	})

	It("should never exceed the pool cap under concurrent provisioning", func() {
		c := newCoordinator()

		var (
			mu      sync.Mutex
			planned []*coordinator.PlannedNode
			wg      sync.WaitGroup
		)
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p := c.Provision(ctx, "linux", 3)
				mu.Lock()
				planned = append(planned, p...)
				mu.Unlock()
			}()
		}
		wg.Wait()

		waitAll(planned)
		Expect(nodeCount()).To(Equal(2))
		Expect(cloud.CreateCalls()).To(Equal(2))
	})

	It("should respect template caps and fall through in declared order", func() {
		pool.InstanceCap = 0
		pool.Templates = []config.Template{
			{ID: "small", InstanceCap: 1, Executors: 1, Labels: "linux", Username: "root", SSHPort: 22},
			{ID: "big", InstanceCap: 0, Executors: 2, Labels: "linux big", Username: "root", SSHPort: 22},
		}
		c := newCoordinator()

		planned := c.Provision(ctx, "linux", 5)
		Expect(planned).To(HaveLen(3))
		Expect(planned[0].TemplateID).To(Equal("small"))
		Expect(planned[1].TemplateID).To(Equal("big"))
		Expect(planned[2].TemplateID).To(Equal("big"))
		waitAll(planned)
	})

	It("should treat zero caps as unbounded", func() {
		pool.InstanceCap = 0
		pool.Templates[0].InstanceCap = 0
		c := newCoordinator()

		planned := c.Provision(ctx, "linux", 5)
		Expect(planned).To(HaveLen(5))
		attached, _ := waitAll(planned)
		Expect(attached).To(Equal(5))
	})

	It("should count live remote servers but not removing ones", func() {
		pool.InstanceCap = 1
		cloud.AddServer(provider.Server{
			ID:     "gone",
			Name:   naming.Generate("prod", "small"),
			Status: provider.StatusRemoving,
		})
		cloud.AddServer(provider.Server{
			ID:     "other-pool",
			Name:   naming.Generate("staging", "small"),
			Status: provider.StatusPoweredOn,
		})
		cloud.AddServer(provider.Server{ID: "unmanaged", Name: "web-1", Status: provider.StatusPoweredOn})
		c := newCoordinator()

		planned := c.Provision(ctx, "linux", 1)
		Expect(planned).To(HaveLen(1))
		waitAll(planned)

		cloud.AddServer(provider.Server{
			ID:     "console",
			Name:   naming.Generate("prod", "small"),
			Status: provider.StatusPoweredOn,
		})
		Expect(c.Provision(ctx, "linux", 1)).To(BeEmpty())
	})

	It("should count servers created outside the directory", func() {
		cloud.AddServer(provider.Server{ID: "a", Name: naming.Generate("prod", "small"), Status: provider.StatusPoweringOn})
		cloud.AddServer(provider.Server{ID: "b", Name: naming.Generate("prod", "small"), Status: provider.StatusPoweredOn})
		c := newCoordinator()

		Expect(c.Provision(ctx, "linux", 1)).To(BeEmpty())
		Expect(c.CanProvision(ctx, "linux")).To(BeTrue())
	})

	It("should not plan for labels no template serves", func() {
		c := newCoordinator()
		Expect(c.Provision(ctx, "windows", 1)).To(BeEmpty())
		Expect(c.Provision(ctx, "", 1)).To(BeEmpty())

		pool.Templates[0].AllowLabelless = true
		c = newCoordinator()
		planned := c.Provision(ctx, "", 1)
		Expect(planned).To(HaveLen(1))
		waitAll(planned)
	})

	It("should return nothing when the provider cannot be listed", func() {
		cloud.FailList(errors.New("connection refused"))
		c := newCoordinator()

		Expect(c.Provision(ctx, "linux", 2)).To(BeEmpty())
		Expect(cloud.CreateCalls()).To(BeZero())

		cloud.FailList(nil)
		planned := c.Provision(ctx, "linux", 2)
		Expect(planned).To(HaveLen(2))
		waitAll(planned)
	})

	It("should release the reservation when creation fails", func() {
		cloud.FailCreate(errors.New("quota exceeded"))
		c := newCoordinator()

		planned := c.Provision(ctx, "linux", 2)
		Expect(planned).To(HaveLen(2))
		attached, errs := waitAll(planned)
		Expect(attached).To(BeZero())
		Expect(errs).To(Equal(2))
		Expect(nodeCount()).To(BeZero())

		cloud.FailCreate(nil)
		Expect(c.CanProvision(ctx, "linux")).To(BeTrue())
		Expect(c.Provision(ctx, "linux", 2)).To(HaveLen(2))
	})

	It("should resolve planned nodes when the worker pool is stopped", func() {
		stopped := pond.NewPool(1)
		stopped.StopAndWait()
		c := coordinator.New(ctx, pool, coordinator.Dependencies{
			Lock:         &sync.Mutex{},
			Gateway:      cloud,
			Directory:    registry,
			Bootstrapper: bootstrapper,
			Keys:         ssh.NewInMemoryKeyProvider(),
			Workers:      stopped,
		})

		planned := c.Provision(ctx, "linux", 2)
		Expect(planned).To(HaveLen(2))
		for _, p := range planned {
			Eventually(p.Done()).Should(BeClosed())
			_, err := p.Wait()
			Expect(err).To(MatchError(coordinator.ErrStopped))
		}

		Expect(cloud.CreateCalls()).To(BeZero())
		Expect(c.CanProvision(ctx, "linux")).To(BeTrue())
	})

	It("should surface bootstrap failures through the planned node", func() {
		bootstrapper.err = errors.New("init script failed")
		c := newCoordinator()

		planned := c.Provision(ctx, "linux", 1)
		Expect(planned).To(HaveLen(1))
		_, err := planned[0].Wait()
		Expect(err).To(MatchError("init script failed"))
	})

	It("should drop a planned node when capacity vanished before creation", func() {
		pool.InstanceCap = 1
		block := make(chan struct{})
		workers.StopAndWait()
		workers = pond.NewPool(1)
		workers.Submit(func() { <-block })
		c := newCoordinator()

		planned := c.Provision(ctx, "linux", 1)
		Expect(planned).To(HaveLen(1))

		cloud.AddServer(provider.Server{
			ID:     "console",
			Name:   naming.Generate("prod", "small"),
			Status: provider.StatusPoweredOn,
		})
		close(block)

		attached, err := planned[0].Wait()
		Expect(err).NotTo(HaveOccurred())
		Expect(attached).To(BeNil())
		Expect(cloud.CreateCalls()).To(BeZero())
		Eventually(planned[0].Done()).Should(BeClosed())
	})

	Describe("CanProvision", func() {
		It("should follow the local view of template and pool caps", func() {
			pool.Templates[0].InstanceCap = 1
			c := newCoordinator()
			Expect(c.CanProvision(ctx, "linux")).To(BeTrue())
			Expect(c.CanProvision(ctx, "windows")).To(BeFalse())

			Expect(registry.Add(ctx, directory.Node{Name: naming.Generate("prod", "small"), PoolID: "prod"})).To(Succeed())
			Expect(c.CanProvision(ctx, "linux")).To(BeFalse())
		})

		It("should count planned nodes that are not registered yet", func() {
			pool.InstanceCap = 1
			block := make(chan struct{})
			workers.StopAndWait()
			workers = pond.NewPool(1)
			workers.Submit(func() { <-block })
			c := newCoordinator()

			Expect(c.Provision(ctx, "linux", 1)).To(HaveLen(1))
			Expect(c.CanProvision(ctx, "linux")).To(BeFalse())
			close(block)
		})
	})
})
