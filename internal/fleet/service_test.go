package fleet_test

import (
	"context"
	"errors"
	"time"

	"buildswarm/internal/bootstrap"
	"buildswarm/internal/config"
	"buildswarm/internal/directory"
	"buildswarm/internal/fleet"
	"buildswarm/internal/provider"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Service", func() {
	var (
		ctx       context.Context
		cfg       *config.Config
		clouds    map[string]*provider.MemoryGateway
		connector *MockConnector
		service   *fleet.Service
	)

	template := func(id string) config.Template {
		return config.Template{
			ID:            id,
			Executors:     1,
			Labels:        "linux",
			Username:      "root",
			SSHPort:       22,
			Hardware:      "S",
			Appliance:     "local",
			WorkspacePath: "/tmp/buildswarm",
		}
	}

	start := func() {
		var err error
		service, err = fleet.New(ctx, cfg,
			fleet.WithGatewayFactory(func(_ context.Context, credential config.ProviderConfig) (provider.Gateway, error) {
				cloud, ok := clouds[credential.Token]
				if !ok {
					return nil, errors.New("unknown account")
				}
				return cloud, nil
			}),
			fleet.WithConnector(connector),
			fleet.WithAgentSource(bootstrap.StaticAgent("agent")),
			fleet.WithPollInterval(10*time.Millisecond),
			fleet.WithDecommissionBackoff(10*time.Millisecond),
		)
		Expect(err).NotTo(HaveOccurred())
		Expect(service.Start()).To(Succeed())
	}

	serverCount := func(token string) func() int {
		return func() int {
			servers, err := clouds[token].ListServers(ctx)
			Expect(err).NotTo(HaveOccurred())
			return len(servers)
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		clouds = map[string]*provider.MemoryGateway{
			"alpha": provider.NewMemoryGateway(),
			"beta":  provider.NewMemoryGateway(),
		}
		connector = &MockConnector{}
		cfg = &config.Config{
			Agent:        config.AgentConfig{RemotePath: config.DefaultAgentRemotePath, RuntimeVersions: []string{"17"}},
			Bootstrap:    config.BootstrapConfig{Concurrency: 4, PollIntervalSeconds: 1},
			Decommission: config.DecommissionConfig{BackoffSeconds: 1},
			Pools: []config.Pool{
				{
					ID:             "alpha",
					InstanceCap:    1,
					TimeoutMinutes: 1,
					Provider:       config.ProviderConfig{Type: config.ProviderMemory, Token: "alpha"},
					Templates:      []config.Template{template("small")},
				},
				{
					ID:             "beta",
					InstanceCap:    5,
					TimeoutMinutes: 1,
					Provider:       config.ProviderConfig{Type: config.ProviderMemory, Token: "beta"},
					Templates:      []config.Template{template("small")},
				},
			},
		}
	})

	AfterEach(func() {
		if service != nil {
			service.Close()
			service = nil
		}
	})

	It("should provision across pools in configuration order", func() {
		start()

		planned, err := service.Provision(ctx, "", "linux", 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(planned).To(HaveLen(3))

		for _, p := range planned {
			attached, err := p.Wait()
			Expect(err).NotTo(HaveOccurred())
			Expect(attached).NotTo(BeNil())
			Expect(attached.Node.Host).To(Equal("127.0.0.1"))
		}

		Expect(serverCount("alpha")()).To(Equal(1))
		Expect(serverCount("beta")()).To(Equal(2))

		nodes, err := service.Nodes(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(nodes).To(HaveLen(3))
		_, ok := service.Attached(nodes[0].Name)
		Expect(ok).To(BeTrue())
	})

	It("should delete the server of a removed node", func() {
		start()

		planned, err := service.Provision(ctx, "alpha", "linux", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(planned).To(HaveLen(1))
		attached, err := planned[0].Wait()
		Expect(err).NotTo(HaveOccurred())

		Expect(service.Remove(ctx, planned[0].Name)).To(Succeed())
		Eventually(attached.Done()).Should(BeClosed())
		Eventually(serverCount("alpha")).Should(BeZero())
		Eventually(service.Pending).Should(BeEmpty())

		_, ok := service.Attached(planned[0].Name)
		Expect(ok).To(BeFalse())
		Expect(service.CanProvision(ctx, "alpha", "linux")).To(BeTrue())
	})

	It("should roll back a node whose bootstrap failed", func() {
		connector.RejectKey = true
		start()

		planned, err := service.Provision(ctx, "alpha", "linux", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(planned).To(HaveLen(1))

		_, err = planned[0].Wait()
		var auth *bootstrap.AuthError
		Expect(errors.As(err, &auth)).To(BeTrue())

		nodes, err := service.Nodes(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(nodes).To(BeEmpty())
		Eventually(serverCount("alpha")).Should(BeZero())
	})

	It("should decommission servers directly", func() {
		clouds["beta"].AddServer(provider.Server{ID: "stray", Name: "stray", Status: provider.StatusPoweredOn})
		start()

		Expect(service.Decommission("beta", "stray")).To(Succeed())
		Eventually(serverCount("beta")).Should(BeZero())
	})

	It("should reject unknown pools", func() {
		start()

		_, err := service.Provision(ctx, "gamma", "linux", 1)
		Expect(err).To(MatchError(fleet.ErrUnknownPool))
		_, err = service.Servers(ctx, "gamma")
		Expect(err).To(MatchError(fleet.ErrUnknownPool))
		Expect(service.Decommission("gamma", "x")).To(MatchError(fleet.ErrUnknownPool))
	})

	It("should list provider servers and options", func() {
		clouds["alpha"].AddServer(provider.Server{ID: "s1", Name: "web", Status: provider.StatusPoweredOn})
		start()

		servers, err := service.Servers(ctx, "alpha")
		Expect(err).NotTo(HaveOccurred())
		Expect(servers).To(HaveLen(1))

		hardware, appliances, err := service.Options(ctx, "alpha")
		Expect(err).NotTo(HaveOccurred())
		Expect(hardware).NotTo(BeEmpty())
		Expect(appliances).NotTo(BeEmpty())
	})

	It("should track idle state", func() {
		start()

		planned, err := service.Provision(ctx, "alpha", "linux", 1)
		Expect(err).NotTo(HaveOccurred())
		_, err = planned[0].Wait()
		Expect(err).NotTo(HaveOccurred())

		Expect(service.MarkIdle(ctx, planned[0].Name)).To(Succeed())
		nodes, _ := service.Nodes(ctx)
		Expect(nodes[0].Idle()).To(BeTrue())

		Expect(service.MarkBusy(ctx, planned[0].Name)).To(Succeed())
		nodes, _ = service.Nodes(ctx)
		Expect(nodes[0].Idle()).To(BeFalse())

		Expect(service.MarkIdle(ctx, "ghost")).To(MatchError(directory.ErrNodeNotFound))
	})

	It("should fail to build when a gateway cannot be created", func() {
		cfg.Pools[1].Provider.Token = "missing"
		_, err := fleet.New(ctx, cfg,
			fleet.WithGatewayFactory(func(_ context.Context, credential config.ProviderConfig) (provider.Gateway, error) {
				return nil, errors.New("bad credential")
			}),
			fleet.WithAgentSource(bootstrap.StaticAgent("agent")),
		)
		Expect(err).To(HaveOccurred())
	})
})
