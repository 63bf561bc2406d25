package server_test

import (
	"context"
	"net"
	"sync"
	"time"

	"buildswarm/internal/coordinator"
	"buildswarm/internal/decommission"
	"buildswarm/internal/directory"
	"buildswarm/internal/fleet"
	"buildswarm/internal/provider"
	"buildswarm/internal/server"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// MockFleet implements server.Fleet
type MockFleet struct {
	mu           sync.Mutex
	nodes        map[string]directory.Node
	idle         map[string]bool
	decommission []string
}

func NewMockFleet() *MockFleet {
	return &MockFleet{
		nodes: map[string]directory.Node{
			"jenkins-prod-small-1": {
				Name:      "jenkins-prod-small-1",
				PoolID:    "prod",
				Executors: 1,
				Port:      2222,
				Labels:    []string{"linux", "docker"},
				CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
			},
		},
		idle: make(map[string]bool),
	}
}

func (m *MockFleet) CanProvision(_ context.Context, poolID, label string) (bool, error) {
	if poolID != "" && poolID != "prod" {
		return false, fleet.ErrUnknownPool
	}
	return label == "linux", nil
}

func (m *MockFleet) Provision(_ context.Context, poolID, label string, demand int) ([]*coordinator.PlannedNode, error) {
	if poolID != "" && poolID != "prod" {
		return nil, fleet.ErrUnknownPool
	}
	var planned []*coordinator.PlannedNode
	for i := 0; i < demand; i++ {
		planned = append(planned, &coordinator.PlannedNode{Name: "jenkins-prod-small-new", TemplateID: "small", Executors: 1})
	}
	return planned, nil
}

func (m *MockFleet) Nodes(context.Context) ([]directory.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var nodes []directory.Node
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (m *MockFleet) Remove(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[name]; !ok {
		return directory.ErrNodeNotFound
	}
	delete(m.nodes, name)
	return nil
}

func (m *MockFleet) MarkIdle(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idle[name] = true
	return nil
}

func (m *MockFleet) MarkBusy(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idle[name] = false
	return nil
}

func (m *MockFleet) Idle(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idle[name]
}

func (m *MockFleet) Servers(_ context.Context, poolID string) ([]provider.Server, error) {
	if poolID != "prod" {
		return nil, fleet.ErrUnknownPool
	}
	return []provider.Server{{ID: "srv-1", Name: "jenkins-prod-small-1", Status: provider.StatusPoweredOn}}, nil
}

func (m *MockFleet) Options(_ context.Context, poolID string) ([]provider.Option, []provider.Option, error) {
	return []provider.Option{{ID: "S", Name: "S"}}, []provider.Option{{ID: "img", Name: "ubuntu"}}, nil
}

func (m *MockFleet) Decommission(poolID, serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decommission = append(m.decommission, serverID)
	return nil
}

func (m *MockFleet) Pending() []decommission.Deletion {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []decommission.Deletion
	for _, id := range m.decommission {
		pending = append(pending, decommission.Deletion{ServerID: id})
	}
	return pending
}

var _ = Describe("gRPC Server", func() {
	var (
		lis    *bufconn.Listener
		srv    *server.Server
		client *server.Client
		mock   *MockFleet
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		lis = bufconn.Listen(1024 * 1024)
		mock = NewMockFleet()
		srv = server.NewServer(mock)

		go func() {
			_ = srv.Serve(lis)
		}()

		var err error
		client, err = server.NewClient("passthrough://bufnet", grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		client.Close()
		srv.Stop()
		lis.Close()
	})

	Context("CanProvision", func() {
		It("should report capacity for a label", func() {
			allowed, err := client.CanProvision(ctx, "", "linux")
			Expect(err).NotTo(HaveOccurred())
			Expect(allowed).To(BeTrue())

			allowed, err = client.CanProvision(ctx, "prod", "windows")
			Expect(err).NotTo(HaveOccurred())
			Expect(allowed).To(BeFalse())
		})

		It("should map unknown pools to NotFound", func() {
			_, err := client.CanProvision(ctx, "gamma", "linux")
			Expect(status.Code(err)).To(Equal(codes.NotFound))
		})
	})

	Context("Provision", func() {
		It("should return planned nodes", func() {
			nodes, err := client.Provision(ctx, "prod", "linux", 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(nodes).To(HaveLen(2))
			Expect(nodes[0].Template).To(Equal("small"))
			Expect(nodes[0].Executors).To(Equal(1))
		})

		It("should reject a non-positive demand", func() {
			_, err := client.Provision(ctx, "prod", "linux", 0)
			Expect(status.Code(err)).To(Equal(codes.InvalidArgument))
		})
	})

	Context("Nodes", func() {
		It("should list and remove nodes", func() {
			nodes, err := client.ListNodes(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(nodes).To(HaveLen(1))
			Expect(nodes[0].PoolID).To(Equal("prod"))
			Expect(nodes[0].Port).To(Equal(2222))
			Expect(nodes[0].Labels).To(Equal([]string{"linux", "docker"}))
			Expect(nodes[0].CreatedAt.Equal(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))).To(BeTrue())
			Expect(nodes[0].Idle()).To(BeFalse())

			Expect(client.RemoveNode(ctx, "jenkins-prod-small-1")).To(Succeed())
			err = client.RemoveNode(ctx, "jenkins-prod-small-1")
			Expect(status.Code(err)).To(Equal(codes.NotFound))
		})

		It("should toggle idle state", func() {
			Expect(client.SetIdle(ctx, "jenkins-prod-small-1", true)).To(Succeed())
			Expect(mock.Idle("jenkins-prod-small-1")).To(BeTrue())
			Expect(client.SetIdle(ctx, "jenkins-prod-small-1", false)).To(Succeed())
			Expect(mock.Idle("jenkins-prod-small-1")).To(BeFalse())
		})

		It("should reject an unknown node on removal", func() {
			err := client.RemoveNode(ctx, "jenkins-prod-small-404")
			Expect(status.Code(err)).To(Equal(codes.NotFound))
		})
	})

	Context("Pools", func() {
		It("should list servers and options", func() {
			servers, err := client.ListServers(ctx, "prod")
			Expect(err).NotTo(HaveOccurred())
			Expect(servers).To(HaveLen(1))
			Expect(servers[0].Status).To(Equal(provider.StatusPoweredOn))

			options, err := client.ListOptions(ctx, "prod")
			Expect(err).NotTo(HaveOccurred())
			Expect(options.Hardware).To(HaveLen(1))
			Expect(options.Appliances[0].Name).To(Equal("ubuntu"))
		})

		It("should queue decommissions", func() {
			Expect(client.Decommission(ctx, "prod", "srv-9")).To(Succeed())
			pending, err := client.ListPending(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(1))
			Expect(pending[0].ServerID).To(Equal("srv-9"))

			err = client.Decommission(ctx, "prod", "")
			Expect(status.Code(err)).To(Equal(codes.InvalidArgument))
		})
	})
})
