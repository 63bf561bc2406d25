package decommission_test

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"buildswarm/internal/config"
	"buildswarm/internal/decommission"
	"buildswarm/internal/provider"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Queue", func() {
	var (
		ctx        context.Context
		cancel     context.CancelFunc
		cloud      *provider.MemoryGateway
		credential config.ProviderConfig
		pools      []config.Pool
		factory    decommission.GatewayFactory
		factoryErr error
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		cloud = provider.NewMemoryGateway()
		credential = config.ProviderConfig{Type: config.ProviderMemory, Token: "queue"}
		pools = []config.Pool{{ID: "prod", Provider: credential}}
		factoryErr = nil
		factory = func(context.Context, config.ProviderConfig) (provider.Gateway, error) {
			if factoryErr != nil {
				return nil, factoryErr
			}
			return cloud, nil
		}
	})

	AfterEach(func() {
		cancel()
	})

	newQueue := func(opts ...decommission.Option) *decommission.Queue {
		opts = append([]decommission.Option{
			decommission.WithGatewayFactory(factory),
			decommission.WithBackoff(20 * time.Millisecond),
		}, opts...)
		return decommission.NewQueue(config.DecommissionConfig{BackoffSeconds: config.DefaultBackoffSeconds}, pools, opts...)
	}

	It("should delete queued servers and empty the queue", func() {
		cloud.AddServer(provider.Server{ID: "srv-1", Status: provider.StatusPoweredOn})
		q := newQueue()
		Expect(q.Start(ctx)).To(Succeed())
		defer q.Stop()

		q.Enqueue(credential, "srv-1")

		Eventually(q.Len).Should(BeZero())
		servers, err := cloud.ListServers(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(servers).To(BeEmpty())
	})

	It("should resolve duplicate entries independently", func() {
		cloud.AddServer(provider.Server{ID: "srv-1", Status: provider.StatusPoweredOn})
		q := newQueue()
		q.Enqueue(credential, "srv-1")
		q.Enqueue(credential, "srv-1")
		Expect(q.Pending()).To(HaveLen(2))

		Expect(q.Start(ctx)).To(Succeed())
		defer q.Stop()

		Eventually(q.Len).Should(BeZero())
		Expect(cloud.DeleteCalls("srv-1")).To(Equal(2))
	})

	It("should treat a missing server as deleted", func() {
		q := newQueue()
		Expect(q.Start(ctx)).To(Succeed())
		defer q.Stop()

		q.Enqueue(credential, "never-existed")

		Eventually(q.Len).Should(BeZero())
	})

	It("should retry failed deletions until the provider succeeds", func() {
		cloud.AddServer(provider.Server{ID: "srv-1", Status: provider.StatusPoweredOn})
		cloud.FailDelete("srv-1", errors.New("503 service unavailable"))

		q := newQueue()
		Expect(q.Start(ctx)).To(Succeed())
		defer q.Stop()
		q.Enqueue(credential, "srv-1")

		Eventually(func() int { return cloud.DeleteCalls("srv-1") }).Should(BeNumerically(">=", 2))
		Expect(q.Len()).To(Equal(1))
		Eventually(func() int {
			pending := q.Pending()
			if len(pending) == 0 {
				return 0
			}
			return pending[0].Attempts
		}).Should(BeNumerically(">=", 1))

		cloud.FailDelete("srv-1", nil)
		Eventually(q.Len).Should(BeZero())
	})

	It("should keep entries when no gateway can be built", func() {
		factoryErr = errors.New("bad credential")
		q := newQueue()
		Expect(q.Start(ctx)).To(Succeed())
		defer q.Stop()
		q.Enqueue(credential, "srv-1")

		Consistently(q.Len, 100*time.Millisecond).Should(Equal(1))
	})

	It("should order entries by credential", func() {
		other := config.ProviderConfig{Type: config.ProviderAWS, Token: "a", Secret: "b"}
		q := newQueue()
		q.Enqueue(credential, "mem-1")
		q.Enqueue(other, "i-1")
		q.Enqueue(credential, "mem-2")

		pending := q.Pending()
		Expect(pending).To(HaveLen(3))
		Expect(pending[0].ServerID).To(Equal("i-1"))
		Expect(pending[1].ServerID).To(Equal("mem-1"))
		Expect(pending[2].ServerID).To(Equal("mem-2"))
	})

	It("should refuse to start twice", func() {
		q := newQueue()
		Expect(q.Start(ctx)).To(Succeed())
		defer q.Stop()
		Expect(q.Start(ctx)).NotTo(Succeed())
	})

	Context("with a file store", func() {
		It("should resume persisted deletions after a restart", func() {
			path := filepath.Join(GinkgoT().TempDir(), "pending.json")
			cloud.AddServer(provider.Server{ID: "srv-1", Status: provider.StatusPoweredOn})

			first := newQueue(decommission.WithStore(decommission.NewFileStore(path)))
			first.Enqueue(credential, "srv-1")

			loaded, err := decommission.NewFileStore(path).Load(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).To(HaveLen(1))
			Expect(loaded[0].ServerID).To(Equal("srv-1"))
			Expect(loaded[0].CredentialKey).To(Equal(credential.Key()))

			second := newQueue(decommission.WithStore(decommission.NewFileStore(path)))
			Expect(second.Start(ctx)).To(Succeed())
			defer second.Stop()

			Eventually(second.Len).Should(BeZero())
			Expect(cloud.DeleteCalls("srv-1")).To(Equal(1))

			Eventually(func() int {
				pending, _ := decommission.NewFileStore(path).Load(ctx)
				return len(pending)
			}).Should(BeZero())
		})

		It("should not replay entries enqueued before start", func() {
			path := filepath.Join(GinkgoT().TempDir(), "pending.json")
			cloud.AddServer(provider.Server{ID: "srv-1", Status: provider.StatusPoweredOn})

			q := newQueue(decommission.WithStore(decommission.NewFileStore(path)))
			q.Enqueue(credential, "srv-1")
			Expect(q.Len()).To(Equal(1))

			Expect(q.Start(ctx)).To(Succeed())
			defer q.Stop()
			Expect(q.Len()).To(BeNumerically("<=", 1))

			Eventually(q.Len).Should(BeZero())
			Consistently(func() int { return cloud.DeleteCalls("srv-1") }, 100*time.Millisecond).Should(Equal(1))
		})

		It("should keep stored entries when enqueueing before start", func() {
			path := filepath.Join(GinkgoT().TempDir(), "pending.json")
			store := decommission.NewFileStore(path)
			Expect(store.Save(ctx, []decommission.Deletion{
				{ID: 1, CredentialKey: credential.Key(), ServerID: "srv-old"},
			})).To(Succeed())

			q := newQueue(decommission.WithStore(decommission.NewFileStore(path)))
			q.Enqueue(credential, "srv-new")

			Expect(q.Len()).To(Equal(2))
			loaded, err := store.Load(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).To(HaveLen(2))
		})

		It("should treat a missing file as an empty set", func() {
			store := decommission.NewFileStore(filepath.Join(GinkgoT().TempDir(), "missing.json"))
			pending, err := store.Load(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeEmpty())
		})
	})
})
