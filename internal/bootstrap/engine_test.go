package bootstrap_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"buildswarm/internal/bootstrap"
	"buildswarm/internal/config"
	"buildswarm/internal/directory"
	"buildswarm/internal/logging"
	"buildswarm/internal/provider"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingDeleter struct {
	mu        sync.Mutex
	serverIDs []string
}

func (d *recordingDeleter) Enqueue(_ config.ProviderConfig, serverID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.serverIDs = append(d.serverIDs, serverID)
}

func (d *recordingDeleter) ServerIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.serverIDs...)
}

var _ = Describe("Engine", func() {
	const nodeName = "jenkins-prod-small-0b4a7c3e-7f1d-4b4a-9c55-2d1f3e8a9b10"

	var (
		ctx       context.Context
		cloud     *provider.MemoryGateway
		shell     *FakeShell
		connector *FakeConnector
		deleter   *recordingDeleter
		registry  *directory.Registry
		engine    *bootstrap.Engine
		target    bootstrap.Target
	)

	BeforeEach(func() {
		ctx = context.Background()
		cloud = provider.NewMemoryGateway()
		cloud.AddServer(provider.Server{
			ID:        "srv-1",
			Name:      nodeName,
			Status:    provider.StatusPoweredOn,
			Addresses: []string{"10.0.0.5"},
		})

		shell = NewFakeShell()
		connector = &FakeConnector{Shell: shell}
		deleter = &recordingDeleter{}

		pool := config.Pool{
			ID:             "prod",
			TimeoutMinutes: 10,
			Provider:       config.ProviderConfig{Type: config.ProviderMemory, Token: "bootstrap"},
		}
		tpl := config.Template{
			ID:            "small",
			Executors:     1,
			Username:      "root",
			SSHPort:       22,
			WorkspacePath: "/tmp/buildswarm",
			InitScript:    "#!/bin/sh\necho init\n",
			LaunchOptions: "-Xmx512m",
		}
		registry = directory.NewRegistry(directory.NewMemoryStore(), deleter, []config.Pool{pool})
		Expect(registry.Add(ctx, directory.Node{
			Name:       nodeName,
			PoolID:     "prod",
			TemplateID: "small",
			ServerID:   "srv-1",
		})).To(Succeed())

		engine = bootstrap.NewEngine(registry, connector, bootstrap.StaticAgent("agent-bytes"), testConfig(),
			bootstrap.WithPollInterval(10*time.Millisecond))
		target = bootstrap.Target{
			Node:     directory.Node{Name: nodeName, PoolID: "prod", TemplateID: "small", ServerID: "srv-1"},
			Pool:     pool,
			Template: tpl,
			Gateway:  cloud,
		}
	})

	expectRolledBack := func() {
		_, err := registry.Get(ctx, nodeName)
		Expect(err).To(MatchError(directory.ErrNodeNotFound))
		Expect(deleter.ServerIDs()).To(ConsistOf("srv-1"))
	}

	It("should attach a node whose server is already running", func() {
		attached, err := engine.Bootstrap(ctx, target)
		Expect(err).NotTo(HaveOccurred())
		Expect(attached.Node.Host).To(Equal("10.0.0.5"))

		script, ok := shell.UploadAt("/tmp/init.sh")
		Expect(ok).To(BeTrue())
		Expect(script.mode).To(Equal(os.FileMode(0700)))
		Expect(string(script.content)).To(ContainSubstring("echo init"))

		agent, ok := shell.UploadAt(config.DefaultAgentRemotePath)
		Expect(ok).To(BeTrue())
		Expect(agent.mode).To(Equal(os.FileMode(0775)))
		Expect(string(agent.content)).To(Equal("agent-bytes"))

		Expect(shell.PTYCommands()).To(ContainElement("/tmp/init.sh"))
		Expect(shell.Commands()).To(ContainElement("touch ~/.buildswarm-run-init"))
		Expect(shell.Started()).To(ConsistOf("cd '/tmp/buildswarm' && java -Xmx512m -jar /tmp/agent.jar"))

		node, err := registry.Get(ctx, nodeName)
		Expect(err).NotTo(HaveOccurred())
		Expect(node.Host).To(Equal("10.0.0.5"))

		Expect(attached.Close()).To(Succeed())
		Eventually(attached.Done()).Should(BeClosed())
		Expect(shell.Closed()).To(BeTrue())
	})

	It("should close the transport when the agent exits", func() {
		attached, err := engine.Bootstrap(ctx, target)
		Expect(err).NotTo(HaveOccurred())

		shell.Process().Exit()
		Eventually(attached.Done()).Should(BeClosed())
		Expect(shell.Closed()).To(BeTrue())
	})

	It("should wait for power and network before connecting", func() {
		cloud.SetStatus("srv-1", provider.StatusDeploying)
		cloud.SetAddresses("srv-1", "0.0.0.0")

		go func() {
			time.Sleep(50 * time.Millisecond)
			cloud.SetStatus("srv-1", provider.StatusPoweredOn)
			time.Sleep(50 * time.Millisecond)
			cloud.SetAddresses("srv-1", "10.0.0.7")
		}()

		attached, err := engine.Bootstrap(ctx, target)
		Expect(err).NotTo(HaveOccurred())
		Expect(attached.Node.Host).To(Equal("10.0.0.7"))
		attached.Close()
	})

	It("should connect to the first usable address", func() {
		cloud.SetAddresses("srv-1", "0.0.0.0", "", "10.0.0.9")

		attached, err := engine.Bootstrap(ctx, target)
		Expect(err).NotTo(HaveOccurred())
		Expect(attached.Node.Host).To(Equal("10.0.0.9"))
		Expect(connector.Hosts()).To(ConsistOf("10.0.0.9"))
		attached.Close()
	})

	It("should keep polling while SSH is unreachable", func() {
		connector.Unreachable = 3

		attached, err := engine.Bootstrap(ctx, target)
		Expect(err).NotTo(HaveOccurred())
		Expect(connector.Connects()).To(Equal(4))
		attached.Close()
	})

	It("should time out a server stuck powering on and roll it back", func() {
		cloud.SetStatus("srv-1", provider.StatusPoweringOn)
		target.Timeout = 100 * time.Millisecond

		start := time.Now()
		_, err := engine.Bootstrap(ctx, target)

		var timeout *bootstrap.TimeoutError
		Expect(errors.As(err, &timeout)).To(BeTrue())
		Expect(timeout.State).To(Equal(bootstrap.StateWaitingForPower))
		Expect(timeout.Limit).To(Equal(100 * time.Millisecond))
		Expect(time.Since(start)).To(BeNumerically("<", time.Second))
		Expect(connector.Connects()).To(BeZero())
		expectRolledBack()
	})

	It("should fail on a status the server will not leave", func() {
		cloud.SetStatus("srv-1", provider.StatusPoweredOff)

		_, err := engine.Bootstrap(ctx, target)

		var unexpected *bootstrap.UnexpectedStateError
		Expect(errors.As(err, &unexpected)).To(BeTrue())
		Expect(unexpected.Status).To(Equal(provider.StatusPoweredOff))
		expectRolledBack()
	})

	It("should fail immediately when the server disappeared", func() {
		target.Node.ServerID = "missing"

		_, err := engine.Bootstrap(ctx, target)
		Expect(provider.IsNotFound(err)).To(BeTrue())
	})

	It("should keep polling through transient provider errors", func() {
		cloud.FailGet(errors.New("502 bad gateway"))
		go func() {
			time.Sleep(50 * time.Millisecond)
			cloud.FailGet(nil)
		}()

		attached, err := engine.Bootstrap(ctx, target)
		Expect(err).NotTo(HaveOccurred())
		attached.Close()
	})

	It("should not retry a rejected key", func() {
		connector.RejectKey = true

		_, err := engine.Bootstrap(ctx, target)

		var auth *bootstrap.AuthError
		Expect(errors.As(err, &auth)).To(BeTrue())
		Expect(auth.User).To(Equal("root"))
		Expect(connector.Connects()).To(Equal(1))
		expectRolledBack()
	})

	It("should fail when the init script exits non-zero", func() {
		shell.SetResult("/tmp/init.sh", 2)

		_, err := engine.Bootstrap(ctx, target)

		var initErr *bootstrap.InitScriptError
		Expect(errors.As(err, &initErr)).To(BeTrue())
		Expect(initErr.ExitCode).To(Equal(2))
		Expect(shell.Commands()).NotTo(ContainElement("touch ~/.buildswarm-run-init"))
		Expect(shell.Closed()).To(BeTrue())
		expectRolledBack()
	})

	It("should report a marker that could not be written", func() {
		core, logs := observer.New(zap.WarnLevel)
		previous := logging.Logger()
		logging.SetLogger(zap.New(core))
		DeferCleanup(func() { logging.SetLogger(previous) })
		shell.SetResult("touch ~/.buildswarm-run-init", 1)

		attached, err := engine.Bootstrap(ctx, target)
		Expect(err).NotTo(HaveOccurred())
		warnings := logs.FilterMessageSnippet("init marker").All()
		Expect(warnings).To(HaveLen(1))
		Expect(warnings[0].ContextMap()).To(HaveKeyWithValue("exit_code", int64(1)))
		attached.Close()
	})

	It("should skip the init script when the marker exists", func() {
		shell.SetResult("test -e ~/.buildswarm-run-init", 0)

		attached, err := engine.Bootstrap(ctx, target)
		Expect(err).NotTo(HaveOccurred())
		_, uploaded := shell.UploadAt("/tmp/init.sh")
		Expect(uploaded).To(BeFalse())
		attached.Close()
	})

	It("should run privileged commands through sudo for other users", func() {
		target.Template.Username = "builder"
		shell.SetResult("java -fullversion", 127)
		shell.SetResult("which apt-get", 1)

		attached, err := engine.Bootstrap(ctx, target)
		Expect(err).NotTo(HaveOccurred())
		Expect(shell.PTYCommands()).To(ContainElements(
			"sudo -n sh -c '/tmp/init.sh'",
			"sudo -n sh -c 'dnf install -y java-17-openjdk-headless'",
		))
		attached.Close()
	})

	It("should try runtime versions in order", func() {
		shell.SetResult("java -fullversion", 127)
		shell.SetResult("which apt-get", 1)
		shell.SetResult("dnf install -y java-17-openjdk-headless", 1)

		attached, err := engine.Bootstrap(ctx, target)
		Expect(err).NotTo(HaveOccurred())
		Expect(shell.PTYCommands()).To(ContainElements(
			"dnf install -y java-17-openjdk-headless",
			"dnf install -y java-21-openjdk-headless",
		))
		Expect(shell.Commands()).NotTo(ContainElement("which yum"))
		attached.Close()
	})

	It("should fail when no runtime can be installed", func() {
		shell.SetResult("java -fullversion", 127)
		for _, manager := range []string{"apt-get", "dnf", "yum", "apk"} {
			shell.SetResult("which "+manager, 1)
		}

		_, err := engine.Bootstrap(ctx, target)
		Expect(err).To(MatchError(bootstrap.ErrRuntimeUnavailable))
		expectRolledBack()
	})
})
