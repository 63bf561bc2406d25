// Package bootstrap turns a freshly created server into a node running the build agent.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"buildswarm/internal/config"
	"buildswarm/internal/control"
	"buildswarm/internal/directory"
	"buildswarm/internal/logging"
	"buildswarm/internal/provider"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// State is a bootstrap step
type State string

const (
	StateWaitingForPower   State = "WAITING_FOR_POWER"
	StateWaitingForNetwork State = "WAITING_FOR_NETWORK"
	StateConnecting        State = "CONNECTING"
	StateAuthenticating    State = "AUTHENTICATING"
	StateRunningInitScript State = "RUNNING_INIT_SCRIPT"
	StateInstallingRuntime State = "INSTALLING_RUNTIME"
	StateLaunchingAgent    State = "LAUNCHING_AGENT"
	StateAttached          State = "ATTACHED"
	StateFailed            State = "FAILED"
)

const (
	initScriptPath = "/tmp/init.sh"
	initMarker     = "~/.buildswarm-run-init"
	rollbackTimeout = 30 * time.Second
)

// Directory is the part of the node directory the engine updates
type Directory interface {
	Update(ctx context.Context, name string, fn func(*directory.Node)) error
	Remove(ctx context.Context, name string) error
}

// Target is one node to bootstrap
type Target struct {
	Node     directory.Node
	Pool     config.Pool
	Template config.Template
	Gateway  provider.Gateway
	Signer   ssh.Signer
	// Timeout overrides the pool timeout when positive
	Timeout time.Duration
}

func (t Target) timeout() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return t.Pool.Timeout()
}

// Option configures an Engine
type Option func(*Engine)

// WithPollInterval overrides the provider polling interval
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.pollInterval = d
	}
}

// WithInstallers overrides the ordered runtime installers
func WithInstallers(installers []Installer) Option {
	return func(e *Engine) {
		e.installers = installers
	}
}

// Engine bootstraps nodes. It is safe for concurrent use, every Bootstrap call is independent.
type Engine struct {
	directory       Directory
	connector       control.Connector
	agent           AgentSource
	agentPath       string
	runtimeVersions []string
	pollInterval    time.Duration
	installers      []Installer
}

// NewEngine creates an engine
func NewEngine(dir Directory, connector control.Connector, agent AgentSource, cfg *config.Config, opts ...Option) *Engine {
	e := &Engine{
		directory:       dir,
		connector:       connector,
		agent:           agent,
		agentPath:       cfg.Agent.RemotePath,
		runtimeVersions: cfg.Agent.RuntimeVersions,
		pollInterval:    cfg.Bootstrap.PollInterval(),
		installers:      DefaultInstallers,
	}
	if e.agentPath == "" {
		e.agentPath = config.DefaultAgentRemotePath
	}
	if len(e.runtimeVersions) == 0 {
		e.runtimeVersions = config.DefaultRuntimeVersions
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Bootstrap drives target to an attached agent. On failure the node is removed from the
// directory, which schedules deletion of its server. It never retries.
func (e *Engine) Bootstrap(ctx context.Context, target Target) (*Attached, error) {
	r := &run{
		engine: e,
		target: target,
		state:  StateWaitingForPower,
		start:  time.Now(),
		log: logging.Logger().With(
			zap.String("node", target.Node.Name),
			zap.String("pool", target.Pool.ID),
			zap.String("server_id", target.Node.ServerID)),
	}

	r.log.Info("Bootstrapping node",
		zap.String("template", target.Template.ID),
		zap.Duration("timeout", target.timeout()))

	attached, err := r.execute(ctx)
	elapsed := time.Since(r.start)
	if err != nil {
		r.log.Error("Bootstrap failed",
			zap.String("state", string(r.state)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		r.state = StateFailed
		e.rollback(target.Node.Name, r.log)
		r.log.Info(fmt.Sprintf("Done in %d seconds", int(elapsed.Seconds())))
		return nil, err
	}

	r.log.Info("Node attached", zap.Duration("elapsed", elapsed))
	r.log.Info(fmt.Sprintf("Done in %d seconds", int(elapsed.Seconds())))
	return attached, nil
}

func (e *Engine) rollback(name string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()

	if err := e.directory.Remove(ctx, name); err != nil && !errors.Is(err, directory.ErrNodeNotFound) {
		log.Error("Failed to remove node after bootstrap failure", zap.Error(err))
	}
}

// run is the state of one bootstrap
type run struct {
	engine *Engine
	target Target
	state  State
	start  time.Time
	log    *zap.Logger
}

func (r *run) transition(state State) {
	if r.state == state {
		return
	}
	r.log.Info("Bootstrap state changed",
		zap.String("from", string(r.state)),
		zap.String("to", string(state)))
	r.state = state
}

func (r *run) execute(ctx context.Context) (*Attached, error) {
	shell, host, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}

	attached, err := r.prepare(ctx, shell, host)
	if err != nil {
		safeClose("SSH connection", shell.Close)
		return nil, err
	}
	return attached, nil
}

// connect polls the provider until the server is powered on with an address and accepts the key
func (r *run) connect(ctx context.Context) (control.Shell, string, error) {
	limit := r.target.timeout()
	serverID := r.target.Node.ServerID
	tpl := r.target.Template

	for {
		if elapsed := time.Since(r.start); elapsed > limit {
			return nil, "", &TimeoutError{Elapsed: elapsed, Limit: limit, State: r.state}
		}

		server, err := r.target.Gateway.GetServer(ctx, serverID)
		if err != nil {
			if provider.IsNotFound(err) || provider.IsUnauthorized(err) {
				return nil, "", fmt.Errorf("failed to get server: %w", err)
			}
			r.log.Warn("Failed to get server status, retrying", zap.Error(err))
			if err := r.sleep(ctx); err != nil {
				return nil, "", err
			}
			continue
		}

		switch {
		case server.Status.Transitional():
			r.transition(StateWaitingForPower)
			r.log.Debug("Waiting for server", zap.String("status", string(server.Status)))
			if err := r.sleep(ctx); err != nil {
				return nil, "", err
			}
			continue
		case server.Status != provider.StatusPoweredOn:
			return nil, "", &UnexpectedStateError{ServerID: serverID, Status: server.Status}
		}

		host := server.PrimaryAddress()
		if host == "" {
			r.transition(StateWaitingForNetwork)
			if err := r.sleep(ctx); err != nil {
				return nil, "", err
			}
			continue
		}

		r.transition(StateConnecting)
		if err := r.engine.directory.Update(ctx, r.target.Node.Name, func(n *directory.Node) {
			n.Host = host
		}); err != nil {
			return nil, "", fmt.Errorf("failed to record node address: %w", err)
		}

		transport, err := r.engine.connector.Connect(ctx, host, tpl.SSHPort)
		if err != nil {
			r.log.Debug("SSH not reachable yet", zap.String("host", host), zap.Error(err))
			if err := r.sleep(ctx); err != nil {
				return nil, "", err
			}
			continue
		}

		r.transition(StateAuthenticating)
		shell, err := transport.Authenticate(ctx, tpl.Username, r.target.Signer)
		if errors.Is(err, control.ErrAuthFailed) {
			return nil, "", &AuthError{User: tpl.Username, Host: host, Err: err}
		}
		if err != nil {
			r.log.Debug("SSH handshake failed, retrying", zap.String("host", host), zap.Error(err))
			if err := r.sleep(ctx); err != nil {
				return nil, "", err
			}
			continue
		}
		return shell, host, nil
	}
}

func (r *run) sleep(ctx context.Context) error {
	timer := time.NewTimer(r.engine.pollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prepare runs the init script, installs a runtime and launches the agent
func (r *run) prepare(ctx context.Context, shell control.Shell, host string) (*Attached, error) {
	tpl := r.target.Template
	out := logging.NewLineWriter(r.log.With(zap.String("host", host)))
	defer out.Flush()

	if err := r.runInitScript(ctx, shell, out); err != nil {
		return nil, err
	}

	r.transition(StateInstallingRuntime)
	if err := r.installRuntime(ctx, shell, out); err != nil {
		return nil, err
	}

	r.transition(StateLaunchingAgent)
	payload, err := r.engine.agent.Payload(ctx)
	if err != nil {
		return nil, err
	}
	if err := shell.Upload(payload, r.engine.agentPath, 0775); err != nil {
		return nil, fmt.Errorf("failed to upload agent: %w", err)
	}
	if tpl.WorkspacePath != "" {
		code, err := shell.Run(ctx, "mkdir -p "+shellQuote(tpl.WorkspacePath), out)
		if err != nil {
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
		if code != 0 {
			return nil, fmt.Errorf("failed to create workspace %s: exit code %d", tpl.WorkspacePath, code)
		}
	}

	command := launchCommand(tpl, r.engine.agentPath)
	process, err := shell.Start(command, out)
	if err != nil {
		return nil, fmt.Errorf("failed to launch agent: %w", err)
	}

	r.transition(StateAttached)
	node := r.target.Node
	node.Host = host
	return newAttached(node, process, shell), nil
}

func launchCommand(tpl config.Template, agentPath string) string {
	parts := []string{"java"}
	parts = append(parts, strings.Fields(tpl.LaunchOptions)...)
	parts = append(parts, "-jar", agentPath)
	command := strings.Join(parts, " ")
	if tpl.WorkspacePath != "" {
		command = "cd " + shellQuote(tpl.WorkspacePath) + " && " + command
	}
	return command
}

func (r *run) runInitScript(ctx context.Context, shell control.Shell, out *logging.LineWriter) error {
	tpl := r.target.Template
	if strings.TrimSpace(tpl.InitScript) == "" {
		return nil
	}

	r.transition(StateRunningInitScript)
	code, err := shell.Run(ctx, "test -e "+initMarker, nil)
	if err != nil {
		return fmt.Errorf("failed to check init marker: %w", err)
	}
	if code == 0 {
		r.log.Info("Init script already ran, skipping")
		return nil
	}

	if err := shell.Upload([]byte(tpl.InitScript), initScriptPath, os.FileMode(0700)); err != nil {
		return fmt.Errorf("failed to upload init script: %w", err)
	}

	r.log.Info("Running init script")
	code, err = shell.RunPTY(ctx, privileged(tpl.Username, initScriptPath), out)
	out.Flush()
	if err != nil {
		return fmt.Errorf("failed to run init script: %w", err)
	}
	if code != 0 {
		return &InitScriptError{ExitCode: code}
	}

	code, err = shell.Run(ctx, "touch "+initMarker, nil)
	if err != nil {
		return fmt.Errorf("failed to write init marker: %w", err)
	}
	if code != 0 {
		r.log.Warn("Failed to write init marker, init script will run again on reconnect",
			zap.String("marker", initMarker),
			zap.Int("exit_code", code))
	}
	return nil
}

func (r *run) installRuntime(ctx context.Context, shell control.Shell, out *logging.LineWriter) error {
	code, err := shell.Run(ctx, "java -fullversion", out)
	if err != nil {
		return fmt.Errorf("failed to probe java: %w", err)
	}
	if code == 0 {
		return nil
	}

	user := r.target.Template.Username
	for _, installer := range r.engine.installers {
		code, err := shell.Run(ctx, "which "+installer.Manager, nil)
		if err != nil {
			return fmt.Errorf("failed to detect %s: %w", installer.Manager, err)
		}
		if code != 0 {
			continue
		}

		for _, version := range r.engine.runtimeVersions {
			r.log.Info("Installing java runtime",
				zap.String("installer", installer.Manager),
				zap.String("version", version))
			code, err := shell.RunPTY(ctx, privileged(user, installer.Command(version)), out)
			if err != nil {
				return fmt.Errorf("failed to install java %s: %w", version, err)
			}
			if code == 0 {
				return nil
			}
			r.log.Warn("Java install failed",
				zap.String("installer", installer.Manager),
				zap.String("version", version),
				zap.Int("exit_code", code))
		}
	}
	return ErrRuntimeUnavailable
}
