package bootstrap_test

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"buildswarm/internal/config"
	"buildswarm/internal/control"

	"golang.org/x/crypto/ssh"
)

type upload struct {
	content []byte
	mode    os.FileMode
}

// FakeShell records commands and answers them with configured exit codes, zero by default
type FakeShell struct {
	mu       sync.Mutex
	commands []string
	ptys     []string
	uploads  map[string]upload
	results  map[string]int
	started  []string
	closed   bool
	process  *FakeProcess
}

func NewFakeShell() *FakeShell {
	return &FakeShell{
		uploads: make(map[string]upload),
		results: map[string]int{
			"test -e ~/.buildswarm-run-init": 1,
		},
	}
}

func (s *FakeShell) SetResult(command string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[command] = code
}

func (s *FakeShell) Run(_ context.Context, command string, output io.Writer) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, command)
	return s.results[command], nil
}

func (s *FakeShell) RunPTY(_ context.Context, command string, output io.Writer) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, command)
	s.ptys = append(s.ptys, command)
	if output != nil {
		io.WriteString(output, "running "+command+"\n")
	}
	return s.results[command], nil
}

func (s *FakeShell) Upload(content []byte, path string, mode os.FileMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[path] = upload{content: append([]byte(nil), content...), mode: mode}
	return nil
}

func (s *FakeShell) Start(command string, stderr io.Writer) (control.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, command)
	s.process = NewFakeProcess()
	return s.process, nil
}

func (s *FakeShell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FakeShell) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *FakeShell) PTYCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ptys...)
}

func (s *FakeShell) UploadAt(path string) (upload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[path]
	return u, ok
}

func (s *FakeShell) Started() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.started...)
}

func (s *FakeShell) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *FakeShell) Process() *FakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.process
}

// FakeProcess runs until Exit or Close
type FakeProcess struct {
	stdinR *io.PipeReader
	stdinW *io.PipeWriter
	exit   chan struct{}
	once   sync.Once
}

func NewFakeProcess() *FakeProcess {
	r, w := io.Pipe()
	return &FakeProcess{stdinR: r, stdinW: w, exit: make(chan struct{})}
}

func (p *FakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *FakeProcess) Stdout() io.Reader     { return strings.NewReader("") }

func (p *FakeProcess) Wait() error {
	<-p.exit
	return nil
}

func (p *FakeProcess) Close() error {
	p.Exit()
	return nil
}

func (p *FakeProcess) Exit() {
	p.once.Do(func() {
		p.stdinR.Close()
		close(p.exit)
	})
}

// FakeConnector fails the first Unreachable connects and then hands out Shell
type FakeConnector struct {
	mu          sync.Mutex
	Shell       *FakeShell
	Unreachable int
	RejectKey   bool
	connects    int
	hosts       []string
}

func (c *FakeConnector) Connect(_ context.Context, host string, port int) (control.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	c.hosts = append(c.hosts, host)
	if c.connects <= c.Unreachable {
		return nil, control.ErrUnreachable
	}
	return &fakeTransport{connector: c}, nil
}

func (c *FakeConnector) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *FakeConnector) Hosts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.hosts...)
}

type fakeTransport struct {
	connector *FakeConnector
}

func (t *fakeTransport) Authenticate(_ context.Context, user string, _ ssh.Signer) (control.Shell, error) {
	if t.connector.RejectKey {
		return nil, errors.Join(control.ErrAuthFailed, errors.New("no supported methods remain"))
	}
	return t.connector.Shell, nil
}

func (t *fakeTransport) Close() error {
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Agent: config.AgentConfig{
			RemotePath:      config.DefaultAgentRemotePath,
			RuntimeVersions: []string{"17", "21"},
		},
		Bootstrap: config.BootstrapConfig{PollIntervalSeconds: 1},
	}
}
