package fleet_test

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"buildswarm/internal/control"

	"golang.org/x/crypto/ssh"
)

// MockConnector hands out shells on which every command succeeds
type MockConnector struct {
	mu        sync.Mutex
	RejectKey bool
	shells    []*mockShell
}

func (c *MockConnector) Connect(context.Context, string, int) (control.Transport, error) {
	return &mockTransport{connector: c}, nil
}

func (c *MockConnector) Shells() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.shells)
}

type mockTransport struct {
	connector *MockConnector
}

func (t *mockTransport) Authenticate(context.Context, string, ssh.Signer) (control.Shell, error) {
	if t.connector.RejectKey {
		return nil, control.ErrAuthFailed
	}
	shell := &mockShell{}
	t.connector.mu.Lock()
	t.connector.shells = append(t.connector.shells, shell)
	t.connector.mu.Unlock()
	return shell, nil
}

func (t *mockTransport) Close() error { return nil }

type mockShell struct{}

func (s *mockShell) Run(context.Context, string, io.Writer) (int, error)    { return 0, nil }
func (s *mockShell) RunPTY(context.Context, string, io.Writer) (int, error) { return 0, nil }
func (s *mockShell) Upload([]byte, string, os.FileMode) error               { return nil }
func (s *mockShell) Close() error                                           { return nil }

func (s *mockShell) Start(string, io.Writer) (control.Process, error) {
	r, w := io.Pipe()
	return &mockProcess{stdinR: r, stdinW: w, exit: make(chan struct{})}, nil
}

type mockProcess struct {
	stdinR *io.PipeReader
	stdinW *io.PipeWriter
	exit   chan struct{}
	once   sync.Once
}

func (p *mockProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *mockProcess) Stdout() io.Reader     { return strings.NewReader("") }

func (p *mockProcess) Wait() error {
	<-p.exit
	return nil
}

func (p *mockProcess) Close() error {
	p.once.Do(func() {
		p.stdinR.Close()
		close(p.exit)
	})
	return nil
}
