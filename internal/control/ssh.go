package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"buildswarm/internal/logging"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const (
	defaultDialTimeout      = 10 * time.Second
	defaultHandshakeTimeout = 30 * time.Second
)

// escapeNewlines escapes newline characters for proper log formatting
func escapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}

// safeClose safely closes a resource and logs any errors
func safeClose(name string, closer func() error) {
	if err := closer(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		logging.Logger().Debug("failed to close resource",
			zap.String("resource", name),
			zap.Error(err))
	}
}

// SSHConnector dials SSH daemons over TCP
type SSHConnector struct {
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
}

// NewSSHConnector creates a connector with default timeouts
func NewSSHConnector() *SSHConnector {
	return &SSHConnector{
		DialTimeout:      defaultDialTimeout,
		HandshakeTimeout: defaultHandshakeTimeout,
	}
}

// Connect opens a TCP connection to host:port. Every failure wraps ErrUnreachable.
func (c *SSHConnector) Connect(ctx context.Context, host string, port int) (Transport, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: c.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return &sshTransport{conn: conn, addr: addr, host: host, timeout: c.HandshakeTimeout}, nil
}

type sshTransport struct {
	conn    net.Conn
	addr    string
	host    string
	timeout time.Duration
}

// Authenticate performs the SSH handshake with public key authentication.
// Handshake failures other than a rejected key wrap ErrUnreachable, the daemon may still be starting.
func (t *sshTransport) Authenticate(ctx context.Context, user string, signer ssh.Signer) (Shell, error) {
	clientConfig := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		// Nodes are created seconds before the first connection, there is no known host key to pin
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.timeout,
	}

	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		t.conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	conn, chans, reqs, err := ssh.NewClientConn(t.conn, t.addr, clientConfig)
	if err != nil {
		t.conn.Close()
		if isAuthFailure(err) {
			return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if err := t.conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	logging.Logger().Info("SSH connection established",
		zap.String("user", user),
		zap.String("host", t.host))

	return &SSH{
		client: ssh.NewClient(conn, chans, reqs),
		host:   t.host,
		user:   user,
	}, nil
}

func (t *sshTransport) Close() error {
	return t.conn.Close()
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// SSH is an authenticated connection to a node
type SSH struct {
	client *ssh.Client
	host   string
	user   string

	sftpMu     sync.Mutex
	sftpClient *sftp.Client
}

// Close closes the SFTP and SSH connections
func (s *SSH) Close() error {
	s.sftpMu.Lock()
	if s.sftpClient != nil {
		safeClose("SFTP client", s.sftpClient.Close)
		s.sftpClient = nil
	}
	s.sftpMu.Unlock()
	return s.client.Close()
}

// Run executes a command on the remote host
func (s *SSH) Run(ctx context.Context, command string, output io.Writer) (int, error) {
	return s.run(ctx, command, output, false)
}

// RunPTY executes a command under a dumb pseudo terminal
func (s *SSH) RunPTY(ctx context.Context, command string, output io.Writer) (int, error) {
	return s.run(ctx, command, output, true)
}

func (s *SSH) run(ctx context.Context, command string, output io.Writer, pty bool) (int, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("failed to create session: %w", err)
	}
	defer safeClose("SSH session", session.Close)

	if pty {
		modes := ssh.TerminalModes{ssh.ECHO: 0}
		if err := session.RequestPty("dumb", 80, 200, modes); err != nil {
			return -1, fmt.Errorf("failed to request pty: %w", err)
		}
	}

	var captured bytes.Buffer
	w := &lockedWriter{w: io.MultiWriter(&captured, output)}
	if output == nil {
		w = &lockedWriter{w: &captured}
	}
	session.Stdout = w
	session.Stderr = w

	logging.Logger().Debug("Executing command",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host),
		zap.Bool("pty", pty))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			safeClose("SSH session", session.Close)
		case <-done:
		}
	}()

	err = session.Run(command)
	code, err := exitStatus(err)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	logging.Logger().Debug("Command executed",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host),
		zap.String("output", escapeNewlines(logging.Truncate(captured.String()))),
		zap.Int("exit_code", code))

	return code, err
}

// exitStatus separates a command exit code from transport failures
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return -1, nil
	}
	return -1, err
}

func (s *SSH) sftp() (*sftp.Client, error) {
	s.sftpMu.Lock()
	defer s.sftpMu.Unlock()
	if s.sftpClient == nil {
		c, err := sftp.NewClient(s.client)
		if err != nil {
			return nil, fmt.Errorf("failed to create SFTP client: %w", err)
		}
		s.sftpClient = c
	}
	return s.sftpClient, nil
}

// Upload writes content to a remote file and sets its permissions
func (s *SSH) Upload(content []byte, path string, mode os.FileMode) error {
	client, err := s.sftp()
	if err != nil {
		return err
	}

	file, err := client.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to open remote file %s: %w", path, err)
	}
	if _, err := file.Write(content); err != nil {
		safeClose("remote file", file.Close)
		return fmt.Errorf("failed to write remote file %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close remote file %s: %w", path, err)
	}
	if err := client.Chmod(path, mode); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", path, err)
	}

	logging.Logger().Debug("Uploaded file",
		zap.String("path", path),
		zap.Int("size_bytes", len(content)),
		zap.String("mode", mode.String()),
		zap.String("host", s.host))
	return nil
}

// Start launches a command whose stdin and stdout become the caller's channel
func (s *SSH) Start(command string, stderr io.Writer) (Process, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	session.Stderr = stderr

	if err := session.Start(command); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to start %q: %w", command, err)
	}

	logging.Logger().Info("Started remote process",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host))
	return &sshProcess{session: session, stdin: stdin, stdout: stdout}, nil
}

type sshProcess struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (p *sshProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *sshProcess) Stdout() io.Reader     { return p.stdout }
func (p *sshProcess) Wait() error           { return p.session.Wait() }
func (p *sshProcess) Close() error          { return p.session.Close() }

// lockedWriter serializes the stdout and stderr copy goroutines of a session
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
