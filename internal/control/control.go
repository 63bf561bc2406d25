// Package control drives remote nodes over SSH.
package control

import (
	"context"
	"errors"
	"io"
	"os"

	"golang.org/x/crypto/ssh"
)

var (
	// ErrUnreachable wraps failures to reach the SSH daemon. They are expected while a node boots.
	ErrUnreachable = errors.New("ssh unreachable")
	// ErrAuthFailed wraps rejected public key authentication
	ErrAuthFailed = errors.New("ssh authentication failed")
)

// Connector opens transports to remote hosts
type Connector interface {
	Connect(ctx context.Context, host string, port int) (Transport, error)
}

// Transport is an open connection that has not authenticated yet
type Transport interface {
	Authenticate(ctx context.Context, user string, signer ssh.Signer) (Shell, error)
	Close() error
}

// Shell is an authenticated remote session factory
type Shell interface {
	// Run executes command and writes merged stdout and stderr to output.
	// A command that ran returns its exit status and a nil error.
	Run(ctx context.Context, command string, output io.Writer) (int, error)
	// RunPTY is Run with a dumb pseudo terminal attached, which sudo requires on many images
	RunPTY(ctx context.Context, command string, output io.Writer) (int, error)
	// Upload writes content to path and sets its mode
	Upload(content []byte, path string, mode os.FileMode) error
	// Start launches a long running command with piped stdin and stdout
	Start(command string, stderr io.Writer) (Process, error)
	// Close closes the connection and every session on it
	Close() error
}

// Process is a started remote command
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Wait() error
	Close() error
}
