package bootstrap

import (
	"errors"
	"fmt"
	"time"

	"buildswarm/internal/provider"
)

// ErrRuntimeUnavailable means no installer could provide a Java runtime
var ErrRuntimeUnavailable = errors.New("no java runtime could be installed")

// TimeoutError is returned when a node did not become reachable within the pool timeout
type TimeoutError struct {
	Elapsed time.Duration
	Limit   time.Duration
	State   State
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("node not ready after %s (limit %s) while %s",
		e.Elapsed.Round(time.Second), e.Limit, e.State)
}

// AuthError is returned when the node rejected the pool key
type AuthError struct {
	User string
	Host string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication as %s@%s failed: %v", e.User, e.Host, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// UnexpectedStateError is returned when the server reached a status it will not leave on its own
type UnexpectedStateError struct {
	ServerID string
	Status   provider.Status
}

func (e *UnexpectedStateError) Error() string {
	return fmt.Sprintf("server %s is in unexpected state %s", e.ServerID, e.Status)
}

// InitScriptError is returned when the init script exited non-zero
type InitScriptError struct {
	ExitCode int
}

func (e *InitScriptError) Error() string {
	return fmt.Sprintf("init script exited with code %d", e.ExitCode)
}
