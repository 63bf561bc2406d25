package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is wrapped by errors about servers the provider does not know
	ErrNotFound = errors.New("server not found")
	// ErrUnauthorized is wrapped by errors caused by a rejected credential
	ErrUnauthorized = errors.New("unauthorized")
)

// Error describes a failed gateway call
type Error struct {
	Op       string
	ServerID string
	Err      error
}

func (e *Error) Error() string {
	if e.ServerID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.ServerID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means the server does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnauthorized reports whether err means the credential was rejected
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

func wrap(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, ServerID: id, Err: err}
}

// classified joins a provider specific error with one of the sentinels so that both
// errors.Is and errors.As keep working on it
type classified struct {
	kind error
	err  error
}

func (c *classified) Error() string {
	return fmt.Sprintf("%v: %v", c.kind, c.err)
}

func (c *classified) Unwrap() []error {
	return []error{c.kind, c.err}
}

func classify(kind, err error) error {
	return &classified{kind: kind, err: err}
}
