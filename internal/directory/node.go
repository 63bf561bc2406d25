// Package directory is the control plane view of the nodes attached to the build farm.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNodeNotFound is returned when a node name is not in the directory
var ErrNodeNotFound = errors.New("node not found")

// Node is a managed build node as the control plane knows it
type Node struct {
	Name        string    `json:"name"`
	PoolID      string    `json:"pool_id"`
	TemplateID  string    `json:"template_id"`
	ServerID    string    `json:"server_id"`
	Provider    string    `json:"provider"`
	Host        string    `json:"host,omitempty"`
	Port        int       `json:"port"`
	User        string    `json:"user"`
	Executors   int       `json:"executors"`
	Labels      []string  `json:"labels,omitempty"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	IdleSince   time.Time `json:"idle_since,omitempty"`
}

// Idle reports whether the node currently runs no builds
func (n Node) Idle() bool {
	return !n.IdleSince.IsZero()
}

// Describe returns the operator facing description of a node
func Describe(provider, name string) string {
	return fmt.Sprintf("Computer running on %s with name: %s", provider, name)
}

// Store persists nodes by name
type Store interface {
	List(ctx context.Context) ([]Node, error)
	Get(ctx context.Context, name string) (Node, error)
	Put(ctx context.Context, node Node) error
	// Delete removes a node and returns the removed value
	Delete(ctx context.Context, name string) (Node, error)
	Close() error
}
