// Package provider wraps cloud provider APIs behind a small synchronous Gateway.
package provider

import (
	"context"
	"time"
)

// Status is the normalized lifecycle state of a cloud server
type Status string

const (
	StatusConfiguring Status = "CONFIGURING"
	StatusDeploying   Status = "DEPLOYING"
	StatusPoweringOn  Status = "POWERING_ON"
	StatusRebooting   Status = "REBOOTING"
	StatusPoweredOn   Status = "POWERED_ON"
	StatusPoweringOff Status = "POWERING_OFF"
	StatusPoweredOff  Status = "POWERED_OFF"
	StatusRemoving    Status = "REMOVING"
	StatusUnknown     Status = "UNKNOWN"
)

// Transitional reports whether a server in this state is expected to reach POWERED_ON on its own
func (s Status) Transitional() bool {
	switch s {
	case StatusConfiguring, StatusDeploying, StatusPoweringOn, StatusRebooting:
		return true
	}
	return false
}

// Server is a snapshot of a cloud server. Gateways never cache it.
type Server struct {
	ID        string
	Name      string
	Status    Status
	Addresses []string
	CreatedAt time.Time
}

// PrimaryAddress returns the first reported address that can be dialed, or an empty string.
// Empty entries and 0.0.0.0 are placeholders some clouds report before networking is ready.
func (s Server) PrimaryAddress() string {
	for _, addr := range s.Addresses {
		if addr != "" && addr != "0.0.0.0" {
			return addr
		}
	}
	return ""
}

// ServerSpec describes a server to create
type ServerSpec struct {
	Name      string
	PublicKey string
	Username  string
	Hardware  string
	Appliance string
}

// Option is a selectable hardware flavor or appliance image
type Option struct {
	ID          string
	Name        string
	Description string
}

// Gateway is the set of provider operations the provisioning core depends on
type Gateway interface {
	// ListServers returns every server of the account, across all pages
	ListServers(ctx context.Context) ([]Server, error)
	// GetServer returns the current state of one server
	GetServer(ctx context.Context, id string) (*Server, error)
	// CreateServer starts creation of a server and returns it without waiting for power on
	CreateServer(ctx context.Context, spec ServerSpec) (*Server, error)
	// DeleteServer deletes a server. A missing server yields an error wrapping ErrNotFound.
	DeleteServer(ctx context.Context, id string) error
	// ListHardwareOptions returns the hardware flavors a template may select
	ListHardwareOptions(ctx context.Context) ([]Option, error)
	// ListApplianceOptions returns the images a template may select
	ListApplianceOptions(ctx context.Context) ([]Option, error)
}
