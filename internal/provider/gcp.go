package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"buildswarm/internal/naming"

	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCPGateway implements Gateway for Compute Engine instances in one zone.
//
// Instance names only allow lowercase letters, digits and dashes, so instances are
// named jenkins-<uuid> and the node name is kept in the instance description.
type GCPGateway struct {
	service   *compute.Service
	projectID string
	zone      string
	network   string
}

// NewGCPGateway creates a gateway for projectID. An empty credentials file uses application default credentials.
func NewGCPGateway(ctx context.Context, projectID, zone, network, credentialsFile string) (*GCPGateway, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, credentialsFile))
	}

	service, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute service: %w", err)
	}
	if network == "" {
		network = "global/networks/default"
	}

	return &GCPGateway{
		service:   service,
		projectID: projectID,
		zone:      zone,
		network:   network,
	}, nil
}

var gceStatuses = map[string]Status{
	"PROVISIONING": StatusDeploying,
	"STAGING":      StatusPoweringOn,
	"RUNNING":      StatusPoweredOn,
	"REPAIRING":    StatusRebooting,
	"STOPPING":     StatusPoweringOff,
	"SUSPENDING":   StatusPoweringOff,
	"STOPPED":      StatusPoweredOff,
	"SUSPENDED":    StatusPoweredOff,
	"TERMINATED":   StatusPoweredOff,
}

// gceResourceName derives a valid instance name from a node name
func gceResourceName(nodeName string) string {
	if n, ok := naming.Parse(nodeName); ok {
		return naming.Prefix + "-" + strings.ToLower(n.UniqueID)
	}
	return strings.ToLower(nodeName)
}

func gceToServer(inst *compute.Instance) Server {
	s := Server{ID: inst.Name, Name: inst.Name, Status: StatusUnknown}
	if _, ok := naming.Parse(inst.Description); ok {
		s.Name = inst.Description
	}
	if st, ok := gceStatuses[inst.Status]; ok {
		s.Status = st
	}
	for _, nic := range inst.NetworkInterfaces {
		for _, ac := range nic.AccessConfigs {
			if ac.NatIP != "" {
				s.Addresses = append(s.Addresses, ac.NatIP)
			}
		}
	}
	for _, nic := range inst.NetworkInterfaces {
		if nic.NetworkIP != "" {
			s.Addresses = append(s.Addresses, nic.NetworkIP)
		}
	}
	if t, err := time.Parse(time.RFC3339, inst.CreationTimestamp); err == nil {
		s.CreatedAt = t
	}
	return s
}

func gcpError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusNotFound:
			return classify(ErrNotFound, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return classify(ErrUnauthorized, err)
		}
	}
	return err
}

// ListServers implements Gateway
func (g *GCPGateway) ListServers(ctx context.Context) ([]Server, error) {
	var servers []Server
	err := g.service.Instances.List(g.projectID, g.zone).Pages(ctx, func(page *compute.InstanceList) error {
		for _, inst := range page.Items {
			servers = append(servers, gceToServer(inst))
		}
		return nil
	})
	if err != nil {
		return nil, wrap("list servers", "", gcpError(err))
	}
	return servers, nil
}

// GetServer implements Gateway
func (g *GCPGateway) GetServer(ctx context.Context, id string) (*Server, error) {
	inst, err := g.service.Instances.Get(g.projectID, g.zone, id).Context(ctx).Do()
	if err != nil {
		return nil, wrap("get server", id, gcpError(err))
	}
	s := gceToServer(inst)
	return &s, nil
}

// CreateServer implements Gateway. It returns once the insert operation is accepted.
func (g *GCPGateway) CreateServer(ctx context.Context, spec ServerSpec) (*Server, error) {
	userData, err := UserData(spec)
	if err != nil {
		return nil, wrap("create server", spec.Name, err)
	}
	sshKeys := fmt.Sprintf("%s:%s", spec.Username, strings.TrimSpace(spec.PublicKey))
	resourceName := gceResourceName(spec.Name)

	rb := &compute.Instance{
		Name:        resourceName,
		Description: spec.Name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", g.zone, spec.Hardware),
		Labels:      map[string]string{strings.ToLower(managedByTag): dropletTag},
		Disks: []*compute.AttachedDisk{
			{
				AutoDelete: true,
				Boot:       true,
				Type:       "PERSISTENT",
				InitializeParams: &compute.AttachedDiskInitializeParams{
					SourceImage: spec.Appliance,
				},
			},
		},
		NetworkInterfaces: []*compute.NetworkInterface{
			{
				AccessConfigs: []*compute.AccessConfig{
					{
						Type: "ONE_TO_ONE_NAT",
						Name: "External NAT",
					},
				},
				Network: g.network,
			},
		},
		Metadata: &compute.Metadata{
			Items: []*compute.MetadataItems{
				{Key: "user-data", Value: &userData},
				{Key: "ssh-keys", Value: &sshKeys},
			},
		},
	}

	if _, err := g.service.Instances.Insert(g.projectID, g.zone, rb).Context(ctx).Do(); err != nil {
		return nil, wrap("create server", spec.Name, gcpError(err))
	}

	return &Server{
		ID:        resourceName,
		Name:      spec.Name,
		Status:    StatusDeploying,
		CreatedAt: time.Now(),
	}, nil
}

// DeleteServer implements Gateway
func (g *GCPGateway) DeleteServer(ctx context.Context, id string) error {
	_, err := g.service.Instances.Delete(g.projectID, g.zone, id).Context(ctx).Do()
	return wrap("delete server", id, gcpError(err))
}

// ListHardwareOptions implements Gateway
func (g *GCPGateway) ListHardwareOptions(ctx context.Context) ([]Option, error) {
	var options []Option
	err := g.service.MachineTypes.List(g.projectID, g.zone).Pages(ctx, func(page *compute.MachineTypeList) error {
		for _, mt := range page.Items {
			options = append(options, Option{
				ID:          mt.Name,
				Name:        mt.Name,
				Description: fmt.Sprintf("%d vCPU, %d MB RAM", mt.GuestCpus, mt.MemoryMb),
			})
		}
		return nil
	})
	if err != nil {
		return nil, wrap("list hardware", "", gcpError(err))
	}
	return options, nil
}

// ListApplianceOptions implements Gateway. Images of the pool project are offered by self link.
func (g *GCPGateway) ListApplianceOptions(ctx context.Context) ([]Option, error) {
	var options []Option
	err := g.service.Images.List(g.projectID).Pages(ctx, func(page *compute.ImageList) error {
		for _, img := range page.Items {
			options = append(options, Option{
				ID:          img.SelfLink,
				Name:        img.Name,
				Description: img.Description,
			})
		}
		return nil
	})
	if err != nil {
		return nil, wrap("list appliances", "", gcpError(err))
	}
	return options, nil
}
