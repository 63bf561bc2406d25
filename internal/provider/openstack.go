package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/images"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
)

// OpenStackGateway implements Gateway for a Nova compute endpoint.
// gophercloud v1 requests are not context aware, calls run to completion once started.
type OpenStackGateway struct {
	client  *gophercloud.ServiceClient
	network string
}

// OpenStackAuth selects password or application credential authentication
type OpenStackAuth struct {
	IdentityEndpoint string
	Username         string
	Token            string
	Secret           string
	Project          string
	Domain           string
	Region           string
}

func (a OpenStackAuth) options() gophercloud.AuthOptions {
	opts := gophercloud.AuthOptions{
		IdentityEndpoint: a.IdentityEndpoint,
		AllowReauth:      true,
	}
	if a.Username != "" {
		opts.Username = a.Username
		opts.Password = a.Token
		opts.TenantName = a.Project
		opts.DomainName = a.Domain
		return opts
	}
	opts.ApplicationCredentialID = a.Token
	opts.ApplicationCredentialSecret = a.Secret
	return opts
}

// NewOpenStackGateway authenticates against Keystone and binds the compute service
func NewOpenStackGateway(auth OpenStackAuth, network string) (*OpenStackGateway, error) {
	provider, err := openstack.AuthenticatedClient(auth.options())
	if err != nil {
		return nil, fmt.Errorf("failed to get authenticated client: %w", osError(err))
	}

	client, err := openstack.NewComputeV2(provider, gophercloud.EndpointOpts{Region: auth.Region})
	if err != nil {
		return nil, fmt.Errorf("failed to get compute client: %w", err)
	}

	return &OpenStackGateway{client: client, network: network}, nil
}

var novaStatuses = map[string]Status{
	"BUILD":         StatusDeploying,
	"REBUILD":       StatusConfiguring,
	"RESIZE":        StatusConfiguring,
	"VERIFY_RESIZE": StatusConfiguring,
	"MIGRATING":     StatusConfiguring,
	"PASSWORD":      StatusConfiguring,
	"ACTIVE":        StatusPoweredOn,
	"REBOOT":        StatusRebooting,
	"HARD_REBOOT":   StatusRebooting,
	"SHUTOFF":       StatusPoweredOff,
	"STOPPED":       StatusPoweredOff,
	"SUSPENDED":     StatusPoweredOff,
	"PAUSED":        StatusPoweredOff,
	"DELETED":       StatusRemoving,
	"SOFT_DELETED":  StatusRemoving,
}

func novaToServer(s servers.Server) Server {
	out := Server{ID: s.ID, Name: s.Name, Status: StatusUnknown, CreatedAt: s.Created}
	if st, ok := novaStatuses[strings.ToUpper(s.Status)]; ok {
		out.Status = st
	}
	out.Addresses = novaAddresses(s.Addresses)
	return out
}

// novaAddresses flattens the per-network address map, floating IPs first and
// networks in name order so the primary address is stable
func novaAddresses(addresses map[string]interface{}) []string {
	networks := make([]string, 0, len(addresses))
	for name := range addresses {
		networks = append(networks, name)
	}
	sort.Strings(networks)

	var floating, fixed []string
	for _, name := range networks {
		list, ok := addresses[name].([]interface{})
		if !ok {
			continue
		}
		for _, item := range list {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			addr, _ := entry["addr"].(string)
			if addr == "" {
				continue
			}
			if kind, _ := entry["OS-EXT-IPS:type"].(string); kind == "floating" {
				floating = append(floating, addr)
			} else {
				fixed = append(fixed, addr)
			}
		}
	}
	return append(floating, fixed...)
}

func osError(err error) error {
	var notFound gophercloud.ErrDefault404
	if errors.As(err, &notFound) {
		return classify(ErrNotFound, err)
	}
	var unauthorized gophercloud.ErrDefault401
	if errors.As(err, &unauthorized) {
		return classify(ErrUnauthorized, err)
	}
	var forbidden gophercloud.ErrDefault403
	if errors.As(err, &forbidden) {
		return classify(ErrUnauthorized, err)
	}
	return err
}

// ListServers implements Gateway
func (g *OpenStackGateway) ListServers(ctx context.Context) ([]Server, error) {
	pages, err := servers.List(g.client, servers.ListOpts{}).AllPages()
	if err != nil {
		return nil, wrap("list servers", "", osError(err))
	}
	all, err := servers.ExtractServers(pages)
	if err != nil {
		return nil, wrap("list servers", "", err)
	}
	out := make([]Server, 0, len(all))
	for _, s := range all {
		out = append(out, novaToServer(s))
	}
	return out, nil
}

// GetServer implements Gateway
func (g *OpenStackGateway) GetServer(ctx context.Context, id string) (*Server, error) {
	s, err := servers.Get(g.client, id).Extract()
	if err != nil {
		return nil, wrap("get server", id, osError(err))
	}
	out := novaToServer(*s)
	return &out, nil
}

// CreateServer implements Gateway
func (g *OpenStackGateway) CreateServer(ctx context.Context, spec ServerSpec) (*Server, error) {
	userData, err := UserData(spec)
	if err != nil {
		return nil, wrap("create server", spec.Name, err)
	}

	opts := servers.CreateOpts{
		Name:      spec.Name,
		ImageRef:  spec.Appliance,
		FlavorRef: spec.Hardware,
		UserData:  []byte(userData),
		Metadata:  map[string]string{managedByTag: dropletTag},
	}
	if g.network != "" {
		opts.Networks = []servers.Network{{UUID: g.network}}
	}

	s, err := servers.Create(g.client, opts).Extract()
	if err != nil {
		return nil, wrap("create server", spec.Name, osError(err))
	}
	out := novaToServer(*s)
	if out.Name == "" {
		out.Name = spec.Name
	}
	if out.Status == StatusUnknown {
		out.Status = StatusDeploying
	}
	return &out, nil
}

// DeleteServer implements Gateway
func (g *OpenStackGateway) DeleteServer(ctx context.Context, id string) error {
	err := servers.Delete(g.client, id).ExtractErr()
	return wrap("delete server", id, osError(err))
}

// ListHardwareOptions implements Gateway
func (g *OpenStackGateway) ListHardwareOptions(ctx context.Context) ([]Option, error) {
	pages, err := flavors.ListDetail(g.client, flavors.ListOpts{}).AllPages()
	if err != nil {
		return nil, wrap("list hardware", "", osError(err))
	}
	all, err := flavors.ExtractFlavors(pages)
	if err != nil {
		return nil, wrap("list hardware", "", err)
	}
	options := make([]Option, 0, len(all))
	for _, f := range all {
		options = append(options, Option{
			ID:          f.ID,
			Name:        f.Name,
			Description: fmt.Sprintf("%d vCPU, %d MB RAM, %d GB disk", f.VCPUs, f.RAM, f.Disk),
		})
	}
	return options, nil
}

// ListApplianceOptions implements Gateway
func (g *OpenStackGateway) ListApplianceOptions(ctx context.Context) ([]Option, error) {
	pages, err := images.ListDetail(g.client, images.ListOpts{}).AllPages()
	if err != nil {
		return nil, wrap("list appliances", "", osError(err))
	}
	all, err := images.ExtractImages(pages)
	if err != nil {
		return nil, wrap("list appliances", "", err)
	}
	options := make([]Option, 0, len(all))
	for _, img := range all {
		options = append(options, Option{ID: img.ID, Name: img.Name, Description: img.Status})
	}
	return options, nil
}
