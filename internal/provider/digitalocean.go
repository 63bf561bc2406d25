package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/digitalocean/godo"
)

// dropletTag marks droplets created by this service
const dropletTag = "buildswarm"

// DOGateway implements Gateway for DigitalOcean droplets
type DOGateway struct {
	client *godo.Client
	region string
}

// NewDOGateway creates a gateway for the account identified by token
func NewDOGateway(token, region string) *DOGateway {
	return &DOGateway{
		client: godo.NewFromToken(token),
		region: region,
	}
}

var dropletStatuses = map[string]Status{
	"new":     StatusDeploying,
	"active":  StatusPoweredOn,
	"off":     StatusPoweredOff,
	"archive": StatusRemoving,
}

func dropletToServer(d godo.Droplet) Server {
	s := Server{ID: strconv.Itoa(d.ID), Name: d.Name, Status: StatusUnknown}
	if st, ok := dropletStatuses[d.Status]; ok {
		s.Status = st
	}
	if ip, err := d.PublicIPv4(); err == nil && ip != "" {
		s.Addresses = append(s.Addresses, ip)
	}
	if t, err := time.Parse(time.RFC3339, d.Created); err == nil {
		s.CreatedAt = t
	}
	return s
}

// doError maps godo error responses onto the gateway sentinels
func doError(err error) error {
	var resp *godo.ErrorResponse
	if errors.As(err, &resp) && resp.Response != nil {
		switch resp.Response.StatusCode {
		case http.StatusNotFound:
			return classify(ErrNotFound, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return classify(ErrUnauthorized, err)
		}
	}
	return err
}

func dropletID(id string) (int, error) {
	n, err := strconv.Atoi(id)
	if err != nil {
		return 0, classify(ErrNotFound, fmt.Errorf("invalid droplet id %q", id))
	}
	return n, nil
}

// ListServers implements Gateway
func (g *DOGateway) ListServers(ctx context.Context) ([]Server, error) {
	var servers []Server
	opt := &godo.ListOptions{Page: 1, PerPage: 200}
	for {
		droplets, resp, err := g.client.Droplets.List(ctx, opt)
		if err != nil {
			return nil, wrap("list servers", "", doError(err))
		}
		for _, d := range droplets {
			servers = append(servers, dropletToServer(d))
		}
		if resp == nil || resp.Links == nil || resp.Links.IsLastPage() {
			return servers, nil
		}
		page, err := resp.Links.CurrentPage()
		if err != nil {
			return nil, wrap("list servers", "", err)
		}
		opt.Page = page + 1
	}
}

// GetServer implements Gateway
func (g *DOGateway) GetServer(ctx context.Context, id string) (*Server, error) {
	n, err := dropletID(id)
	if err != nil {
		return nil, wrap("get server", id, err)
	}
	d, _, err := g.client.Droplets.Get(ctx, n)
	if err != nil {
		return nil, wrap("get server", id, doError(err))
	}
	s := dropletToServer(*d)
	return &s, nil
}

// CreateServer implements Gateway. The key is installed through cloud-init user data.
func (g *DOGateway) CreateServer(ctx context.Context, spec ServerSpec) (*Server, error) {
	userData, err := UserData(spec)
	if err != nil {
		return nil, wrap("create server", spec.Name, err)
	}

	req := &godo.DropletCreateRequest{
		Name:     spec.Name,
		Region:   g.region,
		Size:     spec.Hardware,
		Image:    dropletImage(spec.Appliance),
		UserData: userData,
		Tags:     []string{dropletTag},
	}

	d, _, err := g.client.Droplets.Create(ctx, req)
	if err != nil {
		return nil, wrap("create server", spec.Name, doError(err))
	}
	s := dropletToServer(*d)
	return &s, nil
}

// dropletImage accepts either a numeric image id or a slug
func dropletImage(appliance string) godo.DropletCreateImage {
	if id, err := strconv.Atoi(appliance); err == nil {
		return godo.DropletCreateImage{ID: id}
	}
	return godo.DropletCreateImage{Slug: appliance}
}

// DeleteServer implements Gateway
func (g *DOGateway) DeleteServer(ctx context.Context, id string) error {
	n, err := dropletID(id)
	if err != nil {
		return wrap("delete server", id, err)
	}
	_, err = g.client.Droplets.Delete(ctx, n)
	return wrap("delete server", id, doError(err))
}

// ListHardwareOptions implements Gateway
func (g *DOGateway) ListHardwareOptions(ctx context.Context) ([]Option, error) {
	var options []Option
	opt := &godo.ListOptions{Page: 1, PerPage: 200}
	for {
		sizes, resp, err := g.client.Sizes.List(ctx, opt)
		if err != nil {
			return nil, wrap("list hardware", "", doError(err))
		}
		for _, s := range sizes {
			if !s.Available {
				continue
			}
			options = append(options, Option{
				ID:          s.Slug,
				Name:        s.Slug,
				Description: fmt.Sprintf("%d vCPU, %d MB RAM, %d GB disk", s.Vcpus, s.Memory, s.Disk),
			})
		}
		if resp == nil || resp.Links == nil || resp.Links.IsLastPage() {
			return options, nil
		}
		opt.Page++
	}
}

// ListApplianceOptions implements Gateway
func (g *DOGateway) ListApplianceOptions(ctx context.Context) ([]Option, error) {
	var options []Option
	opt := &godo.ListOptions{Page: 1, PerPage: 200}
	for {
		images, resp, err := g.client.Images.ListDistribution(ctx, opt)
		if err != nil {
			return nil, wrap("list appliances", "", doError(err))
		}
		for _, img := range images {
			id := img.Slug
			if id == "" {
				id = strconv.Itoa(img.ID)
			}
			options = append(options, Option{ID: id, Name: img.Name, Description: img.Distribution})
		}
		if resp == nil || resp.Links == nil || resp.Links.IsLastPage() {
			return options, nil
		}
		opt.Page++
	}
}
