package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"buildswarm/internal/logging"
	"buildswarm/internal/naming"

	"github.com/yandex-cloud/go-genproto/yandex/cloud/compute/v1"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/vpc/v1"
	ycsdk "github.com/yandex-cloud/go-sdk"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	yandexStandardImages = "standard-images"
	yandexDefaultDiskGB  = 20
	gib                  = 1024 * 1024 * 1024
)

// YcGateway implements Gateway for Yandex Cloud Compute in one folder and zone.
// Instance names share the GCE restrictions, so the node name lives in the description.
type YcGateway struct {
	sdk      *ycsdk.SDK
	folderID string
	zone     string
	subnetID string
}

// NewYcGateway creates a gateway for folderID using an IAM token
func NewYcGateway(ctx context.Context, iamToken, folderID, zone, subnetID string) (*YcGateway, error) {
	sdk, err := ycsdk.Build(ctx, ycsdk.Config{
		Credentials: ycsdk.NewIAMTokenCredentials(iamToken),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SDK: %w", err)
	}

	return &YcGateway{
		sdk:      sdk,
		folderID: folderID,
		zone:     zone,
		subnetID: subnetID,
	}, nil
}

var ycStatuses = map[compute.Instance_Status]Status{
	compute.Instance_PROVISIONING: StatusDeploying,
	compute.Instance_STARTING:     StatusPoweringOn,
	compute.Instance_RESTARTING:   StatusRebooting,
	compute.Instance_UPDATING:     StatusConfiguring,
	compute.Instance_RUNNING:      StatusPoweredOn,
	compute.Instance_STOPPING:     StatusPoweringOff,
	compute.Instance_STOPPED:      StatusPoweredOff,
	compute.Instance_DELETING:     StatusRemoving,
}

func ycToServer(inst *compute.Instance) Server {
	s := Server{ID: inst.GetId(), Name: inst.GetName(), Status: StatusUnknown}
	if _, ok := naming.Parse(inst.GetDescription()); ok {
		s.Name = inst.GetDescription()
	}
	if st, ok := ycStatuses[inst.GetStatus()]; ok {
		s.Status = st
	}
	for _, nic := range inst.GetNetworkInterfaces() {
		if nat := nic.GetPrimaryV4Address().GetOneToOneNat(); nat != nil && nat.GetAddress() != "" {
			s.Addresses = append(s.Addresses, nat.GetAddress())
		}
	}
	for _, nic := range inst.GetNetworkInterfaces() {
		if addr := nic.GetPrimaryV4Address().GetAddress(); addr != "" {
			s.Addresses = append(s.Addresses, addr)
		}
	}
	if ts := inst.GetCreatedAt(); ts != nil {
		s.CreatedAt = ts.AsTime()
	}
	return s
}

func ycError(err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return classify(ErrNotFound, err)
	case codes.Unauthenticated, codes.PermissionDenied:
		return classify(ErrUnauthorized, err)
	}
	return err
}

// ycHardware is a parsed hardware selector of the form platform:cores:memoryGB[:diskGB]
type ycHardware struct {
	Platform string
	Cores    int64
	MemoryGB int64
	DiskGB   int64
}

func parseYcHardware(selector string) (ycHardware, error) {
	parts := strings.Split(selector, ":")
	if len(parts) < 3 || len(parts) > 4 {
		return ycHardware{}, fmt.Errorf("hardware %q must look like platform:cores:memoryGB[:diskGB]", selector)
	}
	hw := ycHardware{Platform: parts[0], DiskGB: yandexDefaultDiskGB}
	var err error
	if hw.Cores, err = strconv.ParseInt(parts[1], 10, 64); err != nil || hw.Cores <= 0 {
		return ycHardware{}, fmt.Errorf("hardware %q has invalid core count", selector)
	}
	if hw.MemoryGB, err = strconv.ParseInt(parts[2], 10, 64); err != nil || hw.MemoryGB <= 0 {
		return ycHardware{}, fmt.Errorf("hardware %q has invalid memory size", selector)
	}
	if len(parts) == 4 {
		if hw.DiskGB, err = strconv.ParseInt(parts[3], 10, 64); err != nil || hw.DiskGB <= 0 {
			return ycHardware{}, fmt.Errorf("hardware %q has invalid disk size", selector)
		}
	}
	return hw, nil
}

// ListServers implements Gateway
func (g *YcGateway) ListServers(ctx context.Context) ([]Server, error) {
	var servers []Server
	req := &compute.ListInstancesRequest{FolderId: g.folderID, PageSize: 1000}
	for {
		resp, err := g.sdk.Compute().Instance().List(ctx, req)
		if err != nil {
			return nil, wrap("list servers", "", ycError(err))
		}
		for _, inst := range resp.GetInstances() {
			servers = append(servers, ycToServer(inst))
		}
		if resp.GetNextPageToken() == "" {
			return servers, nil
		}
		req.PageToken = resp.GetNextPageToken()
	}
}

// GetServer implements Gateway
func (g *YcGateway) GetServer(ctx context.Context, id string) (*Server, error) {
	inst, err := g.sdk.Compute().Instance().Get(ctx, &compute.GetInstanceRequest{InstanceId: id})
	if err != nil {
		return nil, wrap("get server", id, ycError(err))
	}
	s := ycToServer(inst)
	return &s, nil
}

// CreateServer implements Gateway. It returns once the create operation is accepted.
func (g *YcGateway) CreateServer(ctx context.Context, spec ServerSpec) (*Server, error) {
	hw, err := parseYcHardware(spec.Hardware)
	if err != nil {
		return nil, wrap("create server", spec.Name, err)
	}

	subnetID := g.subnetID
	if subnetID == "" {
		subnetID = g.findSubnet(ctx)
	}
	if subnetID == "" {
		return nil, wrap("create server", spec.Name, fmt.Errorf("no subnet found in zone %s", g.zone))
	}

	imageID, err := g.resolveImage(ctx, spec.Appliance)
	if err != nil {
		return nil, wrap("create server", spec.Name, ycError(err))
	}

	userData, err := UserData(spec)
	if err != nil {
		return nil, wrap("create server", spec.Name, err)
	}

	request := &compute.CreateInstanceRequest{
		FolderId:    g.folderID,
		Name:        gceResourceName(spec.Name),
		Description: spec.Name,
		Labels:      map[string]string{strings.ToLower(managedByTag): dropletTag},
		ZoneId:      g.zone,
		PlatformId:  hw.Platform,
		ResourcesSpec: &compute.ResourcesSpec{
			Cores:  hw.Cores,
			Memory: hw.MemoryGB * gib,
		},
		BootDiskSpec: &compute.AttachedDiskSpec{
			AutoDelete: true,
			Disk: &compute.AttachedDiskSpec_DiskSpec_{
				DiskSpec: &compute.AttachedDiskSpec_DiskSpec{
					TypeId: "network-hdd",
					Size:   hw.DiskGB * gib,
					Source: &compute.AttachedDiskSpec_DiskSpec_ImageId{
						ImageId: imageID,
					},
				},
			},
		},
		NetworkInterfaceSpecs: []*compute.NetworkInterfaceSpec{
			{
				SubnetId: subnetID,
				PrimaryV4AddressSpec: &compute.PrimaryAddressSpec{
					OneToOneNatSpec: &compute.OneToOneNatSpec{
						IpVersion: compute.IpVersion_IPV4,
					},
				},
			},
		},
		Metadata: map[string]string{
			"user-data": userData,
		},
	}

	pop, err := g.sdk.Compute().Instance().Create(ctx, request)
	if err != nil {
		return nil, wrap("create server", spec.Name, ycError(err))
	}

	op, err := g.sdk.WrapOperation(pop, nil)
	if err != nil {
		return nil, wrap("create server", spec.Name, fmt.Errorf("failed to wrap operation: %w", err))
	}
	meta, err := op.Metadata()
	if err != nil {
		return nil, wrap("create server", spec.Name, fmt.Errorf("failed to read operation metadata: %w", err))
	}
	created, ok := meta.(*compute.CreateInstanceMetadata)
	if !ok || created.GetInstanceId() == "" {
		return nil, wrap("create server", spec.Name, errors.New("operation metadata carries no instance id"))
	}

	return &Server{
		ID:     created.GetInstanceId(),
		Name:   spec.Name,
		Status: StatusDeploying,
	}, nil
}

// DeleteServer implements Gateway. It returns once the delete operation is accepted.
func (g *YcGateway) DeleteServer(ctx context.Context, id string) error {
	_, err := g.sdk.Compute().Instance().Delete(ctx, &compute.DeleteInstanceRequest{
		InstanceId: id,
	})
	return wrap("delete server", id, ycError(err))
}

// ListHardwareOptions implements Gateway. Yandex Cloud has no flavor catalogue, common
// shapes are offered and any platform:cores:memoryGB selector is accepted.
func (g *YcGateway) ListHardwareOptions(ctx context.Context) ([]Option, error) {
	presets := []string{"standard-v3:2:2", "standard-v3:2:4", "standard-v3:4:8", "standard-v3:8:16"}
	options := make([]Option, 0, len(presets))
	for _, p := range presets {
		hw, _ := parseYcHardware(p)
		options = append(options, Option{
			ID:          p,
			Name:        p,
			Description: fmt.Sprintf("%d vCPU, %d GB RAM on %s", hw.Cores, hw.MemoryGB, hw.Platform),
		})
	}
	return options, nil
}

// ListApplianceOptions implements Gateway. Images of the folder are listed by id,
// public images can be selected as family/<name>.
func (g *YcGateway) ListApplianceOptions(ctx context.Context) ([]Option, error) {
	var options []Option
	req := &compute.ListImagesRequest{FolderId: g.folderID, PageSize: 1000}
	for {
		resp, err := g.sdk.Compute().Image().List(ctx, req)
		if err != nil {
			return nil, wrap("list appliances", "", ycError(err))
		}
		for _, img := range resp.GetImages() {
			options = append(options, Option{ID: img.GetId(), Name: img.GetName(), Description: img.GetDescription()})
		}
		if resp.GetNextPageToken() == "" {
			return options, nil
		}
		req.PageToken = resp.GetNextPageToken()
	}
}

// resolveImage turns family/<name> selectors into the latest image id of that public family
func (g *YcGateway) resolveImage(ctx context.Context, appliance string) (string, error) {
	family, ok := strings.CutPrefix(appliance, "family/")
	if !ok {
		return appliance, nil
	}
	image, err := g.sdk.Compute().Image().GetLatestByFamily(ctx, &compute.GetImageLatestByFamilyRequest{
		FolderId: yandexStandardImages,
		Family:   family,
	})
	if err != nil {
		return "", fmt.Errorf("failed to resolve image family %s: %w", family, err)
	}
	return image.GetId(), nil
}

// findSubnet finds a subnet of the folder in the gateway zone
func (g *YcGateway) findSubnet(ctx context.Context) string {
	resp, err := g.sdk.VPC().Subnet().List(ctx, &vpc.ListSubnetsRequest{
		FolderId: g.folderID,
		PageSize: 100,
	})
	if err != nil {
		logging.Logger().Warn("failed to list subnets",
			zap.String("folder_id", g.folderID),
			zap.Error(err))
		return ""
	}

	for _, subnet := range resp.GetSubnets() {
		if subnet.GetZoneId() == g.zone {
			return subnet.GetId()
		}
	}
	return ""
}
