package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

const managedByTag = "ManagedBy"

// AWSGateway implements Gateway for EC2
type AWSGateway struct {
	client *ec2.Client
}

// NewAWSGateway creates a gateway for the account behind the static access key
func NewAWSGateway(ctx context.Context, region, accessKey, secretKey string) (*AWSGateway, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSGateway{client: ec2.NewFromConfig(cfg)}, nil
}

var ec2Statuses = map[types.InstanceStateName]Status{
	types.InstanceStateNamePending:      StatusPoweringOn,
	types.InstanceStateNameRunning:      StatusPoweredOn,
	types.InstanceStateNameStopping:     StatusPoweringOff,
	types.InstanceStateNameStopped:      StatusPoweredOff,
	types.InstanceStateNameShuttingDown: StatusRemoving,
	types.InstanceStateNameTerminated:   StatusRemoving,
}

func instanceToServer(inst types.Instance) Server {
	s := Server{ID: aws.ToString(inst.InstanceId), Status: StatusUnknown}
	for _, tag := range inst.Tags {
		if aws.ToString(tag.Key) == "Name" {
			s.Name = aws.ToString(tag.Value)
		}
	}
	if inst.State != nil {
		if st, ok := ec2Statuses[inst.State.Name]; ok {
			s.Status = st
		}
	}
	if ip := aws.ToString(inst.PublicIpAddress); ip != "" {
		s.Addresses = append(s.Addresses, ip)
	}
	if ip := aws.ToString(inst.PrivateIpAddress); ip != "" {
		s.Addresses = append(s.Addresses, ip)
	}
	if inst.LaunchTime != nil {
		s.CreatedAt = *inst.LaunchTime
	}
	return s
}

// awsError maps EC2 API error codes onto the gateway sentinels
func awsError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidInstanceID.NotFound", "InvalidInstanceID.Malformed":
			return classify(ErrNotFound, err)
		case "AuthFailure", "UnauthorizedOperation":
			return classify(ErrUnauthorized, err)
		}
	}
	return err
}

// ListServers implements Gateway. Only instances tagged by this service are listed.
func (g *AWSGateway) ListServers(ctx context.Context) ([]Server, error) {
	paginator := ec2.NewDescribeInstancesPaginator(g.client, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + managedByTag), Values: []string{dropletTag}},
		},
	})

	var servers []Server
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrap("list servers", "", awsError(err))
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				servers = append(servers, instanceToServer(inst))
			}
		}
	}
	return servers, nil
}

// GetServer implements Gateway
func (g *AWSGateway) GetServer(ctx context.Context, id string) (*Server, error) {
	out, err := g.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		return nil, wrap("get server", id, awsError(err))
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			s := instanceToServer(inst)
			return &s, nil
		}
	}
	return nil, wrap("get server", id, ErrNotFound)
}

// CreateServer implements Gateway
func (g *AWSGateway) CreateServer(ctx context.Context, spec ServerSpec) (*Server, error) {
	userData, err := UserData(spec)
	if err != nil {
		return nil, wrap("create server", spec.Name, err)
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.Appliance),
		InstanceType: types.InstanceType(spec.Hardware),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(userData))),
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: aws.String("Name"), Value: aws.String(spec.Name)},
					{Key: aws.String(managedByTag), Value: aws.String(dropletTag)},
				},
			},
		},
	}

	out, err := g.client.RunInstances(ctx, input)
	if err != nil {
		return nil, wrap("create server", spec.Name, awsError(err))
	}
	if len(out.Instances) == 0 {
		return nil, wrap("create server", spec.Name, errors.New("no instance returned"))
	}
	s := instanceToServer(out.Instances[0])
	s.Name = spec.Name
	return &s, nil
}

// DeleteServer implements Gateway
func (g *AWSGateway) DeleteServer(ctx context.Context, id string) error {
	_, err := g.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{id},
	})
	return wrap("delete server", id, awsError(err))
}

// ListHardwareOptions implements Gateway
func (g *AWSGateway) ListHardwareOptions(ctx context.Context) ([]Option, error) {
	paginator := ec2.NewDescribeInstanceTypesPaginator(g.client, &ec2.DescribeInstanceTypesInput{})

	var options []Option
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrap("list hardware", "", awsError(err))
		}
		for _, it := range page.InstanceTypes {
			var vcpus int32
			var mem int64
			if it.VCpuInfo != nil {
				vcpus = aws.ToInt32(it.VCpuInfo.DefaultVCpus)
			}
			if it.MemoryInfo != nil {
				mem = aws.ToInt64(it.MemoryInfo.SizeInMiB)
			}
			options = append(options, Option{
				ID:          string(it.InstanceType),
				Name:        string(it.InstanceType),
				Description: fmt.Sprintf("%d vCPU, %d MiB RAM", vcpus, mem),
			})
		}
	}
	return options, nil
}

// ListApplianceOptions implements Gateway. Only images owned by the account are offered.
func (g *AWSGateway) ListApplianceOptions(ctx context.Context) ([]Option, error) {
	out, err := g.client.DescribeImages(ctx, &ec2.DescribeImagesInput{Owners: []string{"self"}})
	if err != nil {
		return nil, wrap("list appliances", "", awsError(err))
	}
	options := make([]Option, 0, len(out.Images))
	for _, img := range out.Images {
		options = append(options, Option{
			ID:          aws.ToString(img.ImageId),
			Name:        aws.ToString(img.Name),
			Description: aws.ToString(img.Description),
		})
	}
	return options, nil
}
