package provider

import (
	"context"
	"fmt"

	"buildswarm/internal/config"
)

// New creates the gateway for a pool credential (factory pattern).
// Memory credentials with the same key share one in-process cloud.
func New(ctx context.Context, cfg config.ProviderConfig) (Gateway, error) {
	switch cfg.Type {
	case config.ProviderOneAndOne:
		return NewOneAndOneGateway(cfg.Endpoint, cfg.Token), nil

	case config.ProviderDigitalOcean:
		return NewDOGateway(cfg.Token, cfg.Region), nil

	case config.ProviderAWS:
		return NewAWSGateway(ctx, cfg.Region, cfg.Token, cfg.Secret)

	case config.ProviderGCP:
		return NewGCPGateway(ctx, cfg.Project, cfg.Zone, cfg.Network, cfg.CredentialsFile)

	case config.ProviderYandexCloud:
		return NewYcGateway(ctx, cfg.Token, cfg.Project, cfg.Zone, cfg.Subnet)

	case config.ProviderOpenStack:
		return NewOpenStackGateway(OpenStackAuth{
			IdentityEndpoint: cfg.Endpoint,
			Username:         cfg.Username,
			Token:            cfg.Token,
			Secret:           cfg.Secret,
			Project:          cfg.Project,
			Domain:           cfg.Domain,
			Region:           cfg.Region,
		}, cfg.Network)

	case config.ProviderMemory:
		return memoryAccount(cfg.Key()), nil

	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Type)
	}
}

// Memory returns the shared in-memory cloud behind a memory credential
func Memory(cfg config.ProviderConfig) *MemoryGateway {
	return memoryAccount(cfg.Key())
}
