package config

import (
	"fmt"
	"strings"

	"buildswarm/internal/naming"
)

// Error reports every problem found in a configuration
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func (e *Error) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

var knownProviders = map[ProviderType]bool{
	ProviderOneAndOne:    true,
	ProviderDigitalOcean: true,
	ProviderAWS:          true,
	ProviderGCP:          true,
	ProviderYandexCloud:  true,
	ProviderOpenStack:    true,
	ProviderMemory:       true,
}

// Validate checks the whole configuration and returns *Error when anything is wrong
func (c *Config) Validate() error {
	errs := &Error{}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs.add("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Agent.Path == "" && c.Agent.URL == "" {
		errs.add("agent.path or agent.url is required")
	}
	if c.Agent.RemotePath == "" {
		errs.add("agent.remote_path must not be empty")
	}
	if c.Bootstrap.Concurrency <= 0 {
		errs.add("bootstrap.concurrency must be positive, got %d", c.Bootstrap.Concurrency)
	}
	if c.Bootstrap.PollIntervalSeconds <= 0 {
		errs.add("bootstrap.poll_interval_seconds must be positive, got %d", c.Bootstrap.PollIntervalSeconds)
	}
	if c.Decommission.BackoffSeconds <= 0 {
		errs.add("decommission.backoff_seconds must be positive, got %d", c.Decommission.BackoffSeconds)
	}
	if len(c.Pools) == 0 {
		errs.add("at least one pool is required")
	}

	seen := make(map[string]bool)
	for i := range c.Pools {
		p := &c.Pools[i]
		if seen[p.ID] {
			errs.add("pool %q is defined more than once", p.ID)
		}
		seen[p.ID] = true
		p.validate(errs)
	}

	if len(errs.Problems) > 0 {
		return errs
	}
	return nil
}

func (p *Pool) validate(errs *Error) {
	if !naming.IsValidPoolID(p.ID) {
		errs.add("pool id %q must match [a-zA-Z0-9.]+", p.ID)
	}
	if p.InstanceCap < 0 {
		errs.add("pool %s: instance_cap must be a non-negative number, got %d", p.ID, p.InstanceCap)
	}
	if p.TimeoutMinutes <= 0 {
		errs.add("pool %s: timeout_minutes must be positive, got %d", p.ID, p.TimeoutMinutes)
	}

	if !knownProviders[p.Provider.Type] {
		errs.add("pool %s: unsupported provider type %q", p.ID, p.Provider.Type)
	}
	switch p.Provider.Type {
	case ProviderMemory, ProviderGCP:
	default:
		if p.Provider.Token == "" {
			errs.add("pool %s: provider token is required", p.ID)
		}
	}
	if p.Provider.Type == ProviderAWS && p.Provider.Secret == "" {
		errs.add("pool %s: aws provider requires secret", p.ID)
	}
	if (p.Provider.Type == ProviderGCP || p.Provider.Type == ProviderYandexCloud) && p.Provider.Project == "" {
		errs.add("pool %s: %s provider requires project", p.ID, p.Provider.Type)
	}
	if p.Provider.Type == ProviderOpenStack && p.Provider.Endpoint == "" {
		errs.add("pool %s: openstack provider requires endpoint", p.ID)
	}

	if key := p.SSH.PrivateKey; key != "" {
		if !strings.Contains(key, "-----BEGIN") || !strings.Contains(key, "PRIVATE KEY-----") {
			errs.add("pool %s: ssh private key must be a PEM encoded private key", p.ID)
		}
	}
	if p.SSH.PrivateKey != "" && p.SSH.PrivateKeyPath != "" {
		errs.add("pool %s: set only one of ssh.private_key and ssh.private_key_path", p.ID)
	}

	if len(p.Templates) == 0 {
		errs.add("pool %s: at least one template is required", p.ID)
	}
	seen := make(map[string]bool)
	for _, t := range p.Templates {
		if seen[t.ID] {
			errs.add("pool %s: template %q is defined more than once", p.ID, t.ID)
		}
		seen[t.ID] = true
		t.validate(p.ID, errs)
	}
}

func (t Template) validate(poolID string, errs *Error) {
	where := fmt.Sprintf("pool %s template %s", poolID, t.ID)
	if !naming.IsValidTemplateID(t.ID) {
		errs.add("pool %s: template id %q must match [a-zA-Z0-9.]+", poolID, t.ID)
	}
	if t.InstanceCap < 0 {
		errs.add("%s: instance_cap must be a non-negative number, got %d", where, t.InstanceCap)
	}
	if t.Executors <= 0 {
		errs.add("%s: executors must be positive, got %d", where, t.Executors)
	}
	if t.Username == "" {
		errs.add("%s: username must be set", where)
	}
	if t.SSHPort <= 0 || t.SSHPort > 65535 {
		errs.add("%s: ssh_port must be between 1 and 65535, got %d", where, t.SSHPort)
	}
	if t.IdleTerminationMinutes < 0 {
		errs.add("%s: idle_termination_minutes must not be negative, got %d", where, t.IdleTerminationMinutes)
	}
	if t.WorkspacePath == "" {
		errs.add("%s: workspace_path must be set", where)
	}
	if t.Hardware == "" {
		errs.add("%s: hardware must be set", where)
	}
	if t.Appliance == "" {
		errs.add("%s: appliance must be set", where)
	}
}
