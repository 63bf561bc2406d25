package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// ProviderType discriminates the cloud a pool provisions from
type ProviderType string

const (
	ProviderOneAndOne    ProviderType = "oneandone"
	ProviderDigitalOcean ProviderType = "digitalocean"
	ProviderAWS          ProviderType = "aws"
	ProviderGCP          ProviderType = "gcp"
	ProviderYandexCloud  ProviderType = "yandex_cloud"
	ProviderOpenStack    ProviderType = "openstack"
	ProviderMemory       ProviderType = "memory"
)

const (
	DefaultTimeoutMinutes         = 10
	DefaultExecutors              = 1
	DefaultIdleTerminationMinutes = 10
	DefaultUsername               = "root"
	DefaultSSHPort                = 22
	DefaultWorkspacePath          = "/tmp/buildswarm"
	DefaultPort                   = 50051
	DefaultBackoffSeconds         = 10
	DefaultPollIntervalSeconds    = 10
	DefaultConcurrency            = 10
	DefaultAgentRemotePath        = "/tmp/agent.jar"
)

// DefaultRuntimeVersions is the order in which Java runtimes are tried on a node without one
var DefaultRuntimeVersions = []string{"17", "21", "11"}

// Config contains application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Etcd         EtcdConfig         `yaml:"etcd"`
	Agent        AgentConfig        `yaml:"agent"`
	Bootstrap    BootstrapConfig    `yaml:"bootstrap"`
	Decommission DecommissionConfig `yaml:"decommission"`
	Pools        []Pool             `yaml:"pools"`
}

// ServerConfig configures the gRPC scheduler surface
type ServerConfig struct {
	Port int `yaml:"port"`
}

// EtcdConfig configures optional etcd persistence. Empty endpoints keep all state in memory.
type EtcdConfig struct {
	Endpoints   []string `yaml:"endpoints"`
	DialTimeout int      `yaml:"dial_timeout"` // seconds
}

// AgentConfig describes the worker agent payload pushed to every node
type AgentConfig struct {
	Path            string   `yaml:"path"`
	URL             string   `yaml:"url"`
	RemotePath      string   `yaml:"remote_path"`
	RuntimeVersions []string `yaml:"runtime_versions"`
}

// BootstrapConfig tunes the node bootstrap engine
type BootstrapConfig struct {
	Concurrency         int `yaml:"concurrency"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// DecommissionConfig tunes the background deletion queue
type DecommissionConfig struct {
	BackoffSeconds int    `yaml:"backoff_seconds"`
	StateFile      string `yaml:"state_file"`
}

// Pool is one provider account with its own capacity limits and templates
type Pool struct {
	ID             string         `yaml:"id"`
	InstanceCap    int            `yaml:"instance_cap"`
	TimeoutMinutes int            `yaml:"timeout_minutes"`
	Provider       ProviderConfig `yaml:"provider"`
	SSH            SSHConfig      `yaml:"ssh"`
	Templates      []Template     `yaml:"templates"`
}

// ProviderConfig holds the credential and location of a provider account
type ProviderConfig struct {
	Type            ProviderType `yaml:"type"`
	Token           string       `yaml:"token"`
	Secret          string       `yaml:"secret"`
	Endpoint        string       `yaml:"endpoint"`
	Region          string       `yaml:"region"`
	Zone            string       `yaml:"zone"`
	Project         string       `yaml:"project"`
	CredentialsFile string       `yaml:"credentials_file"`
	Network         string       `yaml:"network"`
	Subnet          string       `yaml:"subnet"`
	Username        string       `yaml:"username"`
	Domain          string       `yaml:"domain"`
}

// SSHConfig holds the key material used to reach nodes. When both keys are empty a pair is
// generated and kept by the key provider.
type SSHConfig struct {
	PublicKey      string `yaml:"public_key"`
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// Template describes one kind of node a pool can create
type Template struct {
	ID                     string `yaml:"id"`
	InstanceCap            int    `yaml:"instance_cap"`
	Executors              int    `yaml:"executors"`
	Labels                 string `yaml:"labels"`
	AllowLabelless         bool   `yaml:"allow_labelless"`
	Hardware               string `yaml:"hardware"`
	Appliance              string `yaml:"appliance"`
	Username               string `yaml:"username"`
	SSHPort                int    `yaml:"ssh_port"`
	IdleTerminationMinutes int    `yaml:"idle_termination_minutes"`
	WorkspacePath          string `yaml:"workspace_path"`
	InitScript             string `yaml:"init_script"`
	LaunchOptions          string `yaml:"launch_options"`
}

// UnmarshalYAML applies pool defaults before decoding
func (p *Pool) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type raw Pool
	decoded := raw{TimeoutMinutes: DefaultTimeoutMinutes}
	if err := unmarshal(&decoded); err != nil {
		return err
	}
	*p = Pool(decoded)
	return nil
}

// UnmarshalYAML applies template defaults before decoding
func (t *Template) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type raw Template
	decoded := raw{
		Executors:              DefaultExecutors,
		Username:               DefaultUsername,
		SSHPort:                DefaultSSHPort,
		IdleTerminationMinutes: DefaultIdleTerminationMinutes,
		WorkspacePath:          DefaultWorkspacePath,
	}
	if err := unmarshal(&decoded); err != nil {
		return err
	}
	*t = Template(decoded)
	return nil
}

// Timeout returns the bootstrap timeout of the pool
func (p Pool) Timeout() time.Duration {
	return time.Duration(p.TimeoutMinutes) * time.Minute
}

// Template looks up a template by id
func (p Pool) Template(id string) (Template, bool) {
	for _, t := range p.Templates {
		if t.ID == id {
			return t, true
		}
	}
	return Template{}, false
}

// LabelSet splits the template labels on whitespace
func (t Template) LabelSet() []string {
	return strings.Fields(t.Labels)
}

// IdleTimeout returns how long a node may stay idle before it is removed. Zero disables removal.
func (t Template) IdleTimeout() time.Duration {
	return time.Duration(t.IdleTerminationMinutes) * time.Minute
}

// Key identifies the provider account a credential addresses. The token itself is hashed.
func (c ProviderConfig) Key() string {
	sum := sha256.Sum256([]byte(c.Token + "\x00" + c.Secret))
	return strings.Join([]string{
		string(c.Type),
		c.Endpoint,
		c.Region,
		c.Project,
		hex.EncodeToString(sum[:6]),
	}, "|")
}

// PollInterval returns the bootstrap poll interval
func (b BootstrapConfig) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalSeconds) * time.Second
}

// Backoff returns the wait between failed decommission passes. Unset or invalid values fall
// back to DefaultBackoffSeconds.
func (d DecommissionConfig) Backoff() time.Duration {
	if d.BackoffSeconds <= 0 {
		return DefaultBackoffSeconds * time.Second
	}
	return time.Duration(d.BackoffSeconds) * time.Second
}

// Pool looks up a pool by id
func (c *Config) Pool(id string) (Pool, bool) {
	for _, p := range c.Pools {
		if p.ID == id {
			return p, true
		}
	}
	return Pool{}, false
}

// Path returns the config location from CONFIG_PATH, falling back to buildswarm.yaml
func Path() string {
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		return configPath
	}
	return "buildswarm.yaml"
}

// Load loads and validates the configuration named by CONFIG_PATH
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile loads and validates configuration from path
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, expands environment variables and validates the result
func Parse(data []byte) (*Config, error) {
	config := &Config{
		Server:       ServerConfig{Port: DefaultPort},
		Etcd:         EtcdConfig{DialTimeout: 5},
		Agent:        AgentConfig{RemotePath: DefaultAgentRemotePath},
		Bootstrap:    BootstrapConfig{Concurrency: DefaultConcurrency, PollIntervalSeconds: DefaultPollIntervalSeconds},
		Decommission: DecommissionConfig{BackoffSeconds: DefaultBackoffSeconds},
	}

	if err := yaml.UnmarshalStrict(data, config); err != nil {
		return nil, &Error{Problems: []string{fmt.Sprintf("failed to parse config file: %v", err)}}
	}

	config.expandEnv()

	if len(config.Agent.RuntimeVersions) == 0 {
		config.Agent.RuntimeVersions = append([]string(nil), DefaultRuntimeVersions...)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) expandEnv() {
	c.Agent.Path = os.ExpandEnv(c.Agent.Path)
	c.Agent.URL = os.ExpandEnv(c.Agent.URL)
	c.Decommission.StateFile = os.ExpandEnv(c.Decommission.StateFile)
	for i := range c.Etcd.Endpoints {
		c.Etcd.Endpoints[i] = os.ExpandEnv(c.Etcd.Endpoints[i])
	}

	for i := range c.Pools {
		p := &c.Pools[i].Provider
		p.Token = os.ExpandEnv(p.Token)
		p.Secret = os.ExpandEnv(p.Secret)
		p.Endpoint = os.ExpandEnv(p.Endpoint)
		p.Project = os.ExpandEnv(p.Project)
		p.CredentialsFile = os.ExpandEnv(p.CredentialsFile)
		p.Username = os.ExpandEnv(p.Username)

		s := &c.Pools[i].SSH
		s.PublicKey = os.ExpandEnv(s.PublicKey)
		s.PrivateKey = os.ExpandEnv(s.PrivateKey)
		s.PrivateKeyPath = os.ExpandEnv(s.PrivateKeyPath)
	}
}
