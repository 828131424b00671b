package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nubla/slicer/pkg/types"
)

// Config is the full orchestrator configuration, loaded from YAML.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	DataDir     string `yaml:"data_dir"`
	ImageDir    string `yaml:"image_dir"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`

	// TokenSecret verifies the bearer tokens minted by the external
	// identity service. Both sides share the HS256 key.
	TokenSecret string `yaml:"token_secret"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`

	Linux     ZoneConfig `yaml:"linux"`
	OpenStack ZoneConfig `yaml:"openstack"`
}

// TelemetryConfig points at the PromQL query endpoint.
type TelemetryConfig struct {
	URL string `yaml:"url"`
}

// CatalogConfig points at the image catalog byte service.
type CatalogConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// TimeoutConfig carries the per-operation driver deadlines.
type TimeoutConfig struct {
	Deploy     time.Duration `yaml:"deploy"`
	Delete     time.Duration `yaml:"delete"`
	Transition time.Duration `yaml:"transition"`
}

// ZoneConfig describes one backing cluster.
type ZoneConfig struct {
	Workers     []WorkerConfig `yaml:"workers"`
	PoolStart   int            `yaml:"pool_start"`
	PoolEnd     int            `yaml:"pool_end"`
	HeadnodeJob string         `yaml:"headnode_job"`
	WorkerJob   string         `yaml:"worker_job"`
	AgentToken  string         `yaml:"agent_token"`

	// OpenStack is set only for the openstack zone.
	OpenStack *OpenStackConfig `yaml:"openstack,omitempty"`
}

// WorkerConfig describes one physical compute host of a zone.
type WorkerConfig struct {
	Name string `yaml:"name"`

	// AgentURL is the per-worker agent endpoint (linux zone only).
	AgentURL string `yaml:"agent_url,omitempty"`

	// AvailabilityZone pins openstack servers placed on this worker.
	AvailabilityZone string `yaml:"availability_zone,omitempty"`
}

// OpenStackConfig carries control-plane credentials and zone-level ids.
type OpenStackConfig struct {
	AuthURL     string `yaml:"auth_url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Domain      string `yaml:"domain"`
	Region      string `yaml:"region"`
	AdminRoleID string `yaml:"admin_role_id"`

	// InternetNetworkID is the shared provider network for VLAN 11.
	// Zone-level configuration, never a hard-coded UUID.
	InternetNetworkID string `yaml:"internet_network_id"`

	// PhysicalNetwork backs the per-VLAN provider networks.
	PhysicalNetwork string `yaml:"physical_network"`
}

// Zone returns the configuration of the named zone.
func (c *Config) Zone(zone types.Zone) *ZoneConfig {
	if zone == types.ZoneOpenStack {
		return &c.OpenStack
	}
	return &c.Linux
}

// WorkerNames lists the configured worker set of a zone.
func (z *ZoneConfig) WorkerNames() []string {
	names := make([]string, len(z.Workers))
	for i, w := range z.Workers {
		names[i] = w.Name
	}
	return names
}

// Worker returns the worker config by name, or nil.
func (z *ZoneConfig) Worker(name string) *WorkerConfig {
	for i := range z.Workers {
		if z.Workers[i].Name == name {
			return &z.Workers[i]
		}
	}
	return nil
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with every defaultable field set.
func Default() *Config {
	return &Config{
		ListenAddr:  "127.0.0.1:8080",
		MetricsAddr: "127.0.0.1:9090",
		DataDir:     "./slicer-data",
		ImageDir:    "./slicer-images",
		LogLevel:    "info",
		Timeouts: TimeoutConfig{
			Deploy:     5 * time.Minute,
			Delete:     2 * time.Minute,
			Transition: 1 * time.Minute,
		},
		Linux: ZoneConfig{
			PoolStart: 5,
			PoolEnd:   900,
		},
		OpenStack: ZoneConfig{
			PoolStart: 15,
			PoolEnd:   900,
		},
	}
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.TokenSecret == "" {
		return fmt.Errorf("token_secret is required")
	}
	if c.Telemetry.URL == "" {
		return fmt.Errorf("telemetry.url is required")
	}

	for _, zone := range types.Zones() {
		zc := c.Zone(zone)
		if zc.PoolStart <= 0 || zc.PoolEnd < zc.PoolStart {
			return fmt.Errorf("%s: invalid vlan pool [%d,%d]", zone, zc.PoolStart, zc.PoolEnd)
		}
		if len(zc.Workers) == 0 {
			return fmt.Errorf("%s: at least one worker is required", zone)
		}
	}

	for _, w := range c.Linux.Workers {
		if w.AgentURL == "" {
			return fmt.Errorf("linux worker %s: agent_url is required", w.Name)
		}
	}

	if c.OpenStack.OpenStack == nil {
		return fmt.Errorf("openstack: control plane credentials are required")
	}
	if c.OpenStack.OpenStack.InternetNetworkID == "" {
		return fmt.Errorf("openstack: internet_network_id is required")
	}

	return nil
}
