package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"continuum/internal/hashkit"
)

// Distributions understood by a pool.
const (
	// DistributionKetama places KetamaPoints points per weight unit.
	DistributionKetama = "ketama"
	// DistributionProportional places one point per server and dispatches
	// the raw key hash.
	DistributionProportional = "proportional"
	// DistributionWeighted places one point per server and maps the key hash
	// into the weight domain before dispatch.
	DistributionWeighted = "weighted"
)

// Defaults applied to pools that leave a field unset.
const (
	DefaultListen             = "127.0.0.1:22120"
	DefaultHealthInterval     = time.Second
	DefaultHash               = "fnv1a_64"
	DefaultDistribution       = DistributionKetama
	DefaultKetamaPoints       = 160
	DefaultServerRetryTimeout = 30 * time.Second
	DefaultServerFailureLimit = 2
	DefaultWeight             = 100
)

// Server is one backend entry of a pool.
type Server struct {
	Name   string
	Addr   string
	Weight uint32
}

// Pool holds the configuration of one server pool.
type Pool struct {
	Name               string        `yaml:"-"`
	Hash               string        `yaml:"hash"`
	Distribution       string        `yaml:"distribution"`
	KetamaPoints       *uint32       `yaml:"ketama_points"`
	AutoEjectHosts     bool          `yaml:"auto_eject_hosts"`
	ServerRetryTimeout time.Duration `yaml:"server_retry_timeout"`
	ServerFailureLimit int           `yaml:"server_failure_limit"`
	ServerList         []string      `yaml:"servers"`

	Servers []Server `yaml:"-"`
}

// Points returns the ring points per weight unit. Single-point
// distributions always use zero.
func (p *Pool) Points() uint32 {
	if p.Distribution != DistributionKetama {
		return 0
	}
	if p.KetamaPoints == nil {
		return DefaultKetamaPoints
	}
	return *p.KetamaPoints
}

// Config holds the router configuration.
type Config struct {
	Listen         string           `yaml:"listen"`
	HealthInterval time.Duration    `yaml:"health_interval"`
	Pools          map[string]*Pool `yaml:"pools"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates every pool.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}

	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if len(cfg.Pools) == 0 {
		return nil, fmt.Errorf("no pools configured")
	}

	for name, p := range cfg.Pools {
		if p == nil {
			return nil, fmt.Errorf("pool %s: empty definition", name)
		}
		p.Name = name
		if err := p.normalize(); err != nil {
			return nil, fmt.Errorf("pool %s: %w", name, err)
		}
	}
	return &cfg, nil
}

// PoolNames returns the configured pool names in sorted order.
func (c *Config) PoolNames() []string {
	names := make([]string, 0, len(c.Pools))
	for name := range c.Pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Pool) normalize() error {
	if p.Hash == "" {
		p.Hash = DefaultHash
	}
	if _, err := hashkit.Lookup(p.Hash); err != nil {
		return err
	}

	switch p.Distribution {
	case "":
		p.Distribution = DefaultDistribution
	case DistributionKetama, DistributionProportional, DistributionWeighted:
	default:
		return fmt.Errorf("invalid distribution: %s (expected %s, %s or %s)",
			p.Distribution, DistributionKetama, DistributionProportional, DistributionWeighted)
	}
	if p.Distribution == DistributionKetama && p.KetamaPoints != nil && *p.KetamaPoints == 0 {
		return fmt.Errorf("ketama_points must be positive for %s distribution", DistributionKetama)
	}

	if p.ServerRetryTimeout <= 0 {
		p.ServerRetryTimeout = DefaultServerRetryTimeout
	}
	if p.ServerFailureLimit <= 0 {
		p.ServerFailureLimit = DefaultServerFailureLimit
	}

	servers, err := ParseServers(p.ServerList)
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		return fmt.Errorf("no servers")
	}
	p.Servers = servers
	return nil
}

// ParseServers parses server entries and rejects duplicate names.
func ParseServers(entries []string) ([]Server, error) {
	servers := make([]Server, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		s, err := ParseServer(entry)
		if err != nil {
			return nil, err
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate server name: %s", s.Name)
		}
		seen[s.Name] = true
		servers = append(servers, s)
	}
	return servers, nil
}

// ParseServer parses a server entry in the format "host:port[:weight] [name]".
// The name defaults to host:port and the weight to 100, one full share.
func ParseServer(entry string) (Server, error) {
	fields := strings.Fields(entry)
	if len(fields) == 0 || len(fields) > 2 {
		return Server{}, fmt.Errorf("invalid server format: %q (expected host:port:weight [name])", entry)
	}

	parts := strings.Split(fields[0], ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Server{}, fmt.Errorf("invalid server address: %s (expected host:port:weight)", fields[0])
	}

	host := parts[0]
	if host == "" {
		return Server{}, fmt.Errorf("server host cannot be empty: %s", entry)
	}
	port, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil || port == 0 {
		return Server{}, fmt.Errorf("invalid server port: %s", parts[1])
	}

	weight := uint64(DefaultWeight)
	if len(parts) == 3 {
		weight, err = strconv.ParseUint(parts[2], 10, 32)
		if err != nil || weight == 0 {
			return Server{}, fmt.Errorf("invalid server weight: %s (must be a positive integer)", parts[2])
		}
	}

	addr := host + ":" + strconv.FormatUint(port, 10)
	name := addr
	if len(fields) == 2 {
		name = fields[1]
	}

	return Server{
		Name:   name,
		Addr:   addr,
		Weight: uint32(weight),
	}, nil
}
