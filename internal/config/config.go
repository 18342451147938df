package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Resolver kinds.
const (
	ResolverList    = "list"
	ResolverIndexed = "indexed"
)

var dashboardNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Config holds all application configuration.
type Config struct {
	Chain       ChainConfig       `yaml:"chain"`
	Aggregator  AggregatorConfig  `yaml:"aggregator"`
	Refresh     RefreshConfig     `yaml:"refresh"`
	Persistence PersistenceConfig `yaml:"persistence"`
	API         APIConfig         `yaml:"api"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
	Dashboards  []DashboardConfig `yaml:"dashboards"`
}

// ChainConfig holds blockchain connection settings.
type ChainConfig struct {
	RPCURL            string        `yaml:"rpc_url"`
	WSURL             string        `yaml:"ws_url"`
	ChainID           int64         `yaml:"chain_id"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
}

// AggregatorConfig holds fan-out settings.
type AggregatorConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"`
}

// RefreshConfig holds refresh trigger settings.
type RefreshConfig struct {
	Interval    time.Duration `yaml:"interval"`
	EveryBlocks uint64        `yaml:"every_blocks"`
}

// PersistenceConfig holds database settings.
type PersistenceConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// APIConfig holds HTTP API settings.
type APIConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DashboardConfig describes one aggregated view.
type DashboardConfig struct {
	Name string `yaml:"name"`
	// Registry is the default registry address. Callers may override it.
	Registry string `yaml:"registry"`
	// InstanceABI is a built-in ABI name or a path to a JSON ABI file.
	InstanceABI string         `yaml:"instance_abi"`
	Resolver    ResolverConfig `yaml:"resolver"`
	Fields      []FieldConfig  `yaml:"fields"`
}

// ResolverConfig describes how the instance list is read from the registry.
type ResolverConfig struct {
	Kind string `yaml:"kind"`
	ABI  string `yaml:"abi"`

	// list
	Method string   `yaml:"method"`
	Args   []string `yaml:"args"`

	// indexed
	LengthMethod   string `yaml:"length_method"`
	IndexMethod    string `yaml:"index_method"`
	PageSize       int    `yaml:"page_size"`
	Batch          bool   `yaml:"batch"`
	MaxConcurrency int    `yaml:"max_concurrency"`
}

// FieldConfig describes one field read from every instance.
type FieldConfig struct {
	Name   string   `yaml:"name"`
	Method string   `yaml:"method"`
	Args   []string `yaml:"args"`
	// Output selects one named output of a multi-output method.
	Output string `yaml:"output"`
	// Fallback is parsed against the output type. Nil means the type's zero value.
	Fallback  *string `yaml:"fallback"`
	Mandatory bool    `yaml:"mandatory"`
	// Decimals scales integer values for display.
	Decimals *int32 `yaml:"decimals"`
	// DecimalsFrom takes the display scale from another field of the same record.
	DecimalsFrom string `yaml:"decimals_from"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if len(data) > 0 {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) setDefaults() {
	c.Chain = ChainConfig{
		ChainID:           8453, // Base mainnet
		RequestsPerSecond: 10,
		CallTimeout:       10 * time.Second,
	}
	c.Aggregator = AggregatorConfig{
		MaxConcurrency: 16,
	}
	c.Refresh = RefreshConfig{
		Interval: time.Minute,
	}
	c.Persistence = PersistenceConfig{
		SQLitePath: "./data/tokenhub.db",
	}
	c.API = APIConfig{
		Enabled: true,
		Port:    8081,
	}
	c.Metrics = MetricsConfig{
		Enabled: true,
		Port:    8080,
		Path:    "/metrics",
	}
	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RPC_URL"); v != "" {
		c.Chain.RPCURL = v
	}
	if v := os.Getenv("WS_URL"); v != "" {
		c.Chain.WSURL = v
	}

	if v := os.Getenv("REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			c.Refresh.Interval = d
		}
	}

	if v := os.Getenv("API_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.API.Port = port
		}
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Metrics.Port = port
		}
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Persistence.SQLitePath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// Validate checks that all required configuration values are present and valid.
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required (set RPC_URL env var)")
	}
	if c.Refresh.EveryBlocks > 0 && c.Chain.WSURL == "" {
		return fmt.Errorf("chain.ws_url is required when refresh.every_blocks is set (set WS_URL env var)")
	}
	if c.Chain.RequestsPerSecond <= 0 {
		return fmt.Errorf("chain.requests_per_second must be positive")
	}
	if c.Chain.CallTimeout <= 0 {
		return fmt.Errorf("chain.call_timeout must be positive")
	}
	if c.Aggregator.MaxConcurrency <= 0 {
		return fmt.Errorf("aggregator.max_concurrency must be positive")
	}
	if c.Refresh.Interval < 0 {
		return fmt.Errorf("refresh.interval must not be negative")
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api.port must be a valid port number")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be a valid port number")
	}
	if c.API.Enabled && c.Metrics.Enabled && c.API.Port == c.Metrics.Port {
		return fmt.Errorf("api.port and metrics.port must differ")
	}
	if len(c.Dashboards) == 0 {
		return fmt.Errorf("at least one dashboard is required")
	}

	seen := make(map[string]bool, len(c.Dashboards))
	for i := range c.Dashboards {
		d := &c.Dashboards[i]
		if err := d.validate(); err != nil {
			return fmt.Errorf("dashboards[%d]: %w", i, err)
		}
		if seen[d.Name] {
			return fmt.Errorf("dashboards[%d]: duplicate name %q", i, d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

func (d *DashboardConfig) validate() error {
	if !dashboardNamePattern.MatchString(d.Name) {
		return fmt.Errorf("name %q must be lowercase letters, digits, '-' or '_'", d.Name)
	}
	if d.Registry != "" && !common.IsHexAddress(d.Registry) {
		return fmt.Errorf("registry %q is not an address", d.Registry)
	}
	if d.InstanceABI == "" {
		return fmt.Errorf("instance_abi is required")
	}

	r := d.Resolver
	if r.ABI == "" {
		return fmt.Errorf("resolver.abi is required")
	}
	switch r.Kind {
	case ResolverList:
		if r.Method == "" {
			return fmt.Errorf("resolver.method is required for kind %q", r.Kind)
		}
	case ResolverIndexed:
		if r.LengthMethod == "" || r.IndexMethod == "" {
			return fmt.Errorf("resolver.length_method and resolver.index_method are required for kind %q", r.Kind)
		}
		if r.PageSize < 0 || r.MaxConcurrency < 0 {
			return fmt.Errorf("resolver.page_size and resolver.max_concurrency must not be negative")
		}
	default:
		return fmt.Errorf("resolver.kind must be %q or %q, got %q", ResolverList, ResolverIndexed, r.Kind)
	}

	if len(d.Fields) == 0 {
		return fmt.Errorf("at least one field is required")
	}
	names := make(map[string]bool, len(d.Fields))
	for _, f := range d.Fields {
		if f.Name == "" || f.Method == "" {
			return fmt.Errorf("field name and method are required")
		}
		if names[f.Name] {
			return fmt.Errorf("duplicate field %q", f.Name)
		}
		names[f.Name] = true
		if f.Mandatory && f.Fallback != nil {
			return fmt.Errorf("field %q: mandatory fields take no fallback", f.Name)
		}
		if f.Decimals != nil && f.DecimalsFrom != "" {
			return fmt.Errorf("field %q: decimals and decimals_from are exclusive", f.Name)
		}
		if f.Decimals != nil && (*f.Decimals < 0 || *f.Decimals > 77) {
			return fmt.Errorf("field %q: decimals must be between 0 and 77", f.Name)
		}
	}
	for _, f := range d.Fields {
		if f.DecimalsFrom != "" && !names[f.DecimalsFrom] {
			return fmt.Errorf("field %q: decimals_from references unknown field %q", f.Name, f.DecimalsFrom)
		}
	}
	return nil
}

// Dashboard returns the named dashboard.
func (c *Config) Dashboard(name string) (DashboardConfig, bool) {
	for _, d := range c.Dashboards {
		if d.Name == name {
			return d, true
		}
	}
	return DashboardConfig{}, false
}
