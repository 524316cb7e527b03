// Package config loads the configuration of a tremor node.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// a .env file, then TREMOR_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/tremor/internal/cluster"
	"github.com/dreamware/tremor/internal/executor"
	"github.com/dreamware/tremor/internal/partition"
	"github.com/dreamware/tremor/internal/reconcile"
	"github.com/dreamware/tremor/internal/storage"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TREMOR_"

// Config is the full node configuration.
type Config struct {
	Node        Node                `yaml:"node"`
	Cluster     Cluster             `yaml:"cluster"`
	Store       Store               `yaml:"store"`
	Registry    Registry            `yaml:"registry"`
	Reconcile   Reconcile           `yaml:"reconcile"`
	Maintenance Maintenance         `yaml:"maintenance"`
	Docker      Docker              `yaml:"docker"`
	Endpoints   []executor.Endpoint `yaml:"endpoints"`
}

type Node struct {
	// ID defaults to a generated UUID.
	ID            string `yaml:"id"`
	Listen        string `yaml:"listen"`
	PublicAddress string `yaml:"public_address"`

	// Advertise is the host:port peers dial. Defaults to the public
	// address with the listen port.
	Advertise string `yaml:"advertise"`
}

type Cluster struct {
	Name            string                 `yaml:"name"`
	ValidationToken string                 `yaml:"validation_token"`
	Mode            cluster.DeploymentMode `yaml:"deployment_mode"`
	Seeds           []string               `yaml:"seeds"`
	Quorum          int                    `yaml:"quorum"`
	Partitions      int                    `yaml:"partitions"`
	ProbeInterval   time.Duration          `yaml:"probe_interval"`
	MaxFailures     int                    `yaml:"max_failures"`
}

type Store struct {
	// Driver is memory, sqlite3 or postgres.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	// NotifyChannel is the postgres LISTEN channel of the sync bus.
	NotifyChannel string `yaml:"notify_channel"`
}

type Registry struct {
	EntryTTL        time.Duration `yaml:"entry_ttl"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

type Reconcile struct {
	SweepDelay         time.Duration `yaml:"sweep_delay"`
	RetriggerThreshold time.Duration `yaml:"retrigger_threshold"`
}

type Maintenance struct {
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type Docker struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
}

// DriverMemory selects the in-process store.
const DriverMemory = "memory"

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Node: Node{Listen: ":7700"},
		Cluster: Cluster{
			Name:          "tremor",
			Mode:          cluster.Clustered,
			Partitions:    partition.DefaultCount,
			ProbeInterval: 2 * time.Second,
			MaxFailures:   3,
		},
		Store:       Store{Driver: DriverMemory, NotifyChannel: "tremor_sync"},
		Registry:    Registry{EntryTTL: 24 * time.Hour, JanitorInterval: time.Hour},
		Reconcile:   Reconcile{SweepDelay: reconcile.DefaultDelay, RetriggerThreshold: 30 * time.Minute},
		Maintenance: Maintenance{DrainTimeout: 30 * time.Minute, PollInterval: 10 * time.Second},
	}
}

// Load reads path (optional), then .env, then the environment, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"NODE_ID":                  &c.Node.ID,
		"NODE_LISTEN":              &c.Node.Listen,
		"NODE_PUBLIC_ADDRESS":      &c.Node.PublicAddress,
		"NODE_ADVERTISE":           &c.Node.Advertise,
		"CLUSTER_NAME":             &c.Cluster.Name,
		"CLUSTER_VALIDATION_TOKEN": &c.Cluster.ValidationToken,
		"STORE_DRIVER":             &c.Store.Driver,
		"STORE_DSN":                &c.Store.DSN,
		"STORE_NOTIFY_CHANNEL":     &c.Store.NotifyChannel,
		"DOCKER_HOST":              &c.Docker.Host,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CLUSTER_QUORUM":       &c.Cluster.Quorum,
		"CLUSTER_PARTITIONS":   &c.Cluster.Partitions,
		"CLUSTER_MAX_FAILURES": &c.Cluster.MaxFailures,
	}
	for key, dst := range ints {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"CLUSTER_PROBE_INTERVAL":        &c.Cluster.ProbeInterval,
		"REGISTRY_ENTRY_TTL":            &c.Registry.EntryTTL,
		"RECONCILE_SWEEP_DELAY":         &c.Reconcile.SweepDelay,
		"RECONCILE_RETRIGGER_THRESHOLD": &c.Reconcile.RetriggerThreshold,
		"MAINTENANCE_DRAIN_TIMEOUT":     &c.Maintenance.DrainTimeout,
	}
	for key, dst := range durations {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
	}

	if v, ok := lookup(EnvPrefix + "CLUSTER_DEPLOYMENT_MODE"); ok {
		c.Cluster.Mode = cluster.DeploymentMode(strings.ToUpper(v))
	}
	if v, ok := lookup(EnvPrefix + "CLUSTER_SEEDS"); ok {
		c.Cluster.Seeds = splitList(v)
	}
	if v, ok := lookup(EnvPrefix + "DOCKER_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sDOCKER_ENABLED: %w", EnvPrefix, err)
		}
		c.Docker.Enabled = b
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the bootstrap parameters and fills derived defaults.
// Parameter problems are *cluster.BootstrapError.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Cluster.ValidationToken) == "" {
		return &cluster.BootstrapError{Field: "validation_token", Reason: "must not be blank"}
	}
	if strings.TrimSpace(c.Node.PublicAddress) == "" {
		return &cluster.BootstrapError{Field: "public_address", Reason: "must not be blank"}
	}
	if net.ParseIP(c.Node.PublicAddress) == nil {
		return &cluster.BootstrapError{Field: "public_address", Reason: fmt.Sprintf("%q is not an IP address", c.Node.PublicAddress)}
	}
	if !c.Cluster.Mode.Valid() {
		return &cluster.BootstrapError{Field: "deployment_mode", Reason: fmt.Sprintf("unknown mode %q", c.Cluster.Mode)}
	}

	if c.Node.Advertise == "" {
		_, port, err := net.SplitHostPort(c.Node.Listen)
		if err != nil {
			return &cluster.BootstrapError{Field: "listen", Reason: err.Error(), Err: err}
		}
		c.Node.Advertise = net.JoinHostPort(c.Node.PublicAddress, port)
	}

	switch c.Cluster.Mode {
	case cluster.Standalone:
		for _, s := range c.Cluster.Seeds {
			if s != c.Node.Advertise {
				return &cluster.BootstrapError{Field: "deployment_mode", Reason: fmt.Sprintf("standalone node cannot join seed %s", s)}
			}
		}
		c.Cluster.Seeds = nil
		if c.Cluster.Quorum == 0 {
			c.Cluster.Quorum = 1
		}
	case cluster.Clustered:
		if c.Cluster.Quorum == 0 {
			c.Cluster.Quorum = max(2, len(c.Cluster.Seeds)/2+1)
		}
		if c.Cluster.Quorum < 2 {
			return &cluster.BootstrapError{Field: "quorum", Reason: fmt.Sprintf("cluster mode needs a quorum of at least 2, got %d", c.Cluster.Quorum)}
		}
	}

	switch c.Store.Driver {
	case DriverMemory, storage.DriverSQLite, storage.DriverPostgres:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver != DriverMemory && c.Store.DSN == "" {
		return fmt.Errorf("store driver %s needs a dsn", c.Store.Driver)
	}
	if c.Cluster.Partitions <= 0 {
		c.Cluster.Partitions = partition.DefaultCount
	}
	return nil
}
