package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tremor/internal/cluster"
)

const sample = `
node:
  id: node-1
  listen: ":7800"
  public_address: 10.1.0.5
cluster:
  name: chaos
  validation_token: s3cret
  seeds: [10.1.0.6:7800, 10.1.0.7:7800]
  probe_interval: 500ms
store:
  driver: sqlite3
  dsn: /var/lib/tremor/state.db
reconcile:
  sweep_delay: 1m
endpoints:
  - name: local-docker
    type: docker
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, t.TempDir(), "tremor.yaml", sample)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.Node.ID)
	assert.Equal(t, "10.1.0.5:7800", cfg.Node.Advertise)
	assert.Equal(t, "chaos", cfg.Cluster.Name)
	assert.Equal(t, cluster.Clustered, cfg.Cluster.Mode)
	assert.Equal(t, 2, cfg.Cluster.Quorum)
	assert.Equal(t, 500*time.Millisecond, cfg.Cluster.ProbeInterval)
	assert.Equal(t, time.Minute, cfg.Reconcile.SweepDelay)
	assert.Equal(t, 30*time.Minute, cfg.Reconcile.RetriggerThreshold)
	assert.Equal(t, 271, cfg.Cluster.Partitions)
	require.Len(t, cfg.Endpoints, 1)
	assert.Equal(t, "docker", cfg.Endpoints[0].Type)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, t.TempDir(), "tremor.yaml", "cluster:\n  quorom: 3\n")

	_, err := Load(path)
	assert.ErrorContains(t, err, "quorom")
}

func TestEnvOverridesFile(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, t.TempDir(), "tremor.yaml", sample)
	t.Setenv("TREMOR_CLUSTER_QUORUM", "3")
	t.Setenv("TREMOR_CLUSTER_SEEDS", "10.1.0.8:7800, 10.1.0.9:7800 ,")
	t.Setenv("TREMOR_STORE_DRIVER", "memory")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Cluster.Quorum)
	assert.Equal(t, []string{"10.1.0.8:7800", "10.1.0.9:7800"}, cfg.Cluster.Seeds)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
}

func TestDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	writeFile(t, dir, ".env", "TREMOR_CLUSTER_VALIDATION_TOKEN=from-dotenv\nTREMOR_NODE_PUBLIC_ADDRESS=192.168.1.20\n")
	t.Cleanup(func() {
		os.Unsetenv("TREMOR_CLUSTER_VALIDATION_TOKEN")
		os.Unsetenv("TREMOR_NODE_PUBLIC_ADDRESS")
	})

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "from-dotenv", cfg.Cluster.ValidationToken)
	assert.Equal(t, "192.168.1.20:7700", cfg.Node.Advertise)
}

func TestInvalidEnvValue(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TREMOR_CLUSTER_PROBE_INTERVAL", "often")

	_, err := Load("")
	assert.ErrorContains(t, err, "TREMOR_CLUSTER_PROBE_INTERVAL")
}

func valid() *Config {
	cfg := Default()
	cfg.Cluster.ValidationToken = "s3cret"
	cfg.Node.PublicAddress = "10.0.0.1"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(c *Config)
		field string
	}{
		{name: "blank token", edit: func(c *Config) { c.Cluster.ValidationToken = "  " }, field: "validation_token"},
		{name: "blank address", edit: func(c *Config) { c.Node.PublicAddress = "" }, field: "public_address"},
		{name: "hostname address", edit: func(c *Config) { c.Node.PublicAddress = "chaos.local" }, field: "public_address"},
		{name: "unknown mode", edit: func(c *Config) { c.Cluster.Mode = "MESH" }, field: "deployment_mode"},
		{name: "standalone with seed", edit: func(c *Config) {
			c.Cluster.Mode = cluster.Standalone
			c.Cluster.Seeds = []string{"10.0.0.2:7700"}
		}, field: "deployment_mode"},
		{name: "cluster quorum of one", edit: func(c *Config) { c.Cluster.Quorum = 1 }, field: "quorum"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.edit(cfg)

			err := cfg.Validate()

			var bootErr *cluster.BootstrapError
			require.ErrorAs(t, err, &bootErr)
			assert.Equal(t, tt.field, bootErr.Field)
		})
	}
}

func TestQuorumDefaults(t *testing.T) {
	tests := []struct {
		name  string
		mode  cluster.DeploymentMode
		seeds []string
		want  int
	}{
		{name: "standalone", mode: cluster.Standalone, want: 1},
		{name: "standalone listing itself", mode: cluster.Standalone, seeds: []string{"10.0.0.1:7700"}, want: 1},
		{name: "cluster without seeds", mode: cluster.Clustered, want: 2},
		{name: "cluster of five seeds", mode: cluster.Clustered, seeds: []string{"a", "b", "c", "d", "e"}, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			cfg.Cluster.Mode = tt.mode
			cfg.Cluster.Seeds = tt.seeds

			require.NoError(t, cfg.Validate())
			assert.Equal(t, tt.want, cfg.Cluster.Quorum)
		})
	}
}

func TestValidateStore(t *testing.T) {
	cfg := valid()
	cfg.Store.Driver = "mongodb"
	assert.ErrorContains(t, cfg.Validate(), "unknown store driver")

	cfg = valid()
	cfg.Store.Driver = "postgres"
	assert.ErrorContains(t, cfg.Validate(), "needs a dsn")
}
