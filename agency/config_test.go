package agency

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		ID:       1,
		Endpoint: "http://agent1:8529",
		Peers: []PeerConfig{
			{ID: 1, Endpoint: "http://agent1:8529"},
			{ID: 2, Endpoint: "http://agent2:8529"},
			{ID: 3, Endpoint: "http://agent3:8529"},
		},
		MinPing: time.Second,
		MaxPing: 5 * time.Second,
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	require.Equal(t, time.Second, cfg.MinPing)
	require.Equal(t, 5*time.Second, cfg.MaxPing)
	require.Equal(t, time.Second, cfg.SupervisionFrequency)
	require.Equal(t, 5*time.Second, cfg.OkThreshold)
	require.Equal(t, 10*time.Second, cfg.GracePeriod)
	require.Equal(t, 10*time.Minute, cfg.JobTimeout)
	require.Equal(t, 25, cfg.MaxJobsPerTick)
	require.Equal(t, 500, cfg.FinishedJobLimit)
	require.Equal(t, 1000, cfg.FailedJobLimit)
}

func TestConfigValidate(t *testing.T) {
	cfg := validConfig()
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"zero id", func(c *Config) { c.ID = 0 }, "id must be greater than 0"},
		{"no endpoint", func(c *Config) { c.Endpoint = "" }, "endpoint is required"},
		{"no peers", func(c *Config) { c.Peers = nil }, "peers must contain at least one entry"},
		{"ping order", func(c *Config) { c.MaxPing = c.MinPing }, "max_ping"},
		{"threshold order", func(c *Config) { c.GracePeriod = c.OkThreshold }, "grace_period"},
		{"duplicate peer", func(c *Config) { c.Peers[2].ID = 2 }, "duplicate peer id"},
		{"self missing", func(c *Config) { c.ID = 9 }, "not found in peers"},
		{"endpoint mismatch", func(c *Config) { c.Peers[0].Endpoint = "http://other:1" }, "endpoint mismatch"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.SetDefaults()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestConfigQuorumSize(t *testing.T) {
	cfg := validConfig()
	require.Equal(t, 2, cfg.QuorumSize())

	cfg.Peers = cfg.Peers[:1]
	require.Equal(t, 1, cfg.QuorumSize())

	cfg.Peers = append(cfg.Peers,
		PeerConfig{ID: 2}, PeerConfig{ID: 3}, PeerConfig{ID: 4}, PeerConfig{ID: 5})
	require.Equal(t, 3, cfg.QuorumSize())
}

func TestConfigPeerEndpointsExcludesSelf(t *testing.T) {
	cfg := validConfig()
	peers := cfg.PeerEndpoints()
	require.Len(t, peers, 2)
	require.NotContains(t, peers, uint64(1))
	require.Equal(t, "http://agent2:8529", peers[2])
	require.Equal(t, "http://agent3:8529", peers[3])
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agencyd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
id: 2
endpoint: http://agent2:8529
data_dir: /var/lib/agency
peers:
  - id: 1
    endpoint: http://agent1:8529
  - id: 2
    endpoint: http://agent2:8529
  - id: 3
    endpoint: http://agent3:8529
min_ping: 500ms
max_ping: 2s
grace_period: 30s
`), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, uint64(2), cfg.ID)
	require.Equal(t, "/var/lib/agency", cfg.DataDir)
	require.Equal(t, 500*time.Millisecond, cfg.MinPing)
	require.Equal(t, 2*time.Second, cfg.MaxPing)
	require.Equal(t, 30*time.Second, cfg.GracePeriod)
	// defaults still fill the rest
	require.Equal(t, 5*time.Second, cfg.OkThreshold)
	require.Len(t, cfg.Peers, 3)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agencyd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: 0\nendpoint: http://x\n"), 0600))

	_, err := LoadConfig(path)
	require.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
