package agency

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// yamlDuration parses "500ms"-style durations, which yaml cannot decode
// into time.Duration on its own.
type yamlDuration time.Duration

func (d *yamlDuration) UnmarshalYAML(node *yaml.Node) error {
	if node.Value == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = yamlDuration(v)
	return nil
}

// ProtocolVersion is the gossip protocol version this build speaks.
// Gossip negotiates down to the minimum of both sides.
const ProtocolVersion = 2

// PeerConfig identifies one agent of the cluster.
type PeerConfig struct {
	ID       uint64 `yaml:"id"`
	Endpoint string `yaml:"endpoint"`
}

// Config contains the parameters to start an agent.
type Config struct {
	ID       uint64 `yaml:"id"`
	Endpoint string `yaml:"endpoint"`

	// AdvertisedEndpoint is what other servers are told to connect to,
	// when it differs from Endpoint (NAT, load balancer).
	AdvertisedEndpoint string `yaml:"advertised_endpoint"`

	DataDir string `yaml:"data_dir"`

	Peers []PeerConfig `yaml:"peers"`

	// MinPing is the leader heartbeat interval. MaxPing bounds the
	// randomized election timeout: a follower campaigns after a random
	// duration in [MaxPing, 2*MaxPing) without a heartbeat.
	MinPing time.Duration `yaml:"min_ping"`
	MaxPing time.Duration `yaml:"max_ping"`

	// Supervision knobs.
	SupervisionFrequency time.Duration `yaml:"supervision_frequency"`
	OkThreshold          time.Duration `yaml:"ok_threshold"`
	GracePeriod          time.Duration `yaml:"grace_period"`
	DelayFailedFollower  time.Duration `yaml:"delay_failed_follower"`
	DelayAddFollower     time.Duration `yaml:"delay_add_follower"`
	JobTimeout           time.Duration `yaml:"job_timeout"`
	MaxJobsPerTick       int           `yaml:"max_jobs_per_tick"`
	FinishedJobLimit     int           `yaml:"finished_job_limit"`
	FailedJobLimit       int           `yaml:"failed_job_limit"`

	// SingleServerMode enables active-failover supervision for a
	// resilient-single deployment.
	SingleServerMode bool `yaml:"single_server_mode"`
}

// fileConfig mirrors Config for yaml decoding; durations in the file are
// written with units ("500ms", "10s").
type fileConfig struct {
	ID                 uint64       `yaml:"id"`
	Endpoint           string       `yaml:"endpoint"`
	AdvertisedEndpoint string       `yaml:"advertised_endpoint"`
	DataDir            string       `yaml:"data_dir"`
	Peers              []PeerConfig `yaml:"peers"`

	MinPing yamlDuration `yaml:"min_ping"`
	MaxPing yamlDuration `yaml:"max_ping"`

	SupervisionFrequency yamlDuration `yaml:"supervision_frequency"`
	OkThreshold          yamlDuration `yaml:"ok_threshold"`
	GracePeriod          yamlDuration `yaml:"grace_period"`
	DelayFailedFollower  yamlDuration `yaml:"delay_failed_follower"`
	DelayAddFollower     yamlDuration `yaml:"delay_add_follower"`
	JobTimeout           yamlDuration `yaml:"job_timeout"`
	MaxJobsPerTick       int          `yaml:"max_jobs_per_tick"`
	FinishedJobLimit     int          `yaml:"finished_job_limit"`
	FailedJobLimit       int          `yaml:"failed_job_limit"`

	SingleServerMode bool `yaml:"single_server_mode"`
}

// LoadConfig reads and validates a yaml config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := Config{
		ID:                 fc.ID,
		Endpoint:           fc.Endpoint,
		AdvertisedEndpoint: fc.AdvertisedEndpoint,
		DataDir:            fc.DataDir,
		Peers:              fc.Peers,

		MinPing: time.Duration(fc.MinPing),
		MaxPing: time.Duration(fc.MaxPing),

		SupervisionFrequency: time.Duration(fc.SupervisionFrequency),
		OkThreshold:          time.Duration(fc.OkThreshold),
		GracePeriod:          time.Duration(fc.GracePeriod),
		DelayFailedFollower:  time.Duration(fc.DelayFailedFollower),
		DelayAddFollower:     time.Duration(fc.DelayAddFollower),
		JobTimeout:           time.Duration(fc.JobTimeout),
		MaxJobsPerTick:       fc.MaxJobsPerTick,
		FinishedJobLimit:     fc.FinishedJobLimit,
		FailedJobLimit:       fc.FailedJobLimit,

		SingleServerMode: fc.SingleServerMode,
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// SetDefaults fills unset timing and limit knobs.
func (c *Config) SetDefaults() {
	if c.MinPing == 0 {
		c.MinPing = time.Second
	}
	if c.MaxPing == 0 {
		c.MaxPing = 5 * time.Second
	}
	if c.SupervisionFrequency == 0 {
		c.SupervisionFrequency = time.Second
	}
	if c.OkThreshold == 0 {
		c.OkThreshold = 5 * time.Second
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = 10 * time.Second
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = 10 * time.Minute
	}
	if c.MaxJobsPerTick == 0 {
		c.MaxJobsPerTick = 25
	}
	if c.FinishedJobLimit == 0 {
		c.FinishedJobLimit = 500
	}
	if c.FailedJobLimit == 0 {
		c.FailedJobLimit = 1000
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.ID == 0 {
		return fmt.Errorf("id must be greater than 0")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if len(c.Peers) == 0 {
		return fmt.Errorf("peers must contain at least one entry")
	}
	if c.MaxPing <= c.MinPing {
		return fmt.Errorf("max_ping (%v) must be greater than min_ping (%v)", c.MaxPing, c.MinPing)
	}
	if c.GracePeriod <= c.OkThreshold {
		return fmt.Errorf("grace_period (%v) must be greater than ok_threshold (%v)", c.GracePeriod, c.OkThreshold)
	}

	found := false
	seen := make(map[uint64]bool)
	for _, p := range c.Peers {
		if seen[p.ID] {
			return fmt.Errorf("duplicate peer id: %d", p.ID)
		}
		seen[p.ID] = true
		if p.ID == c.ID {
			found = true
			if p.Endpoint != c.Endpoint {
				return fmt.Errorf("endpoint mismatch for own id %d: %s vs %s", c.ID, c.Endpoint, p.Endpoint)
			}
		}
	}
	if !found {
		return fmt.Errorf("own id %d not found in peers", c.ID)
	}
	return nil
}

// PeerEndpoints returns the peer map, excluding this agent.
func (c *Config) PeerEndpoints() map[uint64]string {
	out := make(map[uint64]string, len(c.Peers))
	for _, p := range c.Peers {
		if p.ID != c.ID {
			out[p.ID] = p.Endpoint
		}
	}
	return out
}

// QuorumSize returns the majority size of the configured cluster.
func (c *Config) QuorumSize() int {
	return len(c.Peers)/2 + 1
}
