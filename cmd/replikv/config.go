package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"replikv/internal/replica"
)

// PeerConfig names one other replica and where to reach it.
type PeerConfig struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// StorageConfig selects the log store backend. The default "memory" backend
// keeps all state for the lifetime of the process; "bbolt" persists the log,
// term and vote at Path.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// TimingSection carries the protocol timers in milliseconds. Zero values fall
// back to the defaults.
type TimingSection struct {
	ElectionTimeoutMinMs int `yaml:"election_timeout_min_ms"`
	ElectionTimeoutMaxMs int `yaml:"election_timeout_max_ms"`
	HeartbeatIntervalMs  int `yaml:"heartbeat_interval_ms"`
	PollIntervalMs       int `yaml:"poll_interval_ms"`
}

// Config is the on-disk configuration of one replica.
type Config struct {
	ID        string        `yaml:"id"`
	Listen    string        `yaml:"listen"`
	APIListen string        `yaml:"api_listen"`
	Peers     []PeerConfig  `yaml:"peers"`
	Storage   StorageConfig `yaml:"storage"`
	Timing    TimingSection `yaml:"timing"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the invariants the rest of the program assumes.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("config: id is required")
	}
	if c.Listen == "" {
		return fmt.Errorf("config: listen address is required")
	}
	seen := map[string]bool{c.ID: true}
	for _, p := range c.Peers {
		if p.ID == "" || p.Addr == "" {
			return fmt.Errorf("config: peer entries need both id and addr")
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate replica id %q", p.ID)
		}
		seen[p.ID] = true
	}
	switch c.Storage.Backend {
	case "", "memory":
	case "bbolt":
		if c.Storage.Path == "" {
			return fmt.Errorf("config: bbolt backend needs a path")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

// PeerIDs returns the peer identities in declaration order.
func (c *Config) PeerIDs() []replica.ReplicaID {
	ids := make([]replica.ReplicaID, 0, len(c.Peers))
	for _, p := range c.Peers {
		ids = append(ids, replica.ReplicaID(p.ID))
	}
	return ids
}

// PeerAddrs returns the peer address table for the transport.
func (c *Config) PeerAddrs() map[string]string {
	addrs := make(map[string]string, len(c.Peers))
	for _, p := range c.Peers {
		addrs[p.ID] = p.Addr
	}
	return addrs
}

// TimingConfig converts the millisecond fields, substituting defaults for
// anything unset.
func (c *Config) TimingConfig() replica.TimingConfig {
	t := replica.DefaultTimingConfig()
	if c.Timing.ElectionTimeoutMinMs > 0 {
		t.ElectionTimeoutMin = time.Duration(c.Timing.ElectionTimeoutMinMs) * time.Millisecond
	}
	if c.Timing.ElectionTimeoutMaxMs > 0 {
		t.ElectionTimeoutMax = time.Duration(c.Timing.ElectionTimeoutMaxMs) * time.Millisecond
	}
	if c.Timing.HeartbeatIntervalMs > 0 {
		t.HeartbeatInterval = time.Duration(c.Timing.HeartbeatIntervalMs) * time.Millisecond
	}
	if c.Timing.PollIntervalMs > 0 {
		t.PollInterval = time.Duration(c.Timing.PollIntervalMs) * time.Millisecond
	}
	return t
}

// parsePeers parses the -peers flag form "0001=host:port,0002=host:port".
func parsePeers(s string) ([]PeerConfig, error) {
	if s == "" {
		return nil, nil
	}
	var peers []PeerConfig
	for _, part := range strings.Split(s, ",") {
		id, addr, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q, want id=host:port", part)
		}
		peers = append(peers, PeerConfig{ID: id, Addr: addr})
	}
	return peers, nil
}
