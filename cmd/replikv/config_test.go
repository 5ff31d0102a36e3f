package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replikv/internal/replica"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replica.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
id: "0000"
listen: "127.0.0.1:9000"
api_listen: "127.0.0.1:8080"
peers:
  - id: "0001"
    addr: "127.0.0.1:9001"
  - id: "0002"
    addr: "127.0.0.1:9002"
storage:
  backend: bbolt
  path: /var/lib/replikv/0000.db
timing:
  election_timeout_min_ms: 200
  heartbeat_interval_ms: 75
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0000", cfg.ID)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, []replica.ReplicaID{"0001", "0002"}, cfg.PeerIDs())
	assert.Equal(t, map[string]string{
		"0001": "127.0.0.1:9001",
		"0002": "127.0.0.1:9002",
	}, cfg.PeerAddrs())
	assert.Equal(t, "bbolt", cfg.Storage.Backend)

	timing := cfg.TimingConfig()
	assert.Equal(t, 200*time.Millisecond, timing.ElectionTimeoutMin)
	assert.Equal(t, 75*time.Millisecond, timing.HeartbeatInterval)
	// Unset fields keep their defaults.
	assert.Equal(t, 300*time.Millisecond, timing.ElectionTimeoutMax)
	assert.Equal(t, 10*time.Millisecond, timing.PollInterval)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "id: [unclosed"))
		require.Error(t, err)
	})
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			ID:     "0000",
			Listen: "127.0.0.1:9000",
			Peers: []PeerConfig{
				{ID: "0001", Addr: "127.0.0.1:9001"},
			},
		}
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("missing id", func(t *testing.T) {
		c := valid()
		c.ID = ""
		assert.Error(t, c.Validate())
	})

	t.Run("missing listen", func(t *testing.T) {
		c := valid()
		c.Listen = ""
		assert.Error(t, c.Validate())
	})

	t.Run("duplicate peer id", func(t *testing.T) {
		c := valid()
		c.Peers = append(c.Peers, PeerConfig{ID: "0001", Addr: "127.0.0.1:9002"})
		assert.Error(t, c.Validate())
	})

	t.Run("peer id colliding with own", func(t *testing.T) {
		c := valid()
		c.Peers = append(c.Peers, PeerConfig{ID: "0000", Addr: "127.0.0.1:9002"})
		assert.Error(t, c.Validate())
	})

	t.Run("peer missing addr", func(t *testing.T) {
		c := valid()
		c.Peers[0].Addr = ""
		assert.Error(t, c.Validate())
	})

	t.Run("bbolt without path", func(t *testing.T) {
		c := valid()
		c.Storage = StorageConfig{Backend: "bbolt"}
		assert.Error(t, c.Validate())
	})

	t.Run("unknown backend", func(t *testing.T) {
		c := valid()
		c.Storage = StorageConfig{Backend: "etcd"}
		assert.Error(t, c.Validate())
	})
}

func TestParsePeers(t *testing.T) {
	t.Run("well formed", func(t *testing.T) {
		peers, err := parsePeers("0001=127.0.0.1:9001, 0002=127.0.0.1:9002")
		require.NoError(t, err)
		assert.Equal(t, []PeerConfig{
			{ID: "0001", Addr: "127.0.0.1:9001"},
			{ID: "0002", Addr: "127.0.0.1:9002"},
		}, peers)
	})

	t.Run("empty", func(t *testing.T) {
		peers, err := parsePeers("")
		require.NoError(t, err)
		assert.Nil(t, peers)
	})

	t.Run("missing addr", func(t *testing.T) {
		_, err := parsePeers("0001")
		require.Error(t, err)
	})
}
