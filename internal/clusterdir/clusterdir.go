// Package clusterdir loads and represents the cluster directory: the
// node_id → (address, tcp_port, udp_port) mapping that must be identical
// across every node's configuration.
package clusterdir

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Node describes one peer's network identity within the cluster directory.
type Node struct {
	ID      int    `yaml:"id"`
	Host    string `yaml:"host"`
	TCPPort int    `yaml:"tcp_port"`
	UDPPort int    `yaml:"udp_port"`
}

// TCPAddr returns the host:port string for election/mutex traffic.
func (n Node) TCPAddr() string { return fmt.Sprintf("%s:%d", n.Host, n.TCPPort) }

// UDPAddr returns the host:port string for heartbeat traffic.
func (n Node) UDPAddr() string { return fmt.Sprintf("%s:%d", n.Host, n.UDPPort) }

// Config is the full set of options recognized by a cluster node, loaded
// from YAML with CLI flag overrides layered on top in cmd/clusternode.
type Config struct {
	NodeID                        int    `yaml:"node_id"`
	ClusterDirectory              []Node `yaml:"cluster_directory"`
	HeartbeatIntervalMs           int    `yaml:"heartbeat_interval_ms"`
	ElectionTimeoutMs             int    `yaml:"election_timeout_ms"`
	GracePeriodMs                 int    `yaml:"grace_period_ms"`
	TCPSendTimeoutMs              int    `yaml:"tcp_send_timeout_ms"`
	CoordinatorAnnounceTimeoutMs  int    `yaml:"coordinator_announce_timeout_ms"`
	StorePath                     string `yaml:"store_path"`
}

// Defaults fills in the documented default values for any option left at
// its zero value.
func (c *Config) Defaults() {
	if c.HeartbeatIntervalMs == 0 {
		c.HeartbeatIntervalMs = 3000
	}
	if c.ElectionTimeoutMs == 0 {
		c.ElectionTimeoutMs = 10000
	}
	if c.GracePeriodMs == 0 {
		c.GracePeriodMs = 30000
	}
	if c.TCPSendTimeoutMs == 0 {
		c.TCPSendTimeoutMs = 5000
	}
	if c.CoordinatorAnnounceTimeoutMs == 0 {
		c.CoordinatorAnnounceTimeoutMs = 1000
	}
	if c.StorePath == "" {
		c.StorePath = fmt.Sprintf("node-%d.db", c.NodeID)
	}
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}
func (c Config) ElectionTimeout() time.Duration {
	return time.Duration(c.ElectionTimeoutMs) * time.Millisecond
}
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodMs) * time.Millisecond
}
func (c Config) TCPSendTimeout() time.Duration {
	return time.Duration(c.TCPSendTimeoutMs) * time.Millisecond
}
func (c Config) CoordinatorAnnounceTimeout() time.Duration {
	return time.Duration(c.CoordinatorAnnounceTimeoutMs) * time.Millisecond
}

// Self returns this node's own directory entry.
func (c Config) Self() (Node, error) {
	for _, n := range c.ClusterDirectory {
		if n.ID == c.NodeID {
			return n, nil
		}
	}
	return Node{}, fmt.Errorf("clusterdir: node_id %d not present in cluster_directory", c.NodeID)
}

// Peers returns every directory entry other than this node's own.
func (c Config) Peers() []Node {
	peers := make([]Node, 0, len(c.ClusterDirectory))
	for _, n := range c.ClusterDirectory {
		if n.ID != c.NodeID {
			peers = append(peers, n)
		}
	}
	return peers
}

// Load reads and parses a YAML cluster configuration file.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("clusterdir: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("clusterdir: parse %s: %w", path, err)
	}
	cfg.Defaults()
	if cfg.NodeID == 0 {
		return Config{}, fmt.Errorf("clusterdir: node_id is required")
	}
	if len(cfg.ClusterDirectory) == 0 {
		return Config{}, fmt.Errorf("clusterdir: cluster_directory is required")
	}
	return cfg, nil
}
