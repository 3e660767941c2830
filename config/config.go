// Package config loads the recorder configuration and node identities.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the top-level TOML document.
type Config struct {
	// RPCPort serves the legacy combined v2 API over all nodes.
	RPCPort uint16 `toml:"rpc_port"`
	Nodes   []Node `toml:"nodes"`
}

// Node describes one observed Tezos node process.
type Node struct {
	Name       string      `toml:"name"`
	P2PPort    uint16      `toml:"p2p_port"`
	Identity   IdentityRef `toml:"identity"`
	DB         string      `toml:"db"`
	HTTPV2     uint16      `toml:"http_v2"`
	HTTPV3     uint16      `toml:"http_v3"`
	Log        LogIngest   `toml:"log"`
	MaxDBBytes uint64      `toml:"max_db_bytes"`
}

// IdentityRef points at the node's identity blob. Port repeats the
// p2p port and is what the agent matches on bind.
type IdentityRef struct {
	Path string `toml:"path"`
	Port uint16 `toml:"port"`
}

// LogIngest configures the node's syslog UDP listener.
type LogIngest struct {
	Port uint16 `toml:"port"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("config: no nodes defined")
	}
	names := make(map[string]bool, len(c.Nodes))
	ports := make(map[uint16]string, len(c.Nodes))
	for i := range c.Nodes {
		n := &c.Nodes[i]
		if n.Name == "" {
			return fmt.Errorf("config: node %d has no name", i)
		}
		if names[n.Name] {
			return fmt.Errorf("config: duplicate node name %q", n.Name)
		}
		names[n.Name] = true
		if n.P2PPort == 0 {
			return fmt.Errorf("config: node %q has no p2p_port", n.Name)
		}
		if other, dup := ports[n.P2PPort]; dup {
			return fmt.Errorf("config: nodes %q and %q share p2p_port %d", other, n.Name, n.P2PPort)
		}
		ports[n.P2PPort] = n.Name
		if n.Identity.Port == 0 {
			n.Identity.Port = n.P2PPort
		}
		if n.Identity.Port != n.P2PPort {
			return fmt.Errorf("config: node %q identity.port %d does not match p2p_port %d",
				n.Name, n.Identity.Port, n.P2PPort)
		}
		if n.Identity.Path == "" {
			return fmt.Errorf("config: node %q has no identity path", n.Name)
		}
		if n.DB == "" {
			return fmt.Errorf("config: node %q has no db path", n.Name)
		}
	}
	return nil
}

// NodeByPort finds the node configured with the given p2p port.
func (c *Config) NodeByPort(port uint16) (*Node, bool) {
	for i := range c.Nodes {
		if c.Nodes[i].P2PPort == port {
			return &c.Nodes[i], true
		}
	}
	return nil, false
}

// NodeByName finds a node by its unique name.
func (c *Config) NodeByName(name string) (*Node, bool) {
	for i := range c.Nodes {
		if c.Nodes[i].Name == name {
			return &c.Nodes[i], true
		}
	}
	return nil, false
}
