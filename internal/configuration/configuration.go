// Package configuration reads the example server's settings from the
// environment once at startup. The resulting value is passed around by
// value; nothing here is global.
package configuration

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults applied when the corresponding variable is unset.
const (
	DefaultElectionTimeout  = 1000 * time.Millisecond
	DefaultHeartbeatTimeout = 150 * time.Millisecond
	DefaultHost             = "127.0.0.1"
	DefaultLogLevel         = "info"
)

// Config is the example server's startup configuration.
type Config struct {
	// Host is the interface the raft and HTTP listeners bind to.
	Host string
	// Port is the raft protocol port (env PORT, required).
	Port int
	// OtherPorts are the peers' raft ports (env OTHER_PORTS,
	// comma-separated; unset means a single-node cluster).
	OtherPorts []int
	// HTTPPort serves the key/value API (env HTTP_PORT, default Port+1000).
	HTTPPort int
	// PersistenceFilePath locates the durable snapshot
	// (env PERSISTENCE_FILE_PATH, default data/raft-state-<port>.json).
	PersistenceFilePath string
	// LogLevel is "info" or "debug" (env LOG_LEVEL).
	LogLevel string
	// ElectionTimeout and HeartbeatTimeout are the timer bases
	// (env ELECTION_TIMEOUT_MS, HEARTBEAT_TIMEOUT_MS).
	ElectionTimeout  time.Duration
	HeartbeatTimeout time.Duration
	// Slowdown multiplies the timers for watching a cluster by eye
	// (env SLOWDOWN, default 1).
	Slowdown int
	// Advertise enables mDNS advertisement of this node (env DISCOVERY=1).
	Advertise bool
}

// FromEnv builds a Config from the process environment.
func FromEnv() (Config, error) {
	cfg := Config{
		Host:             envOr("HOST", DefaultHost),
		LogLevel:         envOr("LOG_LEVEL", DefaultLogLevel),
		ElectionTimeout:  DefaultElectionTimeout,
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		Slowdown:         1,
	}

	port, err := requiredInt("PORT")
	if err != nil {
		return cfg, err
	}
	cfg.Port = port
	cfg.HTTPPort = port + 1000

	// An unset OTHER_PORTS is a single-node cluster: the node is its own
	// majority.
	if others := os.Getenv("OTHER_PORTS"); others != "" {
		for _, raw := range strings.Split(others, ",") {
			p, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				return cfg, fmt.Errorf("OTHER_PORTS entry %q is not a port: %v", raw, err)
			}
			cfg.OtherPorts = append(cfg.OtherPorts, p)
		}
	}

	cfg.PersistenceFilePath = envOr("PERSISTENCE_FILE_PATH",
		fmt.Sprintf("data/raft-state-%d.json", cfg.Port))

	if raw := os.Getenv("HTTP_PORT"); raw != "" {
		if cfg.HTTPPort, err = strconv.Atoi(raw); err != nil {
			return cfg, fmt.Errorf("HTTP_PORT is not a port: %v", err)
		}
	}
	if raw := os.Getenv("ELECTION_TIMEOUT_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil {
			return cfg, fmt.Errorf("ELECTION_TIMEOUT_MS is not a number: %v", err)
		}
		cfg.ElectionTimeout = time.Duration(ms) * time.Millisecond
	}
	if raw := os.Getenv("HEARTBEAT_TIMEOUT_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil {
			return cfg, fmt.Errorf("HEARTBEAT_TIMEOUT_MS is not a number: %v", err)
		}
		cfg.HeartbeatTimeout = time.Duration(ms) * time.Millisecond
	}
	if raw := os.Getenv("SLOWDOWN"); raw != "" {
		if cfg.Slowdown, err = strconv.Atoi(raw); err != nil || cfg.Slowdown < 1 {
			return cfg, fmt.Errorf("SLOWDOWN must be a positive integer")
		}
	}
	cfg.Advertise = os.Getenv("DISCOVERY") == "1"

	switch cfg.LogLevel {
	case "info", "debug":
	default:
		return cfg, fmt.Errorf("LOG_LEVEL must be info or debug, got %q", cfg.LogLevel)
	}
	return cfg, nil
}

// RaftAddr is this node's raft listen address and cluster identity.
func (c Config) RaftAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HTTPAddr is the key/value API's listen address.
func (c Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// PeerAddrs lists the peers' raft addresses.
func (c Config) PeerAddrs() []string {
	peers := make([]string, len(c.OtherPorts))
	for i, p := range c.OtherPorts {
		peers[i] = fmt.Sprintf("%s:%d", c.Host, p)
	}
	return peers
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func requiredInt(name string) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, fmt.Errorf("%s must be set", name)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s is not a number: %v", name, err)
	}
	return v, nil
}
