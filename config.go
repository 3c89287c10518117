package slotd

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"pkt.systems/slotd/internal/wire"
)

const (
	// DefaultListen is the default TCP endpoint the protocol listener binds to.
	DefaultListen = ":1234"
	// DefaultLeaseTimeout is how long a lease is protected from preemption.
	DefaultLeaseTimeout = 2 * time.Hour
	// DefaultMaxConnections caps open connections, authenticated or not.
	DefaultMaxConnections = 20
	// DefaultMaxFrameBytes bounds a single inbound frame.
	DefaultMaxFrameBytes int64 = wire.DefaultMaxPayload
	// DefaultMetricsListen is the default Prometheus scrape endpoint. Empty
	// disables metrics.
	DefaultMetricsListen = ""
	// DefaultAdminListen is the default admin HTTP endpoint. Empty disables it.
	DefaultAdminListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultShutdownTimeout bounds a graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a slotd server.
type Config struct {
	// Listen is the protocol listener address.
	Listen string
	// LeaseTimeout is how long a granted slot is protected from preemption.
	LeaseTimeout time.Duration
	// MaxConnections caps open connections, counting unauthenticated ones.
	MaxConnections int
	// Users is the allow-list of identities. Presenting any other identity
	// gets the peer's host banned.
	Users []string
	// DeclineNewResources starts the server refusing every new lease.
	DeclineNewResources bool
	// MaxFrameBytes bounds a single inbound frame. Larger frames are skipped.
	MaxFrameBytes int64

	// MetricsListen exposes /metrics when set.
	MetricsListen string
	// EnableProfilingMetrics adds Go runtime metrics to /metrics.
	EnableProfilingMetrics bool
	// PprofListen exposes /debug/pprof when set.
	PprofListen string
	// AdminListen exposes the admin HTTP API when set.
	AdminListen string
	// OTLPEndpoint enables trace export when set.
	OTLPEndpoint string

	// ShutdownTimeout bounds Shutdown when the caller's context has no
	// deadline.
	ShutdownTimeout time.Duration
	// SettingsPath is the YAML file the lease timeout is written back to on
	// shutdown. Empty disables persistence.
	SettingsPath string
}

// Validate fills defaults and rejects unusable values.
func (c *Config) Validate() error {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.LeaseTimeout == 0 {
		c.LeaseTimeout = DefaultLeaseTimeout
	}
	if c.LeaseTimeout < time.Second {
		return fmt.Errorf("config: lease-timeout must be at least 1s, got %s", c.LeaseTimeout)
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("config: max-connections must be positive, got %d", c.MaxConnections)
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.MaxFrameBytes < 0 || c.MaxFrameBytes > math.MaxUint32 {
		return fmt.Errorf("config: max-frame must be between 1 and %d bytes, got %d", uint32(math.MaxUint32), c.MaxFrameBytes)
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	users := make([]string, 0, len(c.Users))
	for _, u := range c.Users {
		u = strings.TrimSpace(u)
		if u == "" {
			return fmt.Errorf("config: users must not contain empty names")
		}
		if !slices.Contains(users, u) {
			users = append(users, u)
		}
	}
	if len(users) == 0 {
		return fmt.Errorf("config: at least one user is required")
	}
	c.Users = users
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// DefaultConfigDir returns $SLOTD_CONFIG_DIR when set, otherwise
// $HOME/.slotd.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("SLOTD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".slotd"), nil
}

// DefaultConfigPath returns DefaultConfigDir joined with DefaultConfigFileName.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
