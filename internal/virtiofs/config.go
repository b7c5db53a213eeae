package virtiofs

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RoutePolicy selects a request queue for normal-priority requests.
type RoutePolicy string

const (
	RouteRoundRobin  RoutePolicy = "round-robin"
	RouteLeastLoaded RoutePolicy = "least-loaded"
)

// Config holds driver-side tunables.
type Config struct {
	// DrainTimeout bounds how long Detach waits for in-flight requests
	// before orphaning them.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	RoutePolicy  RoutePolicy   `yaml:"route_policy"`
	// MaxRequestQueues caps the device-advertised request queue count.
	// Zero means the device count, up to RequestQueueLimit.
	MaxRequestQueues int `yaml:"max_request_queues"`
	// QueueDepth caps in-flight requests per queue. Zero means ring capacity.
	QueueDepth int `yaml:"queue_depth"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		DrainTimeout: 5 * time.Second,
		RoutePolicy:  RouteRoundRobin,
	}
}

// Validate checks c for values the engine cannot run with.
func (c Config) Validate() error {
	if c.DrainTimeout < 0 {
		return fmt.Errorf("virtio-fs: negative drain timeout %v", c.DrainTimeout)
	}
	switch c.RoutePolicy {
	case RouteRoundRobin, RouteLeastLoaded:
	default:
		return fmt.Errorf("virtio-fs: unknown route policy %q", c.RoutePolicy)
	}
	if c.MaxRequestQueues < 0 {
		return fmt.Errorf("virtio-fs: negative max_request_queues %d", c.MaxRequestQueues)
	}
	if c.QueueDepth < 0 {
		return fmt.Errorf("virtio-fs: negative queue_depth %d", c.QueueDepth)
	}
	return nil
}

// LoadConfig reads a YAML config file. Fields absent from the file keep
// their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	info, err := os.Stat(path)
	if err != nil {
		return cfg, fmt.Errorf("virtio-fs: stat config: %w", err)
	}
	const maxConfigSize = 1024 * 1024
	if info.Size() > maxConfigSize {
		return cfg, fmt.Errorf("virtio-fs: config %s too large (%d bytes)", path, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("virtio-fs: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("virtio-fs: parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
