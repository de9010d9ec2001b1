// Package config loads routerd's TOML configuration: attached
// devices and the process-wide protocol timers spec.md §6 names,
// translating malbeclabs-doublezero's s3-uploader config loader to
// this stack's shape.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/selfdestruct/stack/arp"
	"github.com/selfdestruct/stack/tcp"
)

// DeviceEntry names one interface to attach at startup.
type DeviceEntry struct {
	Name  string `toml:"name"`
	Sniff bool   `toml:"sniff"`
}

// Config is the complete TOML configuration for a routerd instance.
type Config struct {
	Devices []DeviceEntry `toml:"devices"`

	ArpTimeoutMS      int  `toml:"arp_timeout_ms"`
	RouteLoopInterval int  `toml:"route_loop_interval_s"`
	TCPTimeoutS       int  `toml:"tcp_timeout_s"`
	TCPMaxRetrans     int  `toml:"tcp_max_retrans"`
	MSLSeconds        int  `toml:"msl_s"`
	SeqZero           bool `toml:"seq_zero"`
}

// Default returns a Config populated with the same values
// tcp/state.go and arp/resolver.go start with.
func Default() *Config {
	return &Config{
		ArpTimeoutMS:      1000,
		RouteLoopInterval: 30,
		TCPTimeoutS:       tcp.Timeout,
		TCPMaxRetrans:     tcp.MaxRetrans,
		MSLSeconds:        tcp.MSL,
		SeqZero:           false,
	}
}

// Load reads and parses a TOML config file, starting from Default and
// overwriting whatever the file sets.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "config: parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would leave the stack with no
// usable device or a nonsensical timer.
func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return errors.New("config: at least one [[devices]] entry is required")
	}
	for _, d := range c.Devices {
		if d.Name == "" {
			return errors.New("config: device entry missing name")
		}
	}
	if c.ArpTimeoutMS <= 0 {
		return errors.New("config: arp_timeout_ms must be positive")
	}
	if c.RouteLoopInterval <= 0 {
		return errors.New("config: route_loop_interval_s must be positive")
	}
	if c.TCPTimeoutS <= 0 {
		return errors.New("config: tcp_timeout_s must be positive")
	}
	if c.TCPMaxRetrans <= 0 {
		return errors.New("config: tcp_max_retrans must be positive")
	}
	if c.MSLSeconds <= 0 {
		return errors.New("config: msl_s must be positive")
	}
	return nil
}

// Apply sets the process-wide protocol tunables in the tcp and arp
// packages from the loaded config. It must run before any
// tcp.Worker or arp.Cache is constructed — the timers are read once
// at use, not watched for changes.
func (c *Config) Apply() {
	tcp.Timeout = c.TCPTimeoutS
	tcp.MaxRetrans = c.TCPMaxRetrans
	tcp.MSL = c.MSLSeconds
	arp.Timeout = time.Duration(c.ArpTimeoutMS) * time.Millisecond
}

// RouteInterval returns the configured SDP periodic-advertisement
// period as a time.Duration.
func (c *Config) RouteInterval() time.Duration {
	return time.Duration(c.RouteLoopInterval) * time.Second
}
