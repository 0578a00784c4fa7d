package config

import (
	"fmt"
	"strings"
	"time"
)

// CurrentVersion is the config schema version written by Save.
const CurrentVersion = 1

// Config represents the entire configuration file.
type Config struct {
	Version   int                `yaml:"version"`
	LogLevel  string             `yaml:"log_level,omitempty"`
	Discovery DiscoveryConfig    `yaml:"discovery"`
	Control   ControlConfig      `yaml:"control"`
	Devices   map[string]*Device `yaml:"devices,omitempty"` // Keyed by device name
}

// DiscoveryConfig tunes the multicast listener and the registry.
type DiscoveryConfig struct {
	Interfaces      []string      `yaml:"interfaces,omitempty"` // Empty means every multicast-capable interface
	RefreshInterval time.Duration `yaml:"refresh_interval"`     // Period of proactive queries
	CoalesceWindow  time.Duration `yaml:"coalesce_window"`      // Burst de-duplication window
	ExpiryWindow    time.Duration `yaml:"expiry_window"`        // 0 means 3x RefreshInterval
}

// ControlConfig tunes control connections.
type ControlConfig struct {
	Network        string        `yaml:"network"`      // "udp" or "tcp"
	DefaultPort    int           `yaml:"default_port"` // Used when a device advertises port 0
	RequestTimeout time.Duration `yaml:"request_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	Firmware       string        `yaml:"firmware,omitempty"` // Dialect override for every device
}

// Device represents user-defined settings for a single device.
type Device struct {
	Nickname string `yaml:"nickname,omitempty"`
	Firmware string `yaml:"firmware,omitempty"` // Dialect override, e.g. "4.2.1.3"
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Discovery: DiscoveryConfig{
			RefreshInterval: 10 * time.Second,
			CoalesceWindow:  250 * time.Millisecond,
		},
		Control: ControlConfig{
			Network:        "udp",
			DefaultPort:    4440,
			RequestTimeout: 2 * time.Second,
			DialTimeout:    3 * time.Second,
		},
		Devices: make(map[string]*Device),
	}
}

// EffectiveExpiry returns the registry expiry window.
func (d DiscoveryConfig) EffectiveExpiry() time.Duration {
	if d.ExpiryWindow > 0 {
		return d.ExpiryWindow
	}
	return 3 * d.RefreshInterval
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return fmt.Errorf("unsupported config version: %d (expected %d)", c.Version, CurrentVersion)
	}
	if c.Discovery.RefreshInterval <= 0 {
		return fmt.Errorf("discovery.refresh_interval must be positive, got %s", c.Discovery.RefreshInterval)
	}
	if c.Discovery.CoalesceWindow < 0 {
		return fmt.Errorf("discovery.coalesce_window must not be negative, got %s", c.Discovery.CoalesceWindow)
	}
	if c.Discovery.ExpiryWindow < 0 {
		return fmt.Errorf("discovery.expiry_window must not be negative, got %s", c.Discovery.ExpiryWindow)
	}
	switch strings.ToLower(c.Control.Network) {
	case "udp", "tcp":
	default:
		return fmt.Errorf("control.network must be udp or tcp, got %q", c.Control.Network)
	}
	if c.Control.DefaultPort <= 0 || c.Control.DefaultPort > 65535 {
		return fmt.Errorf("control.default_port out of range: %d", c.Control.DefaultPort)
	}
	if c.Control.RequestTimeout <= 0 {
		return fmt.Errorf("control.request_timeout must be positive, got %s", c.Control.RequestTimeout)
	}
	if c.Control.DialTimeout <= 0 {
		return fmt.Errorf("control.dial_timeout must be positive, got %s", c.Control.DialTimeout)
	}
	return nil
}

// GetDevice retrieves device settings by name.
// Returns nil if the device has no entry.
func (c *Config) GetDevice(name string) *Device {
	return c.Devices[name]
}

// EnsureDevice returns the entry for a device, creating it if needed.
func (c *Config) EnsureDevice(name string) *Device {
	if c.Devices == nil {
		c.Devices = make(map[string]*Device)
	}
	if device, exists := c.Devices[name]; exists {
		return device
	}
	device := &Device{}
	c.Devices[name] = device
	return device
}

// SetDeviceNickname sets a user-friendly nickname for a device.
func (c *Config) SetDeviceNickname(name, nickname string) {
	c.EnsureDevice(name).Nickname = nickname
}

// Nickname returns the nickname for a device, or "" if none is set.
func (c *Config) Nickname(name string) string {
	if d := c.Devices[name]; d != nil {
		return d.Nickname
	}
	return ""
}

// FirmwareFor returns the firmware override for a device: the per-device
// setting first, then the global control.firmware, then "".
func (c *Config) FirmwareFor(name string) string {
	if d := c.Devices[name]; d != nil && d.Firmware != "" {
		return d.Firmware
	}
	return c.Control.Firmware
}
