package config

import (
	"fmt"
	"net"
	"time"
)

// Settings is the entire application configuration file.
type Settings struct {
	Version   int               `yaml:"version"`
	Discovery DiscoverySettings `yaml:"discovery"`
	Serial    SerialSettings    `yaml:"serial"`
}

// DiscoverySettings configures the discovery probes and the machine cache.
type DiscoverySettings struct {
	MDNS    MDNSSettings    `yaml:"mdns"`
	NetScan NetScanSettings `yaml:"netscan"`

	RecordTTL    time.Duration `yaml:"record_ttl"`    // how long unseen machines stay listed
	ScanInterval time.Duration `yaml:"scan_interval"` // continuous discovery period
}

// MDNSSettings configures the multicast DNS probe.
type MDNSSettings struct {
	Enabled     bool          `yaml:"enabled"`
	ServiceType string        `yaml:"service_type"` // e.g. "_octoprint._tcp"
	Domain      string        `yaml:"domain"`       // e.g. "local."
	Timeout     time.Duration `yaml:"timeout"`      // one browse pass
}

// NetScanSettings configures the subnet sweep probe. Disabled unless a
// CIDR is set.
type NetScanSettings struct {
	Enabled     bool   `yaml:"enabled"`
	CIDR        string `yaml:"cidr"`        // block to sweep, e.g. "192.168.1.0/24"
	Port        int    `yaml:"port"`        // probed port
	Path        string `yaml:"path"`        // probed endpoint
	Concurrency int    `yaml:"concurrency"` // in-flight probe bound
}

// SerialSettings configures serial transport defaults.
type SerialSettings struct {
	Enabled  bool          `yaml:"enabled"`
	BaudRate int           `yaml:"baud_rate"`
	Timeout  time.Duration `yaml:"timeout"` // per-read deadline
}

// NewSettings returns the default configuration.
func NewSettings() *Settings {
	return &Settings{
		Version: 1,
		Discovery: DiscoverySettings{
			MDNS: MDNSSettings{
				Enabled:     true,
				ServiceType: "_octoprint._tcp",
				Domain:      "local.",
				Timeout:     5 * time.Second,
			},
			NetScan: NetScanSettings{
				Enabled:     false,
				Port:        80,
				Path:        "/api/version",
				Concurrency: 32,
			},
			RecordTTL:    5 * time.Minute,
			ScanInterval: 30 * time.Second,
		},
		Serial: SerialSettings{
			Enabled:  true,
			BaudRate: 115200,
			Timeout:  2 * time.Second,
		},
	}
}

// Validate rejects configurations that would fail mid-run, so a bad file
// is caught at startup.
func (s *Settings) Validate() error {
	if s.Version != 1 {
		return fmt.Errorf("unsupported config version: %d (expected 1)", s.Version)
	}
	if s.Discovery.RecordTTL <= 0 {
		return fmt.Errorf("discovery.record_ttl must be positive, got %v", s.Discovery.RecordTTL)
	}
	if s.Discovery.ScanInterval <= 0 {
		return fmt.Errorf("discovery.scan_interval must be positive, got %v", s.Discovery.ScanInterval)
	}
	if s.Discovery.NetScan.Enabled {
		if s.Discovery.NetScan.CIDR == "" {
			return fmt.Errorf("discovery.netscan.cidr is required when netscan is enabled")
		}
		if _, _, err := net.ParseCIDR(s.Discovery.NetScan.CIDR); err != nil {
			return fmt.Errorf("invalid discovery.netscan.cidr: %w", err)
		}
		if s.Discovery.NetScan.Port < 0 || s.Discovery.NetScan.Port > 65535 {
			return fmt.Errorf("invalid discovery.netscan.port: %d", s.Discovery.NetScan.Port)
		}
		if s.Discovery.NetScan.Concurrency < 0 {
			return fmt.Errorf("discovery.netscan.concurrency must not be negative")
		}
	}
	if s.Serial.Enabled && s.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial.baud_rate must be positive, got %d", s.Serial.BaudRate)
	}
	if !s.Serial.Enabled && !s.Discovery.MDNS.Enabled && !s.Discovery.NetScan.Enabled {
		return fmt.Errorf("at least one discovery method must be enabled")
	}
	return nil
}
