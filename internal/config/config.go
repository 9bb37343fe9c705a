// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package config loads the settings of the txsvc command from YAML.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/creachadair/txsvc"
	"github.com/creachadair/txsvc/binding"
	"github.com/creachadair/txsvc/proto/dhcp"
	"github.com/creachadair/txsvc/proto/pana"
	"github.com/creachadair/txsvc/trace"
	"gopkg.in/yaml.v3"
)

// Config holds the settings of an engine run by the command.
type Config struct {
	// Protocol selects the correlation scheme: "dhcp" or "pana".
	Protocol string `yaml:"protocol"`

	// Port is the local UDP port. If zero, the protocol's server port.
	Port int `yaml:"port"`

	// PeerPort is the port requests are sent to. If zero, Port.
	PeerPort int `yaml:"peer_port"`

	// Interfaces are the names of the network interfaces to serve.
	Interfaces []string `yaml:"interfaces"`

	// Groups are multicast groups to join on each interface.
	Groups []string `yaml:"groups"`

	// Retry is the default retry policy for requests.
	Retry txsvc.RetryPolicy `yaml:"retry"`

	// MaxTransactions bounds the number of outstanding requests.
	MaxTransactions int `yaml:"max_transactions"`

	// TickInterval is the wall-clock length of one engine tick.
	TickInterval time.Duration `yaml:"tick_interval"`

	// TraceFile, if set, is the path of a CBOR event trace.
	TraceFile string `yaml:"trace_file"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Protocol:        "dhcp",
		Retry:           txsvc.DefaultRetryPolicy,
		MaxTransactions: txsvc.DefaultMaxTransactions,
		TickInterval:    100 * time.Millisecond,
	}
}

// Load reads the configuration from the YAML file at path. Settings absent
// from the file keep their default values. If path == "", Load returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML data into cfg and checks the result.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return cfg.Check()
}

// Check reports whether c is complete and consistent.
func (c *Config) Check() error {
	var errs []error
	if _, err := c.Correlator(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	if c.Port < 0 || c.Port > 65535 || c.PeerPort < 0 || c.PeerPort > 65535 {
		errs = append(errs, errors.New("port out of range"))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid tick interval %v", c.TickInterval))
	}
	if _, err := c.GroupAddrs(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Correlator returns the correlator for the configured protocol.
func (c *Config) Correlator() (txsvc.Correlator, error) {
	switch c.Protocol {
	case "dhcp":
		return dhcp.Correlator{}, nil
	case "pana":
		return pana.Correlator{}, nil
	}
	return nil, fmt.Errorf("unknown protocol %q", c.Protocol)
}

// ServerPort returns the local port, defaulting to the protocol's port.
func (c *Config) ServerPort() int {
	if c.Port != 0 {
		return c.Port
	}
	if c.Protocol == "pana" {
		return pana.Port
	}
	return dhcp.ServerPort
}

// GroupAddrs parses the multicast groups.
func (c *Config) GroupAddrs() ([]netip.Addr, error) {
	var out []netip.Addr
	for _, g := range c.Groups {
		a, err := netip.ParseAddr(g)
		if err != nil {
			return nil, fmt.Errorf("group: %w", err)
		}
		if !a.IsMulticast() {
			return nil, fmt.Errorf("group %v is not multicast", a)
		}
		out = append(out, a)
	}
	return out, nil
}

// InterfaceIDs resolves the configured interface names to indexes. With no
// interfaces configured it returns a single zero id, meaning any interface.
func (c *Config) InterfaceIDs() ([]txsvc.InterfaceID, error) {
	if len(c.Interfaces) == 0 {
		return []txsvc.InterfaceID{0}, nil
	}
	out := make([]txsvc.InterfaceID, len(c.Interfaces))
	for i, name := range c.Interfaces {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			return nil, err
		}
		out[i] = txsvc.InterfaceID(ifi.Index)
	}
	return out, nil
}

// Binding returns a UDP binding opener for c.
func (c *Config) Binding(logf func(string, ...any)) (binding.UDP, error) {
	groups, err := c.GroupAddrs()
	if err != nil {
		return binding.UDP{}, err
	}
	return binding.UDP{Port: c.ServerPort(), PeerPort: c.PeerPort, Groups: groups, Logf: logf}, nil
}

// EngineConfig returns an engine configuration for c using the given opener
// and tracer.
func (c *Config) EngineConfig(o txsvc.Opener, tr trace.Logger) (txsvc.Config, error) {
	corr, err := c.Correlator()
	if err != nil {
		return txsvc.Config{}, err
	}
	return txsvc.Config{
		Opener:          o,
		Correlator:      corr,
		Retry:           c.Retry,
		MaxTransactions: c.MaxTransactions,
		Tracer:          tr,
	}, nil
}
