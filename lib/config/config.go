// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the portal configuration from a single YAML
// file. There is no automatic discovery and no hidden overrides: the
// file path comes from the --config flag or the GATEHOUSE_CONFIG
// environment variable, and secrets are referenced by file path, never
// inlined in the YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the portal configuration.
type Config struct {
	// Listen is the HTTP listen address, e.g. ":8080".
	Listen string `yaml:"listen"`

	// ConsoleListen is the TCP listen address for interactive console
	// sessions, e.g. ":8443". Empty disables the console listener.
	ConsoleListen string `yaml:"console_listen"`

	// Hypervisor configures the cluster API client.
	Hypervisor HypervisorConfig `yaml:"hypervisor"`

	// Provision configures task-watching bounds for provisioning.
	Provision ProvisionConfig `yaml:"provision"`

	// Store configures local SQLite storage.
	Store StoreConfig `yaml:"store"`

	// Sealed configures credential-at-rest encryption.
	Sealed SealedConfig `yaml:"sealed"`

	// Events configures lifecycle event publishing. Optional: an
	// empty URL disables publishing.
	Events EventsConfig `yaml:"events"`
}

// HypervisorConfig configures the cluster API client.
type HypervisorConfig struct {
	// URL is the base URL of the cluster API, e.g.
	// "https://pve.example.edu:8006".
	URL string `yaml:"url"`

	// Username is the API account, e.g. "portal@pve".
	Username string `yaml:"username"`

	// PasswordFile is the path to a file holding the API password.
	PasswordFile string `yaml:"password_file"`

	// TicketTTL is how long a session ticket is considered fresh
	// before the handle re-authenticates. The cluster issues tickets
	// valid for two hours; the default renews at a comfortable margin
	// before that.
	TicketTTL time.Duration `yaml:"ticket_ttl"`

	// Node is the cluster node that receives create and clone calls.
	Node string `yaml:"node"`

	// Storage is the datastore for root filesystems and cloned disks.
	Storage string `yaml:"storage"`

	// TemplateStorage is the datastore holding container OS template
	// archives, which usually differs from the disk storage.
	TemplateStorage string `yaml:"template_storage"`

	// Pool is the resource pool new resources are placed in.
	Pool string `yaml:"pool"`

	// ConsolePort is the TCP port of the per-node console endpoint.
	ConsolePort int `yaml:"console_port"`

	// InsecureSkipVerify disables TLS certificate verification for
	// clusters running self-signed certificates.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// ProvisionConfig bounds the task watcher during provisioning. Task
// duration varies wildly (a disk clone takes minutes, a status query
// milliseconds), so these are configuration, not constants.
type ProvisionConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval"`
	MaxWait             time.Duration `yaml:"max_wait"`
	MaxTransientRetries int           `yaml:"max_transient_retries"`
}

// StoreConfig configures local SQLite storage.
type StoreConfig struct {
	// Dir is the directory holding the SQLite database files for
	// requests and resource records. It must exist.
	Dir string `yaml:"dir"`

	// PoolSize is the SQLite connection pool size.
	PoolSize int `yaml:"pool_size"`
}

// SealedConfig configures credential-at-rest encryption.
type SealedConfig struct {
	// PublicKey is the portal's age public key (age1...). Guest
	// passwords are sealed to it at submission time.
	PublicKey string `yaml:"public_key"`

	// PrivateKeyFile is the path to a file holding the matching age
	// private key, read into protected memory at startup.
	PrivateKeyFile string `yaml:"private_key_file"`
}

// EventsConfig configures NATS lifecycle event publishing.
type EventsConfig struct {
	// URL is the NATS server URL. Empty disables publishing.
	URL string `yaml:"url"`

	// SubjectPrefix prefixes event subjects, default "gatehouse".
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Hypervisor.TicketTTL == 0 {
		c.Hypervisor.TicketTTL = 90 * time.Minute
	}
	if c.Hypervisor.Node == "" {
		c.Hypervisor.Node = "pve"
	}
	if c.Hypervisor.Storage == "" {
		c.Hypervisor.Storage = "local-lvm"
	}
	if c.Hypervisor.TemplateStorage == "" {
		c.Hypervisor.TemplateStorage = "local"
	}
	if c.Hypervisor.ConsolePort == 0 {
		c.Hypervisor.ConsolePort = 5900
	}
	if c.Provision.PollInterval == 0 {
		c.Provision.PollInterval = 2 * time.Second
	}
	if c.Provision.MaxWait == 0 {
		c.Provision.MaxWait = 10 * time.Minute
	}
	if c.Provision.MaxTransientRetries == 0 {
		c.Provision.MaxTransientRetries = 3
	}
	if c.Store.PoolSize == 0 {
		c.Store.PoolSize = 4
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "gatehouse"
	}
}

func (c *Config) validate() error {
	if c.Hypervisor.URL == "" {
		return fmt.Errorf("hypervisor.url is required")
	}
	if c.Hypervisor.Username == "" {
		return fmt.Errorf("hypervisor.username is required")
	}
	if c.Hypervisor.PasswordFile == "" {
		return fmt.Errorf("hypervisor.password_file is required")
	}
	if c.Store.Dir == "" {
		return fmt.Errorf("store.dir is required")
	}
	if c.Sealed.PublicKey == "" {
		return fmt.Errorf("sealed.public_key is required")
	}
	if c.Sealed.PrivateKeyFile == "" {
		return fmt.Errorf("sealed.private_key_file is required")
	}
	return nil
}
