// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// gatehouse-portal is the self-service portal for requesting, approving,
// and managing guests on the hypervisor cluster. It serves the HTTP API,
// optionally a TCP console relay, and Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/gatehouse-labs/gatehouse/console"
	"github.com/gatehouse-labs/gatehouse/events"
	"github.com/gatehouse-labs/gatehouse/hypervisor"
	"github.com/gatehouse-labs/gatehouse/lib/clock"
	"github.com/gatehouse-labs/gatehouse/lib/config"
	"github.com/gatehouse-labs/gatehouse/lib/process"
	"github.com/gatehouse-labs/gatehouse/lib/secret"
	"github.com/gatehouse-labs/gatehouse/lib/version"
	"github.com/gatehouse-labs/gatehouse/metrics"
	"github.com/gatehouse-labs/gatehouse/portal"
	"github.com/gatehouse-labs/gatehouse/provision"
	"github.com/gatehouse-labs/gatehouse/registry"
	"github.com/gatehouse-labs/gatehouse/request"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", os.Getenv("GATEHOUSE_CONFIG"), "path to the configuration file")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Println(version.String())
		return nil
	}
	if configPath == "" {
		return fmt.Errorf("--config or GATEHOUSE_CONFIG is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clusterPassword, err := loadSecret(cfg.Hypervisor.PasswordFile)
	if err != nil {
		return err
	}
	defer clusterPassword.Close()

	sealingPrivateKey, err := loadSecret(cfg.Sealed.PrivateKeyFile)
	if err != nil {
		return err
	}
	defer sealingPrivateKey.Close()

	cluster, err := hypervisor.NewClient(hypervisor.ClientConfig{
		URL:                cfg.Hypervisor.URL,
		Username:           cfg.Hypervisor.Username,
		Password:           clusterPassword,
		TicketTTL:          cfg.Hypervisor.TicketTTL,
		InsecureSkipVerify: cfg.Hypervisor.InsecureSkipVerify,
		Logger:             logger.With("component", "hypervisor"),
		Clock:              clock.Real(),
	})
	if err != nil {
		return err
	}

	requests, err := request.OpenStore(request.StoreConfig{
		Path:     filepath.Join(cfg.Store.Dir, "requests.db"),
		PoolSize: cfg.Store.PoolSize,
		Clock:    clock.Real(),
		Logger:   logger.With("component", "requests"),
	})
	if err != nil {
		return err
	}
	defer requests.Close()

	resources, err := registry.OpenStore(registry.StoreConfig{
		Path:     filepath.Join(cfg.Store.Dir, "registry.db"),
		PoolSize: cfg.Store.PoolSize,
		Clock:    clock.Real(),
		Logger:   logger.With("component", "registry"),
	})
	if err != nil {
		return err
	}
	defer resources.Close()

	orchestrator, err := provision.New(provision.Config{
		Cluster:    cluster,
		Registry:   resources,
		PrivateKey: sealingPrivateKey,
		Node:       cfg.Hypervisor.Node,
		Storage:    cfg.Hypervisor.Storage,
		Pool:       cfg.Hypervisor.Pool,
		Watch: hypervisor.WatchConfig{
			PollInterval:        cfg.Provision.PollInterval,
			MaxWait:             cfg.Provision.MaxWait,
			MaxTransientRetries: cfg.Provision.MaxTransientRetries,
		},
		StartVMs: true,
		Logger:   logger.With("component", "provision"),
	})
	if err != nil {
		return err
	}

	publisher, err := events.Connect(events.Config{
		URL:           cfg.Events.URL,
		SubjectPrefix: cfg.Events.SubjectPrefix,
		Logger:        logger.With("component", "events"),
	})
	if err != nil {
		return err
	}
	defer publisher.Close()

	metrics.Register(resources)

	p, err := portal.New(portal.Config{
		Requests:        requests,
		Registry:        resources,
		Cluster:         cluster,
		Provisioner:     orchestrator,
		SealingKey:      cfg.Sealed.PublicKey,
		TemplateNode:    cfg.Hypervisor.Node,
		TemplateStorage: cfg.Hypervisor.TemplateStorage,
		Events:          publisher,
		Logger:          logger.With("component", "portal"),
	})
	if err != nil {
		return err
	}

	server := portal.NewServer(portal.ServerConfig{
		Address: cfg.Listen,
		Handler: p.Handler(),
		Logger:  logger,
	})

	running := 1
	results := make(chan error, 2)
	go func() {
		results <- server.Serve(ctx)
	}()

	if cfg.ConsoleListen != "" {
		manager, err := console.New(console.Config{
			Cluster:     cluster,
			ConsolePort: cfg.Hypervisor.ConsolePort,
			Events:      publisher,
			Logger:      logger.With("component", "console"),
		})
		if err != nil {
			return err
		}
		listener, err := net.Listen("tcp", cfg.ConsoleListen)
		if err != nil {
			return fmt.Errorf("console listener on %s: %w", cfg.ConsoleListen, err)
		}
		running++
		go func() {
			results <- manager.Serve(ctx, listener)
		}()
	}

	// The first failure initiates shutdown; the rest of the servers
	// exit through context cancellation.
	var firstErr error
	for range running {
		if err := <-results; err != nil && firstErr == nil {
			firstErr = err
			stop()
		}
	}
	return firstErr
}

// loadSecret reads a secret file into protected memory and zeroes the
// intermediate heap copy. Trailing whitespace is stripped so files
// with a final newline work.
func loadSecret(path string) (*secret.Buffer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading secret %s: %w", path, err)
	}
	trimmed := raw
	for len(trimmed) > 0 && (trimmed[len(trimmed)-1] == '\n' || trimmed[len(trimmed)-1] == '\r') {
		trimmed = trimmed[:len(trimmed)-1]
	}
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("secret file %s is empty", path)
	}
	buffer, err := secret.NewFromBytes(trimmed)
	if err != nil {
		return nil, fmt.Errorf("protecting secret from %s: %w", path, err)
	}
	for i := range raw {
		raw[i] = 0
	}
	return buffer, nil
}
