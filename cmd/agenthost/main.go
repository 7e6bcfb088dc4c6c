// agenthost runs the per-tenant agent lifecycle controller: it keeps
// one sandboxed agent server per tenant, injects configuration, proxies
// chat traffic and ships agent logs to blob storage.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/mavenhq/agenthost/internal/blob"
	"github.com/mavenhq/agenthost/internal/config"
	"github.com/mavenhq/agenthost/internal/configsvc"
	"github.com/mavenhq/agenthost/internal/controller"
	"github.com/mavenhq/agenthost/internal/edge"
	"github.com/mavenhq/agenthost/internal/sandbox"
	"github.com/mavenhq/agenthost/internal/store"
)

var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "agenthost",
		Short:   "Per-tenant agent lifecycle controller",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.Path(), "configuration file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the edge server and tenant controllers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	tenantCmd := &cobra.Command{
		Use:   "tenant",
		Short: "Operate on a single tenant",
	}

	destroyCmd := &cobra.Command{
		Use:   "destroy <tenant-id>",
		Short: "Destroy a tenant's sandbox and remove its marker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(configPath, args[0], func(ctx context.Context, t *controller.Tenant) error {
				if err := t.EnsureReady(ctx, "admin"); err != nil {
					return fmt.Errorf("connect tenant sandbox: %w", err)
				}
				return t.Destroy(ctx)
			})
		},
	}

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Tenant log pipeline operations",
	}

	flushCmd := &cobra.Command{
		Use:   "flush <tenant-id>",
		Short: "Pull and flush a tenant's buffered agent logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(configPath, args[0], func(ctx context.Context, t *controller.Tenant) error {
				if err := t.EnsureReady(ctx, "admin"); err != nil {
					return fmt.Errorf("connect tenant sandbox: %w", err)
				}
				return t.FlushLogs(ctx)
			})
		},
	}

	logsCmd.AddCommand(flushCmd)
	tenantCmd.AddCommand(destroyCmd, logsCmd)
	rootCmd.AddCommand(serveCmd, tenantCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildRegistry wires the shared dependency graph from configuration.
func buildRegistry(cfg *config.Config) (*controller.Registry, *store.DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}

	markers, err := store.Open(filepath.Join(cfg.DataDir, "markers.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open marker store: %w", err)
	}

	var blobStore blob.Store
	if cfg.Blob.AccessKey != "" {
		blobStore, err = blob.NewKodoStore(cfg.Blob)
	} else {
		blobStore, err = blob.NewLocalStore(filepath.Join(cfg.DataDir, "logs"))
	}
	if err != nil {
		markers.Close()
		return nil, nil, fmt.Errorf("open blob store: %w", err)
	}

	provisioner, err := sandbox.NewSpriteProvisioner(cfg.Sandbox)
	if err != nil {
		markers.Close()
		return nil, nil, fmt.Errorf("create provisioner: %w", err)
	}

	client := configsvc.NewClient(cfg.ConfigService.URL, cfg.ConfigService.Timeout)
	cache := configsvc.NewCache(client, configsvc.DefaultTTL)

	registry := controller.NewRegistry(controller.Deps{
		Provisioner:   provisioner,
		Cache:         cache,
		Markers:       markers,
		Blob:          blobStore,
		Agent:         cfg.Agent,
		IdleTimeout:   cfg.IdleTimeout,
		FlushInterval: cfg.FlushInterval,
	})
	return registry, markers, nil
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "agenthost",
	})
	applyLogLevel(cfg.LogLevel)

	registry, markers, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	defer markers.Close()
	defer registry.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Log level is the one setting worth reloading live.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if err := config.Watch(configPath, stopWatch, func(next *config.Config) {
		logger.Info("configuration reloaded", "log_level", next.LogLevel)
		applyLogLevel(next.LogLevel)
	}); err != nil {
		logger.Warn("config watch unavailable", "error", err)
	}

	srv := edge.New(edge.Config{Addr: cfg.Listen, Registry: registry})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	logger.Info("agenthost running", "listen", cfg.Listen, "data_dir", cfg.DataDir)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(35 * time.Second):
			return fmt.Errorf("shutdown timed out")
		}
	case err := <-errCh:
		return err
	}
}

// withTenant wires the dependency graph for a one-shot admin command.
func withTenant(configPath, tenantID string, fn func(context.Context, *controller.Tenant) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyLogLevel(cfg.LogLevel)

	registry, markers, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	defer markers.Close()
	defer registry.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	return fn(ctx, registry.Tenant(tenantID))
}

func applyLogLevel(level string) {
	if parsed, err := log.ParseLevel(level); err == nil {
		log.SetLevel(parsed)
	}
}
