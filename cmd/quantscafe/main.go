// Quants Café daemon - settlement core, key pool and simulation directors
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantscafe/quantscafe/internal/api"
	"github.com/quantscafe/quantscafe/internal/config"
	"github.com/quantscafe/quantscafe/internal/coordinator"
	"github.com/quantscafe/quantscafe/internal/keypool"
	"github.com/quantscafe/quantscafe/internal/logging"
	"github.com/quantscafe/quantscafe/internal/storage"
	"github.com/quantscafe/quantscafe/internal/vault"
)

var (
	configPath string
	envFile    string
	port       int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quantscafe",
		Short: "Quants Café daemon - trade settlement and agent directors",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(envFile)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <data-dir>/config.json)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before config")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, key pool, coordinator and directors",
		RunE:  runServe,
	}
	serve.Flags().IntVar(&port, "port", 0, "HTTP server port (overrides config)")

	worker := &cobra.Command{
		Use:   "worker",
		Short: "Run directors against a remote coordinator's key pool",
		RunE:  runWorker,
	}

	rootCmd.AddCommand(serve, worker)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logging.SetLevel(logging.ParseLevel(cfg.Logging.Level))
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logging.Named("daemon")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	ctx, stop := signalContext()
	defer stop()

	c, err := openComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.db.Close()

	// Key pool, owned by this process only
	opts := keypool.Options{
		Keys:             cfg.KeyPool.Keys,
		FallbackKey:      cfg.KeyPool.FallbackKey,
		RotateAfter:      cfg.KeyPool.RotateAfter,
		RotationCooldown: cfg.KeyPool.RotationCooldown,
		MaxWait:          cfg.KeyPool.MaxWait,
		RetryInterval:    cfg.KeyPool.RetryInterval,
		Owners:           storage.NewOwnerStore(c.db),
		Agents:           c.assets,
	}
	if cfg.Vault.Passphrase != "" {
		v, err := vault.New(cfg.Vault.Passphrase, vault.DefaultParams)
		if err != nil {
			return err
		}
		opts.Vault = v
	} else {
		log.Warn("QC_VAULT_PASSPHRASE not set - owner keys will not be loaded")
	}
	pool := keypool.New(opts)
	if err := pool.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize key pool: %w", err)
	}

	hub := coordinator.NewHub(pool, coordinator.HubConfig{RequestTimeout: cfg.Coordinator.Timeout})
	defer hub.Close()

	server := api.New(api.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		Assets:      c.assets,
		Offers:      c.offers,
		Bets:        c.bets,
		Trades:      c.trades,
		Settlement:  c.settlement,
		Markets:     c.markets,
		Keys:        pool,
		Coordinator: hub,
	})

	sched, err := c.schedule(cfg, pool, pool, server)
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	fmt.Printf("☕ Quants Café listening on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)

	select {
	case err := <-errCh:
		sched.Stop()
		return err
	case <-ctx.Done():
	}

	fmt.Println("\n🛑 Shutting down...")
	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

func runWorker(cmd *cobra.Command, args []string) error {
	log := logging.Named("worker")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	c, err := openComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.db.Close()

	client, err := coordinator.Dial(ctx, cfg.Coordinator.URL, coordinator.ClientConfig{Timeout: cfg.Coordinator.Timeout})
	if err != nil {
		return err
	}
	defer client.Close()
	log.WithField("url", cfg.Coordinator.URL).Info("connected to coordinator")

	sched, err := c.schedule(cfg, client, nil, nil)
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	select {
	case <-ctx.Done():
		fmt.Println("\n🛑 Shutting down...")
		return nil
	case <-client.Done():
		return fmt.Errorf("coordinator connection lost")
	}
}
