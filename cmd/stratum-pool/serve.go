package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tos-network/stratum-pool/internal/api"
	"github.com/tos-network/stratum-pool/internal/chain"
	"github.com/tos-network/stratum-pool/internal/metrics"
	"github.com/tos-network/stratum-pool/internal/newrelic"
	"github.com/tos-network/stratum-pool/internal/notify"
	"github.com/tos-network/stratum-pool/internal/policy"
	"github.com/tos-network/stratum-pool/internal/pool"
	"github.com/tos-network/stratum-pool/internal/profiling"
	"github.com/tos-network/stratum-pool/internal/rpc"
	"github.com/tos-network/stratum-pool/internal/settlement"
	"github.com/tos-network/stratum-pool/internal/stats"
	"github.com/tos-network/stratum-pool/internal/storage"
	"github.com/tos-network/stratum-pool/internal/util"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pool (default)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer util.Sync()

	util.Infof("Stratum Pool v%s starting on %s", version, cfg.Pool.Network)

	store, params, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// Redis backs the hashrate window, bans and the payout lock
	var redis *storage.RedisClient
	if cfg.Redis.Enabled {
		redis, err = storage.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer redis.Close()
	}

	if cfg.Metrics.Enabled {
		metrics.Enable()
	}

	agent := newrelic.NewAgent(&cfg.NewRelic)
	if err := agent.Start(); err != nil {
		util.Warnf("Failed to start New Relic: %v", err)
	}
	defer agent.Stop()

	notifier, err := notify.NewNotifier(cfg.Notify, cfg.Pool.Name)
	if err != nil {
		return err
	}
	defer notifier.Wait()

	prof := profiling.NewServer(cfg.Profiling)
	if err := prof.Start(); err != nil {
		return fmt.Errorf("failed to start profiling server: %w", err)
	}
	defer prof.Stop()

	threshold, err := settlement.Threshold(cfg.Payment)
	if err != nil {
		return err
	}
	st := stats.New(cfg.Stats, store, threshold)
	if err := st.Open(); err != nil {
		return fmt.Errorf("failed to load stats: %w", err)
	}
	st.Start()
	defer st.Stop()
	feed := stats.NewFeed()

	policyServer := policy.NewPolicyServer(policy.DefaultConfig(), redis)
	policyServer.Start()
	defer policyServer.Stop()

	upstreams := rpc.NewUpstreamManager(cfg.Node)
	upstreams.Start()
	defer upstreams.Stop()

	bus := chain.NewBus()

	coordinator, err := pool.New(pool.Options{
		Config:   cfg,
		Params:   params,
		Node:     upstreams,
		Bus:      bus,
		Store:    store,
		Stats:    st,
		Policy:   policyServer,
		Redis:    redis,
		Notifier: notifier,
		Agent:    agent,
		Feed:     feed,
	})
	if err != nil {
		return err
	}
	if err := coordinator.Start(); err != nil {
		return fmt.Errorf("failed to start pool: %w", err)
	}
	defer coordinator.Stop()

	var wallet chain.Wallet
	if cfg.Wallet.URL != "" {
		wallet = rpc.NewWalletClient(cfg.Wallet.URL, cfg.Wallet.User, cfg.Wallet.Password, cfg.Wallet.Passphrase, cfg.Wallet.Timeout)
	}
	settler, err := settlement.New(settlement.Options{
		Config:   cfg.Payment,
		Node:     upstreams,
		Wallet:   wallet,
		Bus:      bus,
		Store:    store,
		Stats:    st,
		Redis:    redis,
		Notifier: notifier,
		Agent:    agent,
		Feed:     feed,
	})
	if err != nil {
		return err
	}
	settler.Start()
	defer settler.Stop()

	watcher := rpc.NewWatcher(cfg.Node, upstreams, bus)
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("failed to start chain watcher: %w", err)
	}
	defer watcher.Stop()

	if cfg.API.Enabled {
		apiServer := api.NewServer(api.Options{
			Config:  cfg,
			Pool:    coordinator,
			Stats:   st,
			Settler: settler,
			Policy:  policyServer,
			Feed:    feed,
			Redis:   redis,
		})
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	util.Infof("Received %s, shutting down...", sig)
	return nil
}
