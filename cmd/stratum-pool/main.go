// Stratum Pool - Stratum mining pool with a durable share and payout ledger
package main

import (
	"fmt"
	"os"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tos-network/stratum-pool/internal/chain"
	"github.com/tos-network/stratum-pool/internal/config"
	"github.com/tos-network/stratum-pool/internal/ledger"
	"github.com/tos-network/stratum-pool/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

var (
	v          = viper.New()
	configPath string
)

var rootCmd = &cobra.Command{
	Use:           "stratum-pool",
	Short:         "Stratum mining pool with a share and payout ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and exit",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Stratum Pool v%s (built %s)\n", version, buildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(serveCmd, addUserCmd, resetSummaryCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and initializes the logger
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWith(v, configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

// openLedger opens the bolt-backed ledger for the configured network
func openLedger(cfg *config.Config) (*ledger.Store, *chaincfg.Params, error) {
	params, err := chain.ParamsForNetwork(cfg.Pool.Network)
	if err != nil {
		return nil, nil, err
	}

	kv, err := ledger.OpenBolt(cfg.Ledger.Path, cfg.Ledger.OpenTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger %s: %w", cfg.Ledger.Path, err)
	}

	store, err := ledger.Open(kv, params, cfg.Ledger.SummaryCacheSize)
	if err != nil {
		kv.Close()
		return nil, nil, err
	}
	return store, params, nil
}
