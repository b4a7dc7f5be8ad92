package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tos-network/stratum-pool/internal/ledger"
	"github.com/tos-network/stratum-pool/internal/pool"
	"github.com/tos-network/stratum-pool/internal/settlement"
)

var addUserCmd = &cobra.Command{
	Use:   "adduser <address> <password>",
	Short: "Register a miner address with a password",
	Args:  cobra.ExactArgs(2),
	RunE:  runAddUser,
}

var resetPoolSummary bool

var resetSummaryCmd = &cobra.Command{
	Use:   "reset-summary [address]",
	Short: "Recompute a user's payment summary, or the pool summary with --pool",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runResetSummary,
}

func init() {
	resetSummaryCmd.Flags().BoolVar(&resetPoolSummary, "pool", false, "Recompute the pool payment summary from every payout")
}

func runAddUser(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, params, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	username, password := args[0], args[1]
	if username != pool.AdminUser && !ledger.ValidAddress(username, params) {
		return fmt.Errorf("invalid %s address: %s", params.Name, username)
	}
	if store.HasUser(username) {
		return fmt.Errorf("user %s already exists", username)
	}

	if err := store.AddUser(ledger.NewUser(username, password)); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Added user %s\n", username)
	return nil
}

func runResetSummary(cmd *cobra.Command, args []string) error {
	if resetPoolSummary == (len(args) == 1) {
		return fmt.Errorf("pass either an address or --pool")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, _, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	settler, err := settlement.New(settlement.Options{Config: cfg.Payment, Store: store})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if resetPoolSummary {
		sum, err := settler.ResetSummary()
		if err != nil {
			return fmt.Errorf("reset pool summary: %w", err)
		}
		fmt.Fprintf(out, "Pool summary: %d payouts to %d miners, %d paid, next payable at %d\n",
			sum.Txn, sum.Miner, sum.Amount, sum.Next)
		return nil
	}

	sum, err := settler.ResetUserSummary(args[0])
	if err != nil {
		return fmt.Errorf("reset summary for %s: %w", args[0], err)
	}
	fmt.Fprintf(out, "Summary for %s: %d paid over %d transactions, %d pending, %d share\n",
		args[0], sum.Amount, sum.Txn, sum.Pending, sum.Share)
	return nil
}
