package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/tos-network/stratum-pool/internal/chain"
)

// unlockSeconds is how long walletpassphrase keeps the wallet unlocked
const unlockSeconds = 60

var errNoOutputs = errors.New("rpc: no outputs provided")

// WalletClient is a chain.Wallet backed by a bitcoind wallet
type WalletClient struct {
	*Client
	passphrase string
}

func NewWalletClient(url, user, password, passphrase string, timeout time.Duration) *WalletClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WalletClient{
		Client:     NewClient(url, user, password, timeout),
		passphrase: passphrase,
	}
}

type fundResult struct {
	Hex       string  `json:"hex"`
	Fee       float64 `json:"fee"`
	ChangePos int     `json:"changepos"`
}

type signResult struct {
	Hex      string `json:"hex"`
	Complete bool   `json:"complete"`
}

// BuildTransaction creates a raw transaction paying outputs and funds it
// from the wallet at feeRate per kvB.
func (w *WalletClient) BuildTransaction(ctx context.Context, outputs []chain.Output, feeRate btcutil.Amount) (string, error) {
	if len(outputs) == 0 {
		return "", errNoOutputs
	}

	totals := make(map[string]btcutil.Amount, len(outputs))
	for _, o := range outputs {
		totals[o.Address] += o.Value
	}
	amounts := make(map[string]float64, len(totals))
	for addr, v := range totals {
		amounts[addr] = v.ToBTC()
	}

	var raw string
	if err := w.Call(ctx, &raw, "createrawtransaction", []interface{}{}, amounts); err != nil {
		return "", err
	}

	var funded fundResult
	opts := map[string]interface{}{"feeRate": feeRate.ToBTC()}
	if err := w.Call(ctx, &funded, "fundrawtransaction", raw, opts); err != nil {
		return "", err
	}
	return funded.Hex, nil
}

// Sign unlocks the wallet when a passphrase is set and signs rawTx
func (w *WalletClient) Sign(ctx context.Context, rawTx string) (string, error) {
	if w.passphrase != "" {
		if err := w.Call(ctx, nil, "walletpassphrase", w.passphrase, unlockSeconds); err != nil {
			return "", fmt.Errorf("unlock wallet: %w", err)
		}
	}

	var signed signResult
	if err := w.Call(ctx, &signed, "signrawtransactionwithwallet", rawTx); err != nil {
		return "", err
	}
	if !signed.Complete {
		return "", errors.New("rpc: transaction could not be fully signed")
	}
	return signed.Hex, nil
}

// Broadcast sends signedTx and returns its txid
func (w *WalletClient) Broadcast(ctx context.Context, signedTx string) (string, error) {
	var txid string
	if err := w.Call(ctx, &txid, "sendrawtransaction", signedTx); err != nil {
		return "", err
	}
	return txid, nil
}

// Balance returns the wallet's confirmed balance
func (w *WalletClient) Balance(ctx context.Context) (btcutil.Amount, error) {
	var balance float64
	if err := w.Call(ctx, &balance, "getbalance"); err != nil {
		return 0, err
	}
	return btcutil.NewAmount(balance)
}
