// Package chain defines the full node and wallet collaborators the pool
// consumes, and builds block-template attempts that miners grind on.
package chain

import (
	"context"
	"errors"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var ErrNoAddress = errors.New("chain: no payout address")

// Entry is a block connected to the node's best chain.
type Entry struct {
	Height uint32
	Hash   chainhash.Hash
	Time   uint32
	Bits   uint32
}

// VerifyError is a block rejected by the node. Reason is the node's reject
// string, e.g. "high-hash" or "duplicate".
type VerifyError struct {
	Reason string
}

func (e *VerifyError) Error() string {
	return "block rejected: " + e.Reason
}

// Node is the full node the pool mines on.
type Node interface {
	// Tip returns the current best block.
	Tip(ctx context.Context) (*Entry, error)
	// HashAtHeight returns the best-chain hash at height.
	HashAtHeight(ctx context.Context, height uint32) (chainhash.Hash, error)
	Template(ctx context.Context) (*Template, error)
	// AddBlock validates and connects block. A *VerifyError reports a
	// rejection; a nil entry with nil error means the block was accepted
	// but is not part of the best chain.
	AddBlock(ctx context.Context, block *wire.MsgBlock) (*Entry, error)
	// Broadcast relays block without waiting for local validation.
	Broadcast(ctx context.Context, block *wire.MsgBlock) error
	Synced(ctx context.Context) (bool, error)
	NetworkHashrate(ctx context.Context) (float64, error)
}

// Output is one payment destination.
type Output struct {
	Address string
	Value   btcutil.Amount
}

// Wallet funds, signs and broadcasts payout transactions.
type Wallet interface {
	BuildTransaction(ctx context.Context, outputs []Output, feeRate btcutil.Amount) (string, error)
	Sign(ctx context.Context, rawTx string) (string, error)
	Broadcast(ctx context.Context, signedTx string) (string, error)
}

type EventKind int

const (
	// EventConnect fires when a new block becomes the tip.
	EventConnect EventKind = iota
	// EventTransaction fires when a transaction enters the mempool.
	EventTransaction
)

func (k EventKind) String() string {
	if k == EventConnect {
		return "connect"
	}
	return "transaction"
}

type Event struct {
	Kind  EventKind
	Entry *Entry
}

// Handler consumes chain events. Handlers run on the publisher's goroutine
// in subscription order.
type Handler func(ctx context.Context, ev Event)

// Bus fans chain events out to subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, ev)
	}
}
