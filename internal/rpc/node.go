package rpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/tos-network/stratum-pool/internal/chain"
)

// NodeClient is a chain.Node backed by one bitcoind-compatible node
type NodeClient struct {
	*Client
}

func NewNodeClient(url, user, password string, timeout time.Duration) *NodeClient {
	return &NodeClient{Client: NewClient(url, user, password, timeout)}
}

// BlockHeader is a verbose getblockheader result
type BlockHeader struct {
	Hash          string `json:"hash"`
	Confirmations int64  `json:"confirmations"`
	Height        uint32 `json:"height"`
	Time          uint32 `json:"time"`
	MedianTime    uint32 `json:"mediantime"`
	Bits          string `json:"bits"`
	Previous      string `json:"previousblockhash"`
}

// ChainInfo is the subset of getblockchaininfo the pool reads
type ChainInfo struct {
	Chain                string  `json:"chain"`
	Blocks               uint32  `json:"blocks"`
	Headers              uint32  `json:"headers"`
	BestBlockHash        string  `json:"bestblockhash"`
	Difficulty           float64 `json:"difficulty"`
	InitialBlockDownload bool    `json:"initialblockdownload"`
}

func (h *BlockHeader) entry() (*chain.Entry, error) {
	hash, err := chainhash.NewHashFromStr(h.Hash)
	if err != nil {
		return nil, fmt.Errorf("header hash: %w", err)
	}
	bits, err := strconv.ParseUint(h.Bits, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("header bits: %w", err)
	}
	return &chain.Entry{Height: h.Height, Hash: *hash, Time: h.Time, Bits: uint32(bits)}, nil
}

func (n *NodeClient) BestBlockHash(ctx context.Context) (string, error) {
	var hash string
	err := n.Call(ctx, &hash, "getbestblockhash")
	return hash, err
}

func (n *NodeClient) BlockHeader(ctx context.Context, hash string) (*BlockHeader, error) {
	var h BlockHeader
	if err := n.Call(ctx, &h, "getblockheader", hash, true); err != nil {
		return nil, err
	}
	return &h, nil
}

func (n *NodeClient) BlockCount(ctx context.Context) (uint32, error) {
	var count uint32
	err := n.Call(ctx, &count, "getblockcount")
	return count, err
}

func (n *NodeClient) ChainInfo(ctx context.Context) (*ChainInfo, error) {
	var info ChainInfo
	if err := n.Call(ctx, &info, "getblockchaininfo"); err != nil {
		return nil, err
	}
	return &info, nil
}

func (n *NodeClient) Tip(ctx context.Context) (*chain.Entry, error) {
	hash, err := n.BestBlockHash(ctx)
	if err != nil {
		return nil, err
	}
	h, err := n.BlockHeader(ctx, hash)
	if err != nil {
		return nil, err
	}
	return h.entry()
}

func (n *NodeClient) HashAtHeight(ctx context.Context, height uint32) (chainhash.Hash, error) {
	var s string
	if err := n.Call(ctx, &s, "getblockhash", height); err != nil {
		return chainhash.Hash{}, err
	}
	hash, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("getblockhash %d: %w", height, err)
	}
	return *hash, nil
}

func (n *NodeClient) Template(ctx context.Context) (*chain.Template, error) {
	var tpl chain.Template
	req := map[string]interface{}{"rules": []string{"segwit"}}
	if err := n.Call(ctx, &tpl, "getblocktemplate", req); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// submit sends block and returns the node's reject reason, empty when
// accepted
func (n *NodeClient) submit(ctx context.Context, block *wire.MsgBlock) (string, error) {
	var buf bytes.Buffer
	if err := block.Serialize(&buf); err != nil {
		return "", fmt.Errorf("serialize block: %w", err)
	}

	var reason *string
	if err := n.Call(ctx, &reason, "submitblock", hex.EncodeToString(buf.Bytes())); err != nil {
		return "", err
	}
	if reason == nil {
		return "", nil
	}
	return *reason, nil
}

// AddBlock submits block and reports where it landed. A block the node
// keeps off its best chain yields a nil entry.
func (n *NodeClient) AddBlock(ctx context.Context, block *wire.MsgBlock) (*chain.Entry, error) {
	reason, err := n.submit(ctx, block)
	if err != nil {
		return nil, err
	}
	// "duplicate" here usually means a Broadcast peer relayed it first
	if reason != "" && reason != "duplicate" {
		return nil, &chain.VerifyError{Reason: reason}
	}

	h, err := n.BlockHeader(ctx, block.BlockHash().String())
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) && reason != "" {
			return nil, &chain.VerifyError{Reason: reason}
		}
		return nil, err
	}
	if h.Confirmations < 0 {
		return nil, nil
	}
	return h.entry()
}

// Broadcast submits block, ignoring the node's verdict
func (n *NodeClient) Broadcast(ctx context.Context, block *wire.MsgBlock) error {
	_, err := n.submit(ctx, block)
	return err
}

func (n *NodeClient) Synced(ctx context.Context) (bool, error) {
	info, err := n.ChainInfo(ctx)
	if err != nil {
		return false, err
	}
	return !info.InitialBlockDownload && info.Blocks >= info.Headers, nil
}

func (n *NodeClient) NetworkHashrate(ctx context.Context) (float64, error) {
	var hashrate float64
	err := n.Call(ctx, &hashrate, "getnetworkhashps")
	return hashrate, err
}
