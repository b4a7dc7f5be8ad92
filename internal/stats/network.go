package stats

import (
	"context"
	"fmt"

	"github.com/tos-network/stratum-pool/internal/chain"
	"github.com/tos-network/stratum-pool/internal/util"
)

// Network is the chain as last observed by the pool.
type Network struct {
	Height     uint32  `json:"height"`
	Hash       string  `json:"hash"`
	Difficulty float64 `json:"difficulty"`
	Hashrate   float64 `json:"hashrate"`
	LastBlock  uint32  `json:"lastBlock"`
	Reward     int64   `json:"reward"`
}

// RefreshNetwork re-reads the tip and network hashrate. reward is the
// coinbase value of the current job.
func (s *Stats) RefreshNetwork(ctx context.Context, node chain.Node, reward int64) error {
	tip, err := node.Tip(ctx)
	if err != nil {
		return fmt.Errorf("get tip: %w", err)
	}

	hashrate, err := node.NetworkHashrate(ctx)
	if err != nil {
		util.Debugf("Network hashrate unavailable: %v", err)
		hashrate = s.Network().Hashrate
	}

	n := Network{
		Height:     tip.Height,
		Hash:       tip.Hash.String(),
		Difficulty: util.BitsToDifficulty(tip.Bits),
		Hashrate:   hashrate,
		LastBlock:  tip.Time,
		Reward:     reward,
	}

	s.mu.Lock()
	s.network = n
	s.mu.Unlock()
	return nil
}

func (s *Stats) Network() Network {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.network
}
