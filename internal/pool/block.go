package pool

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/wire"

	"github.com/tos-network/stratum-pool/internal/chain"
	"github.com/tos-network/stratum-pool/internal/job"
	"github.com/tos-network/stratum-pool/internal/ledger"
	"github.com/tos-network/stratum-pool/internal/metrics"
	"github.com/tos-network/stratum-pool/internal/stats"
	"github.com/tos-network/stratum-pool/internal/stratum"
	"github.com/tos-network/stratum-pool/internal/util"
)

// Block results recorded in metrics
const (
	blockAccepted = "accepted"
	blockRejected = "rejected"
	blockStale    = "stale"
)

// addBlock relays a found block, validates it against the node and, when it
// becomes the tip, writes the share record. The returned error is sent to
// the finder in place of a result.
func (c *Coordinator) addBlock(ctx context.Context, s *stratum.Session, username string, j *job.Job, block *wire.MsgBlock) *stratum.Error {
	hash := block.BlockHash()
	util.Infof("Found block: %d (%s) (%s).", j.Height(), hash, s.Name())

	var serr *stratum.Error
	err := c.agent.Track(ctx, "pool/addBlock", func(ctx context.Context) error {
		if err := c.node.Broadcast(ctx, block); err != nil {
			util.Warnf("Failed to broadcast block %s: %v", hash, err)
		}

		entry, err := c.node.AddBlock(ctx, block)
		if err != nil {
			var verr *chain.VerifyError
			if !errors.As(err, &verr) {
				return err
			}
			util.Warnf("Block %s rejected: %s (%s).", hash, verr.Reason, s.Name())
			metrics.RecordBlock(blockRejected)
			c.agent.RecordBlockRejected(j.Height(), username, verr.Reason)
			serr = rejectError(verr.Reason)
			return nil
		}

		if entry == nil {
			util.Warnf("Block %s did not connect (%s).", hash, s.Name())
			metrics.RecordBlock(blockStale)
			serr = stratum.NewError(stratum.CodeJobNotFound, "stale-prevblk")
			return nil
		}

		tip, err := c.node.Tip(ctx)
		if err != nil {
			return err
		}
		if tip.Hash != entry.Hash {
			util.Warnf("Block %s lost the race to %s (%s).", hash, tip.Hash, s.Name())
			metrics.RecordBlock(blockStale)
			serr = stratum.NewError(stratum.CodeJobNotFound, "stale-work")
			return nil
		}

		return c.tryCommit(entry, block, username)
	})
	if err != nil {
		util.Errorf("Failed to add block %s: %v", hash, err)
		return errInternal
	}
	return serr
}

func rejectError(reason string) *stratum.Error {
	switch reason {
	case "high-hash":
		return errHighHash
	case "duplicate":
		return errDuplicate
	default:
		return stratum.NewError(stratum.CodeOther, reason)
	}
}

// tryCommit writes the share record for a connected block and announces it
func (c *Coordinator) tryCommit(entry *chain.Entry, block *wire.MsgBlock, finder string) error {
	coinbase := block.Transactions[0]

	sh := &ledger.Share{
		Version:        ledger.ShareVersion,
		Network:        c.params.Name,
		Height:         entry.Height,
		Block:          entry.Hash.String(),
		Ts:             uint32(block.Header.Timestamp.Unix()),
		Time:           uint32(c.now().Unix()),
		TxID:           coinbase.TxHash().String(),
		Address:        c.cfg.Pool.RewardsAddress,
		Reward:         uint64(coinbase.TxOut[0].Value),
		FounderReward:  float32(c.cfg.Pool.FounderReward),
		FounderAddress: finder,
		Fee:            float32(c.cfg.Pool.Fee),
	}

	if err := c.stats.AddShare(sh); err != nil {
		return err
	}
	metrics.RecordBlock(blockAccepted)

	util.Infof("Block committed: height=%d hash=%s reward=%d users=%d total=%d.",
		sh.Height, sh.Block, sh.Reward, sh.Size, sh.Total)

	c.feed.Publish(stats.EventShare, sh)
	c.notifier.NotifyBlockFound(sh)
	c.agent.RecordBlockFound(sh.Height, sh.Block, finder, int64(sh.Reward))

	return nil
}
