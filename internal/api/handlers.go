package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tos-network/stratum-pool/internal/ledger"
	"github.com/tos-network/stratum-pool/internal/pool"
	"github.com/tos-network/stratum-pool/internal/stats"
	"github.com/tos-network/stratum-pool/internal/util"
)

// PoolStats is the pool half of /stats
type PoolStats struct {
	*pool.Info
	SharesReceived float64 `json:"sharesReceived"`
	BlockFound     uint32  `json:"blockFound"`
	FoundAverage   uint32  `json:"foundAverage"`
	TotalFound     int     `json:"totalFound"`
	WindowHashrate float64 `json:"windowHashrate,omitempty"`
	ActiveMiners   int64   `json:"activeMiners,omitempty"`
}

// StatsResponse is the /stats payload
type StatsResponse struct {
	Pool    PoolStats     `json:"pool"`
	Network stats.Network `json:"network"`
	Now     int64         `json:"now"`
}

// BlockSummary is the /blocks payload
type BlockSummary struct {
	Height       uint32 `json:"height"`
	PoolFound    uint32 `json:"poolFound"`
	FoundAverage uint32 `json:"foundAverage"`
	TotalFound   int    `json:"totalFound"`
	Unsettled    int    `json:"unsettled"`
	Valid        int    `json:"valid"`
	Stale        int    `json:"stale"`
}

// PaymentSummary is the /payments payload
type PaymentSummary struct {
	*ledger.PoolSummary
	Threshold    float64 `json:"threshold"`
	Confirmation uint32  `json:"confirmation"`
	Batches      int     `json:"batches"`
}

// UserResponse is the /users/:address payload
type UserResponse struct {
	*stats.UserSummary
	Address  string  `json:"address"`
	Hashrate float64 `json:"hashrate,omitempty"`
}

// handleStats returns pool and network statistics
func (s *Server) handleStats(c *gin.Context) {
	block := s.stats.BlockTime()
	ps := PoolStats{
		Info:           s.pool.Info(),
		SharesReceived: s.stats.AverageShare(),
		BlockFound:     block.Last,
		FoundAverage:   block.Average,
		TotalFound:     s.stats.ShareSize(),
	}

	if s.redis != nil {
		if hr, err := s.redis.GetHashrate(pool.HashrateWindow); err == nil {
			ps.WindowHashrate = hr
		} else {
			util.Debugf("Window hashrate unavailable: %v", err)
		}
		if n, err := s.redis.CountActiveMiners(pool.HashrateWindow); err == nil {
			ps.ActiveMiners = n
		}
	}

	c.JSON(http.StatusOK, StatsResponse{
		Pool:    ps,
		Network: s.stats.Network(),
		Now:     time.Now().Unix(),
	})
}

// handleStatsUpdate returns the milliseconds until the next snapshot
func (s *Server) handleStatsUpdate(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"next": s.stats.NextUpdate().Milliseconds()})
}

func (s *Server) handleActivity(c *gin.Context) {
	c.JSON(http.StatusOK, s.stats.Activity())
}

// handleBlockSummary returns found-block timing and per-kind counts
func (s *Server) handleBlockSummary(c *gin.Context) {
	block := s.stats.BlockTime()
	c.JSON(http.StatusOK, BlockSummary{
		Height:       s.stats.Network().Height,
		PoolFound:    block.Last,
		FoundAverage: block.Average,
		TotalFound:   s.stats.ShareSize(),
		Unsettled:    s.stats.Blocks.Size(stats.KindUnsettled),
		Valid:        s.stats.Blocks.Size(stats.KindValid),
		Stale:        s.stats.Blocks.Size(stats.KindStale),
	})
}

// handleBlocks returns one page of unsettled, valid or stale blocks
func (s *Server) handleBlocks(c *gin.Context) {
	kind, ok := stats.ParseKind(c.Param("kind"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown block kind"})
		return
	}

	limit, offset, ok := page(c)
	if !ok {
		badPage(c)
		return
	}

	p, err := s.stats.Blocks.Get(kind, limit, offset)
	if err != nil {
		util.Errorf("Failed to list %s blocks: %v", kind, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get blocks"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"shares":   p.Shares,
		"size":     p.Size,
		"explorer": s.cfg.Pool.Explorer,
	})
}

// handlePaymentSummary returns the global payout summary
func (s *Server) handlePaymentSummary(c *gin.Context) {
	sum, err := s.settler.Summary()
	if err != nil {
		util.Errorf("Failed to read pool summary: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get payment summary"})
		return
	}

	c.JSON(http.StatusOK, PaymentSummary{
		PoolSummary:  sum,
		Threshold:    s.cfg.Payment.Threshold,
		Confirmation: s.cfg.Payment.Confirmation,
		Batches:      s.stats.Payments.Size(),
	})
}

// handlePayments returns one page of payout batches, newest first
func (s *Server) handlePayments(c *gin.Context) {
	limit, offset, ok := page(c)
	if !ok {
		badPage(c)
		return
	}

	p, err := s.stats.Payments.Get(limit, offset)
	if err != nil {
		util.Errorf("Failed to list payouts: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get payments"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payouts":  p.Payouts,
		"size":     p.Size,
		"explorer": s.cfg.Pool.Explorer,
	})
}

// handleUser returns a user's payment summary and live contribution
func (s *Server) handleUser(c *gin.Context) {
	address := c.Param("address")

	sum, err := s.stats.UserSummary(address)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid address"})
		return
	}

	resp := UserResponse{UserSummary: sum, Address: address}
	if s.redis != nil {
		if hr, err := s.redis.GetMinerHashrate(address, pool.HashrateWindow); err == nil {
			resp.Hashrate = hr
		}
	}

	c.JSON(http.StatusOK, resp)
}

// handleUserPayouts returns one page of a user's paid records
func (s *Server) handleUserPayouts(c *gin.Context) {
	limit, offset, ok := page(c)
	if !ok {
		badPage(c)
		return
	}

	p, err := s.stats.UserPayouts(c.Param("address"), limit, offset)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid address"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payouts":  p.Payouts,
		"size":     p.Size,
		"explorer": s.cfg.Pool.Explorer,
	})
}

func (s *Server) handlePorts(c *gin.Context) {
	c.JSON(http.StatusOK, s.pool.Ports())
}

// handleResetSummary recomputes a user's summary from their records
func (s *Server) handleResetSummary(c *gin.Context) {
	address := c.Param("address")

	sum, err := s.settler.ResetUserSummary(address)
	if err != nil {
		util.Warnf("Failed to reset summary for %s: %v", address, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	util.Infof("Admin reset summary for %s", address)
	c.JSON(http.StatusOK, gin.H{"address": address, "summary": sum})
}

func (s *Server) handleBans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"bans": s.policy.Bans()})
}

// handleUnban lifts a host ban
func (s *Server) handleUnban(c *gin.Context) {
	host := c.Param("host")

	if err := s.policy.Unban(host); err != nil {
		util.Errorf("Failed to unban %s: %v", host, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove ban"})
		return
	}

	util.Infof("Admin removed ban for %s", host)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "host": host})
}
