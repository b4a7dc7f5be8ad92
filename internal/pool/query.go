package pool

import (
	"github.com/tos-network/stratum-pool/internal/config"
	"github.com/tos-network/stratum-pool/internal/metrics"
)

// PortInfo describes one listener for the operator API
type PortInfo struct {
	Port        int     `json:"port"`
	Difficulty  float64 `json:"difficulty"`
	Dynamic     bool    `json:"dynamic"`
	MaxInbound  int     `json:"maxInbound"`
	Title       string  `json:"title"`
	Desc        string  `json:"desc"`
	Recommended bool    `json:"recommended"`
	Sessions    int     `json:"sessions"`
}

// JobInfo describes the job miners are working on
type JobInfo struct {
	ID         string  `json:"id"`
	Height     uint32  `json:"height"`
	Difficulty float64 `json:"difficulty"`
	Reward     int64   `json:"reward"`
	Txs        int     `json:"txs"`
	CreatedAt  int64   `json:"createdAt"`
}

// Info is the pool-side view served with /stats
type Info struct {
	Name          string   `json:"name"`
	Fee           float64  `json:"fee"`
	FounderReward float64  `json:"founderReward"`
	Explorer      string   `json:"explorer"`
	Sessions      int      `json:"sessions"`
	Contributors  int      `json:"contributors"`
	Hashrate      float64  `json:"hashrate"`
	Job           *JobInfo `json:"job,omitempty"`
}

// Ports lists the configured listeners with their session counts
func (c *Coordinator) Ports() []PortInfo {
	byPort := make(map[int]config.PortConfig, len(c.cfg.Pool.Ports))
	for _, p := range c.cfg.Pool.Ports {
		byPort[p.Port] = p
	}

	out := make([]PortInfo, 0, len(c.servers))
	for _, srv := range c.servers {
		settings := srv.Settings()
		p := byPort[settings.Port]
		out = append(out, PortInfo{
			Port:        settings.Port,
			Difficulty:  settings.Difficulty,
			Dynamic:     settings.Dynamic,
			MaxInbound:  settings.MaxInbound,
			Title:       p.Title,
			Desc:        p.Desc,
			Recommended: p.Recommended,
			Sessions:    srv.Count(),
		})
	}
	return out
}

// SessionCount returns the number of connected sessions on every port
func (c *Coordinator) SessionCount() int {
	n := 0
	for _, srv := range c.servers {
		n += srv.Count()
	}
	return n
}

// CurrentJob returns the job being mined, or nil before the first
// subscriber
func (c *Coordinator) CurrentJob() *JobInfo {
	c.jobMu.Lock()
	j := c.current
	c.jobMu.Unlock()

	if j == nil {
		return nil
	}
	return &JobInfo{
		ID:         j.ID,
		Height:     j.Height(),
		Difficulty: j.Difficulty,
		Reward:     j.Attempt.CoinbaseValue,
		Txs:        len(j.Attempt.TxIDs()),
		CreatedAt:  j.CreatedAt.Unix(),
	}
}

func (c *Coordinator) Info() *Info {
	return &Info{
		Name:          c.cfg.Pool.Name,
		Fee:           c.cfg.Pool.Fee,
		FounderReward: c.cfg.Pool.FounderReward,
		Explorer:      c.cfg.Pool.Explorer,
		Sessions:      c.SessionCount(),
		Contributors:  c.stats.Contributors(),
		Hashrate:      c.stats.Hashrate(),
		Job:           c.CurrentJob(),
	}
}

// reportStats pushes pool gauges to metrics and APM
func (c *Coordinator) reportStats() {
	hashrate := c.stats.Hashrate()
	metrics.RecordHashrate(hashrate)
	c.agent.UpdatePoolMetrics(hashrate, c.SessionCount(), c.stats.Contributors())
}
