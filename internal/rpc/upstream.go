package rpc

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/tos-network/stratum-pool/internal/chain"
	"github.com/tos-network/stratum-pool/internal/config"
	"github.com/tos-network/stratum-pool/internal/util"
)

// ErrNoUpstream is returned when no node is configured
var ErrNoUpstream = errors.New("rpc: no upstream configured")

const (
	healthCheckTimeout = 3 * time.Second
	recoveryThreshold  = 2
)

// UpstreamState is the health of one upstream for monitoring
type UpstreamState struct {
	Name         string        `json:"name"`
	URL          string        `json:"url"`
	Healthy      bool          `json:"healthy"`
	LastCheck    time.Time     `json:"lastCheck"`
	SuccessCount int32         `json:"successCount"`
	FailCount    int32         `json:"failCount"`
	ResponseTime time.Duration `json:"responseTime"`
	Height       uint32        `json:"height"`
	Weight       int           `json:"weight"`
}

// Upstream wraps a NodeClient with health tracking
type Upstream struct {
	node   *NodeClient
	name   string
	weight int

	mu           sync.RWMutex
	healthy      bool
	failCount    int32
	successCount int32
	lastCheck    time.Time
	responseTime time.Duration
	height       uint32
}

func (u *Upstream) isHealthy() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.healthy
}

// UpstreamManager is a chain.Node over several nodes. The healthiest
// upstream with the highest weight serves every call; Broadcast fans a
// block out to all the others.
type UpstreamManager struct {
	upstreams []*Upstream
	cfg       config.NodeConfig

	// Current active upstream index
	activeIdx int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewUpstreamManager(cfg config.NodeConfig) *UpstreamManager {
	ctx, cancel := context.WithCancel(context.Background())
	mgr := &UpstreamManager{cfg: cfg, ctx: ctx, cancel: cancel}

	for _, ucfg := range cfg.Upstreams {
		timeout := ucfg.Timeout
		if timeout == 0 {
			timeout = cfg.Timeout
		}
		weight := ucfg.Weight
		if weight == 0 {
			weight = 1
		}
		name := ucfg.Name
		if name == "" {
			name = ucfg.URL
		}
		mgr.upstreams = append(mgr.upstreams, &Upstream{
			node:    NewNodeClient(ucfg.URL, ucfg.User, ucfg.Password, timeout),
			name:    name,
			weight:  weight,
			healthy: true,
		})
	}

	// Highest weight first
	sort.SliceStable(mgr.upstreams, func(i, j int) bool {
		return mgr.upstreams[i].weight > mgr.upstreams[j].weight
	})

	return mgr
}

// Start runs an initial health check and the health check loop
func (m *UpstreamManager) Start() {
	if len(m.upstreams) == 0 {
		util.Warnf("No upstreams configured")
		return
	}

	util.Infof("Starting upstream manager with %d nodes", len(m.upstreams))
	for i, u := range m.upstreams {
		util.Infof("  [%d] %s (weight=%d)", i, u.name, u.weight)
	}

	m.checkAllUpstreams()

	m.wg.Add(1)
	go m.healthCheckLoop()
}

func (m *UpstreamManager) Stop() {
	m.cancel()
	m.wg.Wait()
	util.Infof("Upstream manager stopped")
}

func (m *UpstreamManager) healthCheckLoop() {
	defer m.wg.Done()

	interval := m.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkAllUpstreams()
		}
	}
}

func (m *UpstreamManager) checkAllUpstreams() {
	var wg sync.WaitGroup
	for _, upstream := range m.upstreams {
		wg.Add(1)
		go func(u *Upstream) {
			defer wg.Done()
			m.checkUpstream(u)
		}(upstream)
	}
	wg.Wait()

	m.selectBestUpstream()
}

// checkUpstream asks u for its tip
func (m *UpstreamManager) checkUpstream(u *Upstream) {
	ctx, cancel := context.WithTimeout(m.ctx, healthCheckTimeout)
	defer cancel()

	start := time.Now()
	count, err := u.node.BlockCount(ctx)
	responseTime := time.Since(start)

	u.mu.Lock()
	defer u.mu.Unlock()

	u.lastCheck = time.Now()
	u.responseTime = responseTime

	if err != nil {
		u.failCount++
		u.successCount = 0
		if u.failCount >= maxFailures && u.healthy {
			u.healthy = false
			util.Warnf("Upstream %s marked UNHEALTHY after %d failures: %v", u.name, u.failCount, err)
		}
		return
	}

	u.successCount++
	u.height = count
	if !u.healthy && u.successCount >= recoveryThreshold {
		u.healthy = true
		u.failCount = 0
		util.Infof("Upstream %s recovered and marked HEALTHY (height=%d, response=%v)", u.name, u.height, responseTime)
	} else if u.healthy {
		u.failCount = 0
	}
}

// selectBestUpstream prefers higher weight, then higher height
func (m *UpstreamManager) selectBestUpstream() {
	bestIdx, bestWeight := -1, -1
	var bestHeight uint32

	for i, u := range m.upstreams {
		u.mu.RLock()
		healthy, weight, height := u.healthy, u.weight, u.height
		u.mu.RUnlock()

		if !healthy {
			continue
		}
		if weight > bestWeight || (weight == bestWeight && height > bestHeight) {
			bestIdx, bestWeight, bestHeight = i, weight, height
		}
	}

	if bestIdx < 0 {
		util.Warnf("No healthy upstreams available!")
		return
	}
	if old := atomic.SwapInt32(&m.activeIdx, int32(bestIdx)); old != int32(bestIdx) {
		util.Infof("Switched to upstream %s (idx=%d, weight=%d, height=%d)",
			m.upstreams[bestIdx].name, bestIdx, bestWeight, bestHeight)
	}
}

func (m *UpstreamManager) active() *Upstream {
	if len(m.upstreams) == 0 {
		return nil
	}
	idx := atomic.LoadInt32(&m.activeIdx)
	if idx >= 0 && idx < int32(len(m.upstreams)) {
		return m.upstreams[idx]
	}
	return m.upstreams[0]
}

// Node returns the active upstream's client
func (m *UpstreamManager) Node() *NodeClient {
	if u := m.active(); u != nil {
		return u.node
	}
	return nil
}

// ActiveUpstream returns the name of the active upstream
func (m *UpstreamManager) ActiveUpstream() string {
	if u := m.active(); u != nil {
		return u.name
	}
	return ""
}

// States returns the state of every upstream
func (m *UpstreamManager) States() []UpstreamState {
	states := make([]UpstreamState, len(m.upstreams))
	for i, u := range m.upstreams {
		u.mu.RLock()
		states[i] = UpstreamState{
			Name:         u.name,
			URL:          u.node.URL(),
			Healthy:      u.healthy,
			LastCheck:    u.lastCheck,
			SuccessCount: u.successCount,
			FailCount:    u.failCount,
			ResponseTime: u.responseTime,
			Height:       u.height,
			Weight:       u.weight,
		}
		u.mu.RUnlock()
	}
	return states
}

func (m *UpstreamManager) UpstreamCount() int {
	return len(m.upstreams)
}

func (m *UpstreamManager) HealthyCount() int {
	count := 0
	for _, u := range m.upstreams {
		if u.isHealthy() {
			count++
		}
	}
	return count
}

// recordFailure marks idx unhealthy after repeated transport failures and
// fails over
func (m *UpstreamManager) recordFailure(idx int) {
	u := m.upstreams[idx]
	u.mu.Lock()
	u.failCount++
	u.successCount = 0
	failover := u.failCount >= maxFailures && u.healthy
	if failover {
		u.healthy = false
		util.Warnf("Upstream %s marked unhealthy due to call failures", u.name)
	}
	u.mu.Unlock()

	if failover {
		m.selectBestUpstream()
	}
}

// call runs fn on the active upstream, then on every other healthy one
// until one succeeds. Node-side RPC errors are returned without failover.
func (m *UpstreamManager) call(fn func(*NodeClient) error) error {
	if len(m.upstreams) == 0 {
		return ErrNoUpstream
	}

	activeIdx := int(atomic.LoadInt32(&m.activeIdx))
	if activeIdx >= len(m.upstreams) {
		activeIdx = 0
	}

	err := fn(m.upstreams[activeIdx].node)
	if err == nil || !isTransportError(err) {
		return err
	}
	m.recordFailure(activeIdx)

	for i, u := range m.upstreams {
		if i == activeIdx || !u.isHealthy() {
			continue
		}

		util.Infof("Failover: trying upstream %s", u.name)
		if ferr := fn(u.node); ferr == nil || !isTransportError(ferr) {
			atomic.StoreInt32(&m.activeIdx, int32(i))
			util.Infof("Failover successful: now using %s", u.name)
			return ferr
		}
		m.recordFailure(i)
	}
	return err
}

func isTransportError(err error) bool {
	var rpcErr *Error
	var verr *chain.VerifyError
	return !errors.As(err, &rpcErr) && !errors.As(err, &verr) && !errors.Is(err, context.Canceled)
}

func (m *UpstreamManager) Tip(ctx context.Context) (entry *chain.Entry, err error) {
	err = m.call(func(n *NodeClient) error {
		entry, err = n.Tip(ctx)
		return err
	})
	return entry, err
}

func (m *UpstreamManager) HashAtHeight(ctx context.Context, height uint32) (hash chainhash.Hash, err error) {
	err = m.call(func(n *NodeClient) error {
		hash, err = n.HashAtHeight(ctx, height)
		return err
	})
	return hash, err
}

func (m *UpstreamManager) Template(ctx context.Context) (tpl *chain.Template, err error) {
	err = m.call(func(n *NodeClient) error {
		tpl, err = n.Template(ctx)
		return err
	})
	return tpl, err
}

func (m *UpstreamManager) AddBlock(ctx context.Context, block *wire.MsgBlock) (entry *chain.Entry, err error) {
	err = m.call(func(n *NodeClient) error {
		entry, err = n.AddBlock(ctx, block)
		return err
	})
	return entry, err
}

// Broadcast submits block to every healthy upstream except the active one,
// which receives it through AddBlock
func (m *UpstreamManager) Broadcast(ctx context.Context, block *wire.MsgBlock) error {
	active := m.active()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, u := range m.upstreams {
		if u == active || !u.isHealthy() {
			continue
		}
		wg.Add(1)
		go func(u *Upstream) {
			defer wg.Done()
			if err := u.node.Broadcast(ctx, block); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(u)
	}
	wg.Wait()

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (m *UpstreamManager) Synced(ctx context.Context) (synced bool, err error) {
	err = m.call(func(n *NodeClient) error {
		synced, err = n.Synced(ctx)
		return err
	})
	return synced, err
}

func (m *UpstreamManager) NetworkHashrate(ctx context.Context) (hashrate float64, err error) {
	err = m.call(func(n *NodeClient) error {
		hashrate, err = n.NetworkHashrate(ctx)
		return err
	})
	return hashrate, err
}
