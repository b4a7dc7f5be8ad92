// Package pool implements the pool coordinator: it owns the job ring,
// dispatches stratum requests, reacts to chain events and commits found
// blocks to the ledger.
package pool

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/remeh/sizedwaitgroup"

	"github.com/tos-network/stratum-pool/internal/chain"
	"github.com/tos-network/stratum-pool/internal/config"
	"github.com/tos-network/stratum-pool/internal/job"
	"github.com/tos-network/stratum-pool/internal/ledger"
	"github.com/tos-network/stratum-pool/internal/metrics"
	"github.com/tos-network/stratum-pool/internal/newrelic"
	"github.com/tos-network/stratum-pool/internal/notify"
	"github.com/tos-network/stratum-pool/internal/policy"
	"github.com/tos-network/stratum-pool/internal/stats"
	"github.com/tos-network/stratum-pool/internal/storage"
	"github.com/tos-network/stratum-pool/internal/stratum"
	"github.com/tos-network/stratum-pool/internal/util"
)

const (
	// ActiveTime is the minimum gap between template refreshes caused by
	// new transactions
	ActiveTime = 60 * time.Second
	// KeepAliveInterval is how often subscribed sessions get a no-op
	// subscribe response
	KeepAliveInterval = 60 * time.Second
	// JobTimeout forces a template refresh after this long without one
	JobTimeout = time.Hour
	// SubmitWindow bounds submission timestamps around server time
	SubmitWindow = 2 * time.Hour
	// HashrateWindow is the rolling window of accepted shares kept in Redis
	HashrateWindow = 10 * time.Minute
	// AdminUser is the ledger user holding the pool password
	AdminUser = "admin"

	jobCheckInterval = time.Minute
	notifyWorkers    = 64
)

// Options are the coordinator's collaborators. Redis, Notifier, Agent and
// Feed are optional.
type Options struct {
	Config   *config.Config
	Params   *chaincfg.Params
	Node     chain.Node
	Bus      *chain.Bus
	Store    *ledger.Store
	Stats    *stats.Stats
	Policy   *policy.PolicyServer
	Redis    *storage.RedisClient
	Notifier *notify.Notifier
	Agent    *newrelic.Agent
	Feed     *stats.Feed
}

// Coordinator is the stratum pool
type Coordinator struct {
	cfg      *config.Config
	params   *chaincfg.Params
	node     chain.Node
	bus      *chain.Bus
	store    *ledger.Store
	stats    *stats.Stats
	policy   *policy.PolicyServer
	redis    *storage.RedisClient
	notifier *notify.Notifier
	agent    *newrelic.Agent
	feed     *stats.Feed

	servers []*stratum.Server
	seq     atomic.Uint64
	sids    atomic.Uint32
	shares  atomic.Uint64
	ids     *job.IDSource

	payout    []byte
	adminHash [32]byte

	// packetMu serializes request handling, eventMu chain events
	packetMu sync.Mutex
	eventMu  sync.Mutex

	jobMu      sync.Mutex
	jobs       *job.Ring
	current    *job.Job
	subscribed bool
	lastActive time.Time

	keepAliveMu sync.Mutex
	keepAlives  map[uint64]context.CancelFunc

	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator. Listeners are created for every configured
// port but not started.
func New(opts Options) (*Coordinator, error) {
	cfg := opts.Config
	payout, err := chain.ScriptForAddress(cfg.Pool.RewardsAddress, opts.Params)
	if err != nil {
		return nil, fmt.Errorf("pool rewards address: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	c := &Coordinator{
		cfg:        cfg,
		params:     opts.Params,
		node:       opts.Node,
		bus:        opts.Bus,
		store:      opts.Store,
		stats:      opts.Stats,
		policy:     opts.Policy,
		redis:      opts.Redis,
		notifier:   opts.Notifier,
		agent:      opts.Agent,
		feed:       opts.Feed,
		ids:        job.NewIDSource(now),
		payout:     payout,
		adminHash:  ledger.HashPassword(cfg.Pool.Password),
		jobs:       job.NewRing(job.DefaultCapacity),
		lastActive: now,
		keepAlives: make(map[uint64]context.CancelFunc),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
	c.sids.Store(uint32(now.UnixNano()))

	ports := cfg.Pool.Ports
	if len(ports) == 0 {
		ports = []config.PortConfig{config.DefaultPort()}
	}
	for _, p := range ports {
		settings := stratum.PortSettings{
			Port:        p.Port,
			Difficulty:  p.Difficulty,
			Dynamic:     p.Dynamic,
			MaxInbound:  p.MaxInbound,
			ProxyHeader: cfg.Pool.ProxyProtocol,
		}
		c.servers = append(c.servers, stratum.NewServer(cfg.Pool.Host, cfg.Pool.PublicHost, settings, c, &c.seq))
	}
	return c, nil
}

// Start ensures the admin user exists, subscribes to chain events and
// starts every listener
func (c *Coordinator) Start() error {
	util.Infof("Starting stratum pool %s...", c.cfg.Pool.Name)

	if !c.store.HasUser(AdminUser) {
		if err := c.store.AddUser(ledger.NewUser(AdminUser, c.cfg.Pool.Password)); err != nil {
			return fmt.Errorf("create admin user: %w", err)
		}
		util.Infof("Created %s user.", AdminUser)
	}

	if c.bus != nil {
		c.bus.Subscribe(c.handleEvent)
	}

	for i, srv := range c.servers {
		if err := srv.Start(); err != nil {
			for _, started := range c.servers[:i] {
				started.Stop()
			}
			return err
		}
	}

	c.wg.Add(1)
	go c.jobTimeoutLoop()

	util.Infof("Stratum pool started on %d port(s)", len(c.servers))
	return nil
}

// Stop closes every listener and session
func (c *Coordinator) Stop() {
	util.Info("Stopping stratum pool...")
	c.cancel()
	for _, srv := range c.servers {
		srv.Stop()
	}
	c.wg.Wait()
	util.Info("Stratum pool stopped")
}

// Servers returns the listeners in configuration order
func (c *Coordinator) Servers() []*stratum.Server {
	return c.servers
}

func (c *Coordinator) handleEvent(ctx context.Context, ev chain.Event) {
	switch ev.Kind {
	case chain.EventConnect:
		c.handleBlock(ctx)
	case chain.EventTransaction:
		c.handleTX(ctx)
	}
}

// handleBlock drops the current job when the tip moves
func (c *Coordinator) handleBlock(ctx context.Context) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	c.jobMu.Lock()
	c.lastActive = c.now()
	if !c.subscribed {
		c.jobMu.Unlock()
		return
	}
	c.current = nil
	c.jobMu.Unlock()

	c.notifyAll(ctx, true)
}

// handleTX refreshes the template at most once per ActiveTime
func (c *Coordinator) handleTX(ctx context.Context) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	now := c.now()

	c.jobMu.Lock()
	if !c.subscribed {
		c.lastActive = now
		c.jobMu.Unlock()
		return
	}
	if now.Before(c.lastActive.Add(ActiveTime)) {
		c.jobMu.Unlock()
		return
	}
	c.current = nil
	c.lastActive = now
	c.jobMu.Unlock()

	c.notifyAll(ctx, false)
}

// handleTimeout refreshes a job nobody has replaced for JobTimeout
func (c *Coordinator) handleTimeout(ctx context.Context) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	now := c.now()

	c.jobMu.Lock()
	if now.Before(c.lastActive.Add(JobTimeout)) {
		c.jobMu.Unlock()
		return
	}
	c.current = nil
	c.lastActive = now
	c.jobMu.Unlock()

	util.Debugf("Job timed out, refreshing.")
	c.notifyAll(ctx, false)
}

func (c *Coordinator) jobTimeoutLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(jobCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.handleTimeout(c.ctx)
			c.reportStats()
		}
	}
}

// getJob returns the current job, building one from a fresh template when
// there is none
func (c *Coordinator) getJob(ctx context.Context) (*job.Job, error) {
	c.jobMu.Lock()
	defer c.jobMu.Unlock()

	if c.current != nil {
		return c.current, nil
	}

	tpl, err := c.node.Template(ctx)
	if err != nil {
		return nil, fmt.Errorf("get block template: %w", err)
	}
	attempt, err := chain.NewTemplateAttempt(tpl, c.payout, c.cfg.Pool.CoinbaseTag)
	if err != nil {
		return nil, fmt.Errorf("build template attempt: %w", err)
	}

	j := job.New(c.ids.Next(), attempt)
	if evicted := c.jobs.Push(j); evicted != nil {
		util.Debugf("Evicted job %s (height=%d).", evicted.ID, evicted.Height())
	}
	c.current = j

	util.Debugf("New job %s at height %d, difficulty %.4f, %d txs.",
		j.ID, j.Height(), j.Difficulty, len(attempt.TxIDs()))
	return j, nil
}

// lookupJob returns the job with id and the current job
func (c *Coordinator) lookupJob(id string) (*job.Job, *job.Job) {
	c.jobMu.Lock()
	defer c.jobMu.Unlock()
	return c.jobs.Get(id), c.current
}

// markSubscribed records the first subscriber; until then chain events only
// advance lastActive
func (c *Coordinator) markSubscribed() {
	c.jobMu.Lock()
	c.subscribed = true
	c.jobMu.Unlock()
}

// notifyAll sends the current job to every subscribed session
func (c *Coordinator) notifyAll(ctx context.Context, clean bool) {
	j, err := c.getJob(ctx)
	if err != nil {
		util.Errorf("Failed to create job: %v", err)
		return
	}

	if err := c.stats.RefreshNetwork(ctx, c.node, j.Attempt.CoinbaseValue); err != nil {
		util.Warnf("Failed to refresh network stats: %v", err)
	} else {
		network := c.stats.Network()
		metrics.RecordHeight(network.Height)
		c.agent.UpdateNetworkMetrics(network.Height, network.Difficulty, network.Hashrate)
		c.feed.Publish(stats.EventBlock, network)
	}

	util.Infof("Broadcasting job %s (height=%d, clean=%v).", j.ID, j.Height(), clean)
	c.broadcast(j, clean)
}

func (c *Coordinator) broadcast(j *job.Job, clean bool) {
	swg := sizedwaitgroup.New(notifyWorkers)
	for _, srv := range c.servers {
		for _, s := range srv.Sessions() {
			if _, ok := s.SID(); !ok || s.Destroyed() {
				continue
			}
			swg.Add()
			go func(s *stratum.Session) {
				defer swg.Done()
				s.SendJob(j, clean)
			}(s)
		}
	}
	swg.Wait()
}

// nextSID returns a fresh subscription id
func (c *Coordinator) nextSID() uint32 {
	return c.sids.Add(1)
}

func (c *Coordinator) startKeepAlive(s *stratum.Session, req *stratum.Request, result interface{}) {
	ctx, cancel := context.WithCancel(s.Context())

	c.keepAliveMu.Lock()
	if prev, ok := c.keepAlives[s.ID]; ok {
		prev()
	}
	c.keepAlives[s.ID] = cancel
	c.keepAliveMu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(KeepAliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				s.SendResponse(req, result)
			}
		}
	}()
}

func (c *Coordinator) stopKeepAlive(s *stratum.Session) {
	c.keepAliveMu.Lock()
	cancel, ok := c.keepAlives[s.ID]
	delete(c.keepAlives, s.ID)
	c.keepAliveMu.Unlock()
	if ok {
		cancel()
	}
}

func portLabel(s *stratum.Session) string {
	return strconv.Itoa(s.Port().Port)
}
