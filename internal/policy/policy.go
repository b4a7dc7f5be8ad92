// Package policy keeps the host ban list and the login/connection policies
// applied at the stratum boundary.
package policy

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hako/durafmt"

	"github.com/tos-network/stratum-pool/internal/storage"
	"github.com/tos-network/stratum-pool/internal/util"
)

// Config holds policy configuration
type Config struct {
	BanTimeout      time.Duration // How long a banned host is refused
	ConnectionLimit int32         // Max new connections per host per reset interval, 0 disables
	ConnectionGrace time.Duration // No connection limit right after startup
	ResetInterval   time.Duration // How often expired bans and allowances are cleared
	RefreshInterval time.Duration // How often lists are reloaded from Redis
}

// DefaultConfig returns the default policy configuration
func DefaultConfig() *Config {
	return &Config{
		BanTimeout:      10 * time.Minute,
		ConnectionLimit: 0,
		ConnectionGrace: 5 * time.Minute,
		ResetInterval:   time.Minute,
		RefreshInterval: 5 * time.Minute,
	}
}

// PolicyServer manages bans and access lists
type PolicyServer struct {
	config *Config
	redis  *storage.RedisClient

	banMu sync.RWMutex
	bans  map[string]time.Time

	connMu sync.Mutex
	conns  map[string]int32

	listMu    sync.RWMutex
	blacklist map[string]struct{}
	whitelist map[string]struct{}

	startedAt time.Time

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewPolicyServer creates a new policy server. redis may be nil.
func NewPolicyServer(cfg *Config, redis *storage.RedisClient) *PolicyServer {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &PolicyServer{
		config:    cfg,
		redis:     redis,
		bans:      make(map[string]time.Time),
		conns:     make(map[string]int32),
		blacklist: make(map[string]struct{}),
		whitelist: make(map[string]struct{}),
		startedAt: time.Now(),
		quit:      make(chan struct{}),
	}
}

// Start restores persisted bans and begins the background loops
func (p *PolicyServer) Start() {
	util.Infof("Starting policy server...")

	p.restoreBans()
	p.refreshLists()

	p.wg.Add(1)
	go p.loop(p.config.ResetInterval, p.resetStats)

	if p.redis != nil {
		p.wg.Add(1)
		go p.loop(p.config.RefreshInterval, p.refreshLists)
	}
}

// Stop shuts down the policy server
func (p *PolicyServer) Stop() {
	close(p.quit)
	p.wg.Wait()
	util.Infof("Policy server stopped")
}

func (p *PolicyServer) loop(interval time.Duration, fn func()) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (p *PolicyServer) restoreBans() {
	if p.redis == nil {
		return
	}
	bans, err := p.redis.GetBans()
	if err != nil {
		util.Warnf("Failed to load bans: %v", err)
		return
	}

	p.banMu.Lock()
	for _, b := range bans {
		p.bans[b.Host] = b.Expires
	}
	p.banMu.Unlock()

	if len(bans) > 0 {
		util.Infof("Restored %d bans", len(bans))
	}
}

// resetStats drops expired bans and refills connection allowances
func (p *PolicyServer) resetStats() {
	now := time.Now()

	p.banMu.Lock()
	unbanned := 0
	for host, expires := range p.bans {
		if !now.Before(expires) {
			delete(p.bans, host)
			unbanned++
		}
	}
	p.banMu.Unlock()

	p.connMu.Lock()
	p.conns = make(map[string]int32)
	p.connMu.Unlock()

	if unbanned > 0 {
		util.Debugf("Policy reset: unbanned %d hosts", unbanned)
	}
}

// refreshLists reloads blacklist/whitelist from Redis
func (p *PolicyServer) refreshLists() {
	if p.redis == nil {
		return
	}

	if blacklist, err := p.redis.GetBlacklist(); err != nil {
		util.Warnf("Failed to load blacklist: %v", err)
	} else {
		p.listMu.Lock()
		p.blacklist = make(map[string]struct{}, len(blacklist))
		for _, name := range blacklist {
			p.blacklist[strings.ToLower(name)] = struct{}{}
		}
		p.listMu.Unlock()
	}

	if whitelist, err := p.redis.GetWhitelist(); err != nil {
		util.Warnf("Failed to load whitelist: %v", err)
	} else {
		p.listMu.Lock()
		p.whitelist = make(map[string]struct{}, len(whitelist))
		for _, host := range whitelist {
			p.whitelist[host] = struct{}{}
		}
		p.listMu.Unlock()
	}
}

// IsBanned checks if a host is currently banned
func (p *PolicyServer) IsBanned(host string) bool {
	p.banMu.RLock()
	expires, ok := p.bans[host]
	p.banMu.RUnlock()
	return ok && time.Now().Before(expires)
}

// Ban refuses host for the ban timeout. Whitelisted hosts are never banned.
// It reports whether a new ban was recorded.
func (p *PolicyServer) Ban(host string) bool {
	if p.IsWhitelisted(host) {
		util.Debugf("Host %s is whitelisted, not banning", host)
		return false
	}

	expires := time.Now().Add(p.config.BanTimeout)

	p.banMu.Lock()
	current, ok := p.bans[host]
	p.bans[host] = expires
	p.banMu.Unlock()

	if p.redis != nil {
		if err := p.redis.BanHost(host, expires); err != nil {
			util.Warnf("Failed to persist ban for %s: %v", host, err)
		}
	}

	if ok && time.Now().Before(current) {
		return false
	}
	util.Infof("Banned %s for %s", host, durafmt.Parse(p.config.BanTimeout).LimitFirstN(2))
	return true
}

// Unban lifts a ban
func (p *PolicyServer) Unban(host string) error {
	p.banMu.Lock()
	delete(p.bans, host)
	p.banMu.Unlock()

	if p.redis != nil {
		return p.redis.UnbanHost(host)
	}
	return nil
}

// Bans returns the active bans ordered by host
func (p *PolicyServer) Bans() []storage.Ban {
	now := time.Now()

	p.banMu.RLock()
	out := make([]storage.Ban, 0, len(p.bans))
	for host, expires := range p.bans {
		if now.Before(expires) {
			out = append(out, storage.Ban{Host: host, Expires: expires})
		}
	}
	p.banMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// ApplyConnectionLimit counts a new connection from host and reports
// whether it may proceed
func (p *PolicyServer) ApplyConnectionLimit(host string) bool {
	if p.config.ConnectionLimit <= 0 || p.IsWhitelisted(host) {
		return true
	}
	if time.Since(p.startedAt) < p.config.ConnectionGrace {
		return true
	}

	p.connMu.Lock()
	defer p.connMu.Unlock()

	p.conns[host]++
	return p.conns[host] <= p.config.ConnectionLimit
}

// ApplyLoginPolicy reports whether username may authorize
func (p *PolicyServer) ApplyLoginPolicy(username, host string) bool {
	if p.IsBlacklisted(username) {
		util.Warnf("Blacklisted user %s from %s", username, host)
		return false
	}
	return true
}

// IsWhitelisted checks if a host is whitelisted
func (p *PolicyServer) IsWhitelisted(host string) bool {
	p.listMu.RLock()
	defer p.listMu.RUnlock()
	_, ok := p.whitelist[host]
	return ok
}

// IsBlacklisted checks if a username is blacklisted
func (p *PolicyServer) IsBlacklisted(username string) bool {
	p.listMu.RLock()
	defer p.listMu.RUnlock()
	_, ok := p.blacklist[strings.ToLower(username)]
	return ok
}

// AddToBlacklist adds a username to the blacklist
func (p *PolicyServer) AddToBlacklist(username string) error {
	if p.redis != nil {
		if err := p.redis.AddToBlacklist(username); err != nil {
			return err
		}
	}

	p.listMu.Lock()
	p.blacklist[strings.ToLower(username)] = struct{}{}
	p.listMu.Unlock()
	return nil
}

// AddToWhitelist adds a host to the whitelist
func (p *PolicyServer) AddToWhitelist(host string) error {
	if p.redis != nil {
		if err := p.redis.AddToWhitelist(host); err != nil {
			return err
		}
	}

	p.listMu.Lock()
	p.whitelist[host] = struct{}{}
	p.listMu.Unlock()
	return nil
}
