// Package newrelic provides New Relic APM integration for monitoring.
package newrelic

import (
	"context"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/tos-network/stratum-pool/internal/config"
	"github.com/tos-network/stratum-pool/internal/util"
)

// Agent wraps New Relic APM functionality. A nil or unstarted Agent is a
// no-op.
type Agent struct {
	cfg *config.NewRelicConfig
	app *newrelic.Application
	mu  sync.RWMutex
}

// NewAgent creates a new New Relic agent
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{
		cfg: cfg,
	}
}

// Start initializes the New Relic agent
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warnf("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
	)
	if err != nil {
		return err
	}

	// Wait for connection (up to 5 seconds)
	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent
func (a *Agent) Stop() {
	app := a.application()
	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

func (a *Agent) application() *newrelic.Application {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// Application returns the underlying New Relic application (for middleware)
func (a *Agent) Application() *newrelic.Application {
	return a.application()
}

// IsEnabled returns true if New Relic is enabled and connected
func (a *Agent) IsEnabled() bool {
	return a.application() != nil
}

// StartTransaction starts a new New Relic transaction
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	app := a.application()
	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// Track runs fn inside a transaction called name and records its error
func (a *Agent) Track(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	txn := a.StartTransaction(name)
	if txn == nil {
		return fn(ctx)
	}
	defer txn.End()

	err := fn(newrelic.NewContext(ctx, txn))
	if err != nil {
		txn.NoticeError(err)
	}
	return err
}

// RecordCustomEvent records a custom event
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	if app := a.application(); app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric
func (a *Agent) RecordCustomMetric(name string, value float64) {
	if app := a.application(); app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// RecordBlockFound records a block found event
func (a *Agent) RecordBlockFound(height uint32, hash, finder string, reward int64) {
	a.RecordCustomEvent("BlockFound", map[string]interface{}{
		"height": height,
		"hash":   hash,
		"finder": finder,
		"reward": reward,
	})
}

// RecordBlockRejected records a found block the node did not connect
func (a *Agent) RecordBlockRejected(height uint32, finder, reason string) {
	a.RecordCustomEvent("BlockRejected", map[string]interface{}{
		"height": height,
		"finder": finder,
		"reason": reason,
	})
}

// RecordPayout records one payout transaction
func (a *Agent) RecordPayout(txHash string, total uint64, miners uint32) {
	a.RecordCustomEvent("Payout", map[string]interface{}{
		"txHash": txHash,
		"total":  total,
		"miners": miners,
	})
}

// UpdatePoolMetrics updates pool-wide metrics
func (a *Agent) UpdatePoolMetrics(hashrate float64, sessions, contributors int) {
	a.RecordCustomMetric("Custom/Pool/Hashrate", hashrate)
	a.RecordCustomMetric("Custom/Pool/Sessions", float64(sessions))
	a.RecordCustomMetric("Custom/Pool/Contributors", float64(contributors))
}

// UpdateNetworkMetrics updates network metrics
func (a *Agent) UpdateNetworkMetrics(height uint32, difficulty, hashrate float64) {
	a.RecordCustomMetric("Custom/Network/Height", float64(height))
	a.RecordCustomMetric("Custom/Network/Difficulty", difficulty)
	a.RecordCustomMetric("Custom/Network/Hashrate", hashrate)
}
