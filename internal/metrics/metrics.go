// Package metrics exposes pool counters and gauges to Prometheus.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Share status labels
const (
	ShareValid     = "valid"
	ShareHighHash  = "high-hash"
	ShareDuplicate = "duplicate"
	ShareStale     = "stale"
	ShareInvalid   = "invalid"
)

var enabled atomic.Bool

// All metrics are no-ops until Enable is called
var (
	sessionsActive   *prometheus.GaugeVec
	connectionsTotal *prometheus.CounterVec
	sharesTotal      *prometheus.CounterVec
	blocksTotal      *prometheus.CounterVec
	bansTotal        prometheus.Counter
	settlementRuns   *prometheus.CounterVec
	payoutsTotal     prometheus.Counter
	payoutAmount     prometheus.Counter
	poolHashrate     prometheus.Gauge
	networkHeight    prometheus.Gauge
)

func init() {
	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stratum_pool_sessions_active",
			Help: "Number of connected miner sessions",
		},
		[]string{"port"},
	)

	connectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratum_pool_connections_total",
			Help: "Total number of miner connections accepted",
		},
		[]string{"port"},
	)

	sharesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratum_pool_shares_total",
			Help: "Total number of shares submitted",
		},
		[]string{"status"}, // valid, high-hash, duplicate, stale, invalid
	)

	blocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratum_pool_blocks_total",
			Help: "Blocks submitted to the node by result",
		},
		[]string{"result"},
	)

	bansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_pool_bans_total",
			Help: "Total number of hosts banned",
		},
	)

	settlementRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratum_pool_settlement_runs_total",
			Help: "Settlement passes by stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	payoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_pool_payouts_total",
			Help: "Total number of payout transactions sent",
		},
	)

	payoutAmount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_pool_payout_amount_total",
			Help: "Total amount paid out in base units",
		},
	)

	poolHashrate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stratum_pool_hashrate",
			Help: "Pool hashrate in H/s derived from accepted shares",
		},
	)

	networkHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stratum_pool_network_height",
			Help: "Height of the node's best block",
		},
	)

	prometheus.MustRegister(
		sessionsActive,
		connectionsTotal,
		sharesTotal,
		blocksTotal,
		bansTotal,
		settlementRuns,
		payoutsTotal,
		payoutAmount,
		poolHashrate,
		networkHeight,
	)
}

// Enable turns recording on
func Enable() {
	enabled.Store(true)
}

func Enabled() bool {
	return enabled.Load()
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordConnection counts an accepted session on port
func RecordConnection(port string) {
	if !enabled.Load() {
		return
	}
	connectionsTotal.WithLabelValues(port).Inc()
	sessionsActive.WithLabelValues(port).Inc()
}

// RecordDisconnect decrements the active sessions on port
func RecordDisconnect(port string) {
	if !enabled.Load() {
		return
	}
	sessionsActive.WithLabelValues(port).Dec()
}

// RecordShare records a submission outcome
// status should be one of the Share* labels
func RecordShare(status string) {
	if !enabled.Load() {
		return
	}
	sharesTotal.WithLabelValues(status).Inc()
}

// RecordBlock records the node's verdict on a found block, "accepted" or
// the reject reason
func RecordBlock(result string) {
	if !enabled.Load() {
		return
	}
	blocksTotal.WithLabelValues(result).Inc()
}

func RecordBan() {
	if !enabled.Load() {
		return
	}
	bansTotal.Inc()
}

// RecordSettlement counts one settlement stage run
func RecordSettlement(stage string, err error) {
	if !enabled.Load() {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	settlementRuns.WithLabelValues(stage, outcome).Inc()
}

// RecordPayout counts one payout transaction of amount base units
func RecordPayout(amount uint64) {
	if !enabled.Load() {
		return
	}
	payoutsTotal.Inc()
	payoutAmount.Add(float64(amount))
}

func RecordHashrate(hashrate float64) {
	if !enabled.Load() {
		return
	}
	poolHashrate.Set(hashrate)
}

func RecordHeight(height uint32) {
	if !enabled.Load() {
		return
	}
	networkHeight.Set(float64(height))
}
