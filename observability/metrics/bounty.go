package metrics

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BountyMetrics tracks ledger operations executed by the bounty engine.
type BountyMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	settled    *prometheus.CounterVec
	deposited  *prometheus.CounterVec
}

// ScorerMetrics tracks arbiter trust scoring outcomes.
type ScorerMetrics struct {
	outcomes *prometheus.CounterVec
	scores   prometheus.Histogram
}

var (
	bountyOnce     sync.Once
	bountyRegistry *BountyMetrics

	scorerOnce     sync.Once
	scorerRegistry *ScorerMetrics
)

// Bounty returns the lazily registered bounty engine collectors.
func Bounty() *BountyMetrics {
	bountyOnce.Do(func() {
		bountyRegistry = &BountyMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bounty_operations_total",
				Help: "Count of bounty ledger operations by operation and outcome.",
			}, []string{"op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "bounty_operation_duration_seconds",
				Help:    "Latency of bounty ledger operations including lock wait.",
				Buckets: prometheus.DefBuckets,
			}, []string{"op"}),
			settled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bounty_settled_volume_total",
				Help: "Fungible volume released to payees by variant and asset.",
			}, []string{"variant", "asset"}),
			deposited: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bounty_deposited_volume_total",
				Help: "Fungible volume credited to bounty escrow by asset.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(
			bountyRegistry.operations,
			bountyRegistry.latency,
			bountyRegistry.settled,
			bountyRegistry.deposited,
		)
	})
	return bountyRegistry
}

// ObserveOperation records the outcome and latency of one engine call.
// reason is a stable error label or empty on success.
func (m *BountyMetrics) ObserveOperation(op, reason string, d time.Duration) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if reason != "" {
		outcome = reason
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(d.Seconds())
}

// AddSettled accumulates a payout.
func (m *BountyMetrics) AddSettled(variant, asset string, amount *big.Int) {
	if m == nil {
		return
	}
	if variant == "" {
		variant = "unknown"
	}
	m.settled.WithLabelValues(variant, labelAsset(asset)).Add(bigToFloat(amount))
}

// AddDeposited accumulates a received deposit.
func (m *BountyMetrics) AddDeposited(asset string, amount *big.Int) {
	if m == nil {
		return
	}
	m.deposited.WithLabelValues(labelAsset(asset)).Add(bigToFloat(amount))
}

// Scorer returns the lazily registered scorer collectors.
func Scorer() *ScorerMetrics {
	scorerOnce.Do(func() {
		scorerRegistry = &ScorerMetrics{
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bounty_scorer_outcomes_total",
				Help: "Arbiter trust scorer results by outcome.",
			}, []string{"outcome"}),
			scores: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "bounty_scorer_score",
				Help:    "Distribution of computed trust scores.",
				Buckets: prometheus.LinearBuckets(0, 10, 11),
			}),
		}
		prometheus.MustRegister(scorerRegistry.outcomes, scorerRegistry.scores)
	})
	return scorerRegistry
}

// ObserveScore records an accepted score.
func (m *ScorerMetrics) ObserveScore(score int) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues("scored").Inc()
	m.scores.Observe(float64(score))
}

// ObserveRejection records a short-circuit or threshold rejection.
func (m *ScorerMetrics) ObserveRejection(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.outcomes.WithLabelValues(reason).Inc()
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToLower(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
