package ecash

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type walletMetrics struct {
	quotePolls   *prometheus.CounterVec
	sendChecks   *prometheus.CounterVec
	recomputes   prometheus.Counter
	saveFailures prometheus.Counter
	pendingSends prometheus.Gauge
	balanceTotal prometheus.Gauge
}

var (
	metricsOnce     sync.Once
	metricsRegistry *walletMetrics
)

func metrics() *walletMetrics {
	metricsOnce.Do(func() {
		metricsRegistry = &walletMetrics{
			quotePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ecash_quote_polls_total",
				Help: "Pending quote polls by outcome.",
			}, []string{"outcome"}),
			sendChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ecash_send_checks_total",
				Help: "Pending send spent-state checks by outcome.",
			}, []string{"outcome"}),
			recomputes: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ecash_balance_recomputes_total",
				Help: "Balance snapshot recomputations.",
			}),
			saveFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ecash_proof_save_failures_total",
				Help: "Failed proof store writes.",
			}),
			pendingSends: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "ecash_pending_sends",
				Help: "Outstanding tokens not yet claimed.",
			}),
			balanceTotal: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "ecash_balance_sats",
				Help: "Total balance of the last snapshot in sats.",
			}),
		}
		prometheus.MustRegister(
			metricsRegistry.quotePolls,
			metricsRegistry.sendChecks,
			metricsRegistry.recomputes,
			metricsRegistry.saveFailures,
			metricsRegistry.pendingSends,
			metricsRegistry.balanceTotal,
		)
	})

	return metricsRegistry
}

func savesFailed() prometheus.Counter {
	return metrics().saveFailures
}
