// Package metrics holds the Prometheus collectors exported by ofassay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ofassay"

var (
	// FlowInstalls counts FLOW_MOD add messages sent to devices
	FlowInstalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flow_installs_total",
		Help:      "Number of flow install messages sent to devices.",
	}, []string{"table"})

	// FlowUninstalls counts FLOW_MOD delete messages sent to devices
	FlowUninstalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flow_uninstalls_total",
		Help:      "Number of flow delete messages sent to devices.",
	}, []string{"table"})

	// FlowErrors counts flow messages that could not be encoded or delivered
	FlowErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flow_errors_total",
		Help:      "Number of flow messages that could not be encoded or delivered.",
	})

	// DNSAnswers counts A records learned from observed DNS responses
	DNSAnswers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dns_answers_total",
		Help:      "Number of address records learned from DNS responses.",
	})

	// EntriesExpired counts classification entries whose TTL passed
	EntriesExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "classification_entries_expired_total",
		Help:      "Number of classification entries whose TTL expired.",
	})

	// Entries is the number of classification entries held, expired entries
	// included until they are swept
	Entries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "classification_entries",
		Help:      "Number of classification entries held.",
	})

	// Predicates is the number of registered predicates
	Predicates = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "predicates",
		Help:      "Number of registered predicates.",
	})

	// Commits counts aggregator commits that changed the optimized rule set
	Commits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "aggregator_commits_total",
		Help:      "Number of aggregator commits that changed the optimized rule set.",
	})
)

func init() {
	prometheus.MustRegister(
		FlowInstalls,
		FlowUninstalls,
		FlowErrors,
		DNSAnswers,
		EntriesExpired,
		Entries,
		Predicates,
		Commits,
	)
}
