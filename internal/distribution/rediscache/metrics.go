package rediscache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheLookups = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "distributor",
		Subsystem: "ruleset_cache",
		Name:      "lookups_total",
		Help:      "Rule set cache lookups by result (hit, miss, error)",
	},
	[]string{"result"},
)

func recordLookup(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}
