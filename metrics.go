package appcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requests tracks intercepted requests by Cache-Status outcome
	requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appcache_requests_total",
			Help: "Total number of requests by cache outcome",
		},
		[]string{"outcome"}, // "hit", "uri-miss", "request", "miss", "method", "bypass"
	)

	// installs tracks worker installs
	installs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appcache_installs_total",
			Help: "Total number of worker installs",
		},
		[]string{"result"}, // "installed", "failed"
	)

	// installAssets tracks manifest assets fetched during install
	installAssets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appcache_install_assets_total",
			Help: "Total number of manifest assets fetched at install",
		},
		[]string{"result"}, // "cached", "failed"
	)

	// storesDeleted tracks stores removed by activation sweeps
	storesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "appcache_stores_deleted_total",
			Help: "Total number of old stores deleted on activation",
		},
	)
)
