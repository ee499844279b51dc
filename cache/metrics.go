package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// storeErrors tracks failed storage operations
	storeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appcache_store_errors_total",
			Help: "Total number of failed storage operations",
		},
		[]string{"operation"}, // "open", "get", "put", "purge", "delete"
	)

	// responsesStored tracks responses written to a store
	responsesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "appcache_responses_stored_total",
			Help: "Total number of responses written to a store",
		},
	)
)
