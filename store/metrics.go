package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tezrec_store_drops_total",
		Help: "Records dropped after exhausting write retries",
	}, []string{"node"})

	retentionEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tezrec_store_retention_evictions_total",
		Help: "Primary rows deleted by size-cap retention",
	}, []string{"node"})
)
