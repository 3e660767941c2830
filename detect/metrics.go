package detect

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sigmaDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tezrec_sigma_dropped_records_total",
		Help: "Log records dropped because the detection queue was full",
	})

	sigmaMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tezrec_sigma_matches_total",
		Help: "Sigma rule matches, by rule title",
	}, []string{"rule"})
)
