package demux

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsByType = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tezrec_events_total",
		Help: "Captured syscall events processed, by type",
	}, []string{"type"})

	unknownDataDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tezrec_unknown_data_drops_total",
		Help: "Data events for an unknown (pid, fd) pair",
	})

	decryptFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tezrec_decrypt_failures_total",
		Help: "Chunks that failed authenticated decryption",
	}, []string{"node"})

	seqGaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tezrec_event_sequence_gaps_total",
		Help: "Gaps observed in the agent event sequence",
	})
)
