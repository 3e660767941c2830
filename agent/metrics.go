package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var agentDroppedData = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tezrec_agent_dropped_data_events_total",
	Help: "Data events discarded because the consumer socket queue was full",
})
