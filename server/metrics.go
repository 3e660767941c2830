package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tezrec_http_requests_total",
		Help: "API requests served, by endpoint",
	}, []string{"endpoint"})

	syslogRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tezrec_syslog_records_total",
		Help: "Log records ingested over syslog, by node",
	}, []string{"node"})

	syslogParseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tezrec_syslog_parse_failures_total",
		Help: "Syslog datagrams that fell back to raw-line parsing",
	}, []string{"node"})
)
