package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"tezrec/config"
	"tezrec/demux"
)

const (
	recordCacheBytes = 64 << 20
	shutdownGrace    = 5 * time.Second
)

// Server runs every listener of the query surface: one HTTP server per
// configured node port, the legacy combined server on rpc_port, and
// the per-node syslog ingest sockets.
type Server struct {
	log   *logrus.Entry
	hub   *Hub
	cache *RecordCache

	httpSrvs []*http.Server
	syslogs  []*SyslogListener
}

// New wires the query surface over the registry. It runs before the
// registry is started, since it sets each node's message observer;
// message briefs then flow into the websocket hub from every node.
func New(cfg *config.Config, reg *demux.Registry, version string, log *logrus.Logger) (*Server, error) {
	cache, err := NewRecordCache(recordCacheBytes)
	if err != nil {
		return nil, fmt.Errorf("record cache: %w", err)
	}
	s := &Server{
		log:   log.WithField("component", "server"),
		hub:   NewHub(log),
		cache: cache,
	}

	for _, n := range reg.Nodes() {
		n.OnMessage(s.hub.Broadcast)
		handler := NewAPI(reg, n, s.hub, cache, version, log).Handler()
		nc, _ := cfg.NodeByName(n.Name)
		for _, port := range []uint16{nc.HTTPV2, nc.HTTPV3} {
			if port == 0 {
				continue
			}
			s.httpSrvs = append(s.httpSrvs, &http.Server{
				Addr:    fmt.Sprintf(":%d", port),
				Handler: handler,
			})
		}
		if nc.Log.Port != 0 {
			sl, err := NewSyslogListener(n, nc.Log.Port, log)
			if err != nil {
				s.closeAll()
				return nil, err
			}
			s.syslogs = append(s.syslogs, sl)
		}
	}

	if cfg.RPCPort != 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/", NewAPI(reg, nil, s.hub, cache, version, log).Handler())
		s.httpSrvs = append(s.httpSrvs, &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.RPCPort),
			Handler: mux,
		})
	}
	return s, nil
}

// Run serves until the context ends or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, len(s.httpSrvs))
	for _, srv := range s.httpSrvs {
		srv := srv
		s.log.WithField("addr", srv.Addr).Info("http listener up")
		go func() {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http %s: %w", srv.Addr, err)
			}
		}()
	}
	for _, sl := range s.syslogs {
		go sl.Run()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	s.closeAll()
	return err
}

func (s *Server) closeAll() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	for _, srv := range s.httpSrvs {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.WithError(err).WithField("addr", srv.Addr).Warn("http shutdown forced")
			srv.Close()
		}
	}
	for _, sl := range s.syslogs {
		sl.Close()
	}
	s.hub.Close()
	s.cache.Close()
}
