// Package server exposes the query surface: per-node HTTP APIs, the
// legacy combined endpoint, the websocket firehose and syslog ingest.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tezrec/demux"
	"tezrec/store"
	"tezrec/types"
)

// API serves the v2/v3 endpoints for one node, or for every node at
// once when node is nil (the legacy combined view, which concatenates
// per-node results without a total order).
type API struct {
	log     *logrus.Entry
	reg     *demux.Registry
	node    *demux.Node
	hub     *Hub
	cache   *RecordCache
	version string
}

// NewAPI builds the handler set. A nil node selects the combined view.
func NewAPI(reg *demux.Registry, node *demux.Node, hub *Hub, cache *RecordCache, version string, log *logrus.Logger) *API {
	name := "all"
	if node != nil {
		name = node.Name
	}
	return &API{
		log:     log.WithField("component", "api").WithField("node", name),
		reg:     reg,
		node:    node,
		hub:     hub,
		cache:   cache,
		version: version,
	}
}

// Handler builds the route table.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/version", a.handleVersion)
	mux.HandleFunc("GET /v2/p2p", a.handleMessages)
	mux.HandleFunc("GET /v2/p2p/{id}", a.handleMessage)
	mux.Handle("GET /v2/p2p/ws", a.hub)
	mux.HandleFunc("GET /v2/log", a.handleLogs)
	mux.HandleFunc("GET /v3/connections", a.handleConnections)
	return withCORS(mux)
}

// withCORS lets browser frontends on other origins read the API.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, format string, args ...interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]string{"error": fmt.Sprintf(format, args...)})
}

func (a *API) serverError(w http.ResponseWriter, err error) {
	a.log.WithError(err).Error("query failed")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal error"})
}

func (a *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.version)
}

// selectNodes resolves which nodes a request addresses. The per-node
// API is pinned; the combined view takes an optional node_name filter.
func (a *API) selectNodes(r *http.Request) ([]*demux.Node, error) {
	if a.node != nil {
		return []*demux.Node{a.node}, nil
	}
	if name := r.URL.Query().Get("node_name"); name != "" {
		n, ok := a.reg.Node(name)
		if !ok {
			return nil, fmt.Errorf("unknown node %q", name)
		}
		return []*demux.Node{n}, nil
	}
	return a.reg.Nodes(), nil
}

func parseUint64(q string) (uint64, error) {
	return strconv.ParseUint(q, 10, 64)
}

// parseWindow reads from/to as unix seconds. timestamp is a legacy
// alias for to.
func parseWindow(r *http.Request) (from, to time.Time, err error) {
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		sec, perr := parseUint64(v)
		if perr != nil {
			return from, to, fmt.Errorf("bad from %q", v)
		}
		from = time.Unix(int64(sec), 0)
	}
	toParam := q.Get("to")
	if toParam == "" {
		toParam = q.Get("timestamp")
	}
	if toParam != "" {
		sec, perr := parseUint64(toParam)
		if perr != nil {
			return from, to, fmt.Errorf("bad to %q", toParam)
		}
		to = time.Unix(int64(sec), 0)
	}
	return from, to, nil
}

func parsePage(r *http.Request) (cursor uint64, limit int, err error) {
	q := r.URL.Query()
	if v := q.Get("cursor_id"); v == "" {
		v = q.Get("cursor")
		if v != "" {
			if cursor, err = parseUint64(v); err != nil {
				return 0, 0, fmt.Errorf("bad cursor %q", v)
			}
		}
	} else {
		if cursor, err = parseUint64(v); err != nil {
			return 0, 0, fmt.Errorf("bad cursor_id %q", v)
		}
	}
	if v := q.Get("limit"); v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil || n < 0 {
			return 0, 0, fmt.Errorf("bad limit %q", v)
		}
		limit = n
	}
	return cursor, limit, nil
}

func (a *API) handleMessages(w http.ResponseWriter, r *http.Request) {
	httpRequests.WithLabelValues("p2p").Inc()
	nodes, err := a.selectNodes(r)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}

	var mq store.MessageQuery
	if mq.Cursor, mq.Limit, err = parsePage(r); err != nil {
		badRequest(w, "%v", err)
		return
	}
	if mq.From, mq.To, err = parseWindow(r); err != nil {
		badRequest(w, "%v", err)
		return
	}
	q := r.URL.Query()
	mq.RemoteAddr = q.Get("remote_addr")
	switch src := q.Get("source_type"); src {
	case "":
	case "local", "remote":
		mq.Source = types.Sender(src)
	default:
		badRequest(w, "bad source_type %q", src)
		return
	}
	if v := q.Get("incoming"); v != "" {
		inc, perr := strconv.ParseBool(v)
		if perr != nil {
			badRequest(w, "bad incoming %q", v)
			return
		}
		mq.Incoming = &inc
	}
	if v := q.Get("types"); v != "" {
		for _, name := range strings.Split(v, ",") {
			k, perr := types.ParseMessageKind(strings.TrimSpace(name))
			if perr != nil {
				badRequest(w, "%v", perr)
				return
			}
			mq.Kinds = append(mq.Kinds, k)
		}
	}

	out := []types.BriefMessage{}
	for _, n := range nodes {
		briefs, qerr := n.Store().Messages(mq)
		if qerr != nil {
			a.serverError(w, qerr)
			return
		}
		out = append(out, briefs...)
	}
	writeJSON(w, out)
}

func (a *API) handleMessage(w http.ResponseWriter, r *http.Request) {
	httpRequests.WithLabelValues("p2p_detail").Inc()
	id, err := parseUint64(r.PathValue("id"))
	if err != nil {
		badRequest(w, "bad message id %q", r.PathValue("id"))
		return
	}
	nodes, err := a.selectNodes(r)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	// Detail ids are per-node, so the combined view needs the node
	// named unless only one exists.
	if len(nodes) != 1 {
		badRequest(w, "node_name required")
		return
	}
	n := nodes[0]

	if rec, ok := a.cache.Get(n.Name, id); ok {
		writeJSON(w, rec)
		return
	}
	rec, err := n.Store().GetMessage(id)
	if err == store.ErrNotFound {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
		return
	}
	if err != nil {
		a.serverError(w, err)
		return
	}
	a.cache.Set(n.Name, id, rec)
	writeJSON(w, rec)
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	httpRequests.WithLabelValues("log").Inc()
	nodes, err := a.selectNodes(r)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}

	var lq store.LogQuery
	if lq.Cursor, lq.Limit, err = parsePage(r); err != nil {
		badRequest(w, "%v", err)
		return
	}
	if lq.From, lq.To, err = parseWindow(r); err != nil {
		badRequest(w, "%v", err)
		return
	}
	q := r.URL.Query()
	lq.Query = q.Get("query")
	if v := q.Get("log_level"); v != "" {
		for _, name := range strings.Split(v, ",") {
			lv, perr := types.ParseLogLevel(name)
			if perr != nil {
				badRequest(w, "%v", perr)
				return
			}
			lq.Levels |= lv
		}
	}

	out := []types.LogRecord{}
	for _, n := range nodes {
		recs, qerr := n.Store().Logs(lq)
		if qerr != nil {
			a.serverError(w, qerr)
			return
		}
		out = append(out, recs...)
	}
	writeJSON(w, out)
}

func (a *API) handleConnections(w http.ResponseWriter, r *http.Request) {
	httpRequests.WithLabelValues("connections").Inc()
	nodes, err := a.selectNodes(r)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	var cq store.ConnQuery
	if cq.Cursor, cq.Limit, err = parsePage(r); err != nil {
		badRequest(w, "%v", err)
		return
	}

	out := []types.ConnectionRecord{}
	for _, n := range nodes {
		recs, qerr := n.Store().Connections(cq)
		if qerr != nil {
			a.serverError(w, qerr)
			return
		}
		out = append(out, recs...)
	}
	writeJSON(w, out)
}
