package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"tezrec/config"
	"tezrec/demux"
	"tezrec/types"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func writeIdentity(t *testing.T, dir string) string {
	t.Helper()
	pub, sec, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	path := filepath.Join(dir, "identity.json")
	blob := []byte(`{
  "peer_id": "idtqeHUwA18FzAUdNK3nxaYV3Mzux6",
  "public_key": "` + hex.EncodeToString(pub[:]) + `",
  "secret_key": "` + hex.EncodeToString(sec[:]) + `"
}`)
	require.NoError(t, os.WriteFile(path, blob, 0o600))
	return path
}

func newTestRegistry(t *testing.T, names ...string) *demux.Registry {
	t.Helper()
	dir := t.TempDir()
	idPath := writeIdentity(t, dir)
	cfg := &config.Config{}
	for i, name := range names {
		cfg.Nodes = append(cfg.Nodes, config.Node{
			Name:     name,
			P2PPort:  uint16(9732 + i),
			DB:       filepath.Join(dir, name),
			Identity: config.IdentityRef{Path: idPath, Port: uint16(9732 + i)},
		})
	}
	reg, err := demux.NewRegistry(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, reg.Start(context.Background()))
	t.Cleanup(reg.Close)
	return reg
}

func seedMessages(t *testing.T, n *demux.Node, count int) {
	t.Helper()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < count; i++ {
		kind := types.KindCurrentHead
		if i%2 == 0 {
			kind = types.KindBootstrap
		}
		require.NoError(t, n.Store().PutMessage(&types.MessageRecord{
			ConnectionID: 1,
			Timestamp:    base.Add(time.Duration(i) * time.Second),
			RemoteAddr:   "192.0.2.1:9732",
			Incoming:     i%2 == 0,
			Sender:       types.SenderOf(i%2 == 0),
			Kind:         kind,
			Category:     kind.Category(),
			Preview:      string(kind),
			Plaintext:    []byte{0xab},
		}))
	}
}

func newTestServer(t *testing.T, reg *demux.Registry, node *demux.Node) *httptest.Server {
	t.Helper()
	cache, err := NewRecordCache(1 << 20)
	require.NoError(t, err)
	t.Cleanup(cache.Close)
	hub := NewHub(testLogger())
	t.Cleanup(hub.Close)
	srv := httptest.NewServer(NewAPI(reg, node, hub, cache, "1.6.9", testLogger()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestVersionEndpoint(t *testing.T) {
	reg := newTestRegistry(t, "node-a")
	srv := newTestServer(t, reg, reg.Nodes()[0])

	var version string
	resp := getJSON(t, srv.URL+"/v2/version", &version)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1.6.9", version)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMessagesEndpoint(t *testing.T) {
	reg := newTestRegistry(t, "node-a")
	node := reg.Nodes()[0]
	seedMessages(t, node, 10)
	srv := newTestServer(t, reg, node)

	var briefs []types.BriefMessage
	getJSON(t, srv.URL+"/v2/p2p", &briefs)
	require.Len(t, briefs, 10)
	assert.Equal(t, uint64(10), briefs[0].ID, "newest first")

	briefs = nil
	getJSON(t, srv.URL+"/v2/p2p?limit=3&cursor_id=5", &briefs)
	require.Len(t, briefs, 3)
	assert.Equal(t, uint64(5), briefs[0].ID)

	briefs = nil
	getJSON(t, srv.URL+"/v2/p2p?types=bootstrap", &briefs)
	require.Len(t, briefs, 5)
	for _, b := range briefs {
		assert.Equal(t, types.KindBootstrap, b.Kind)
	}

	briefs = nil
	getJSON(t, srv.URL+"/v2/p2p?source_type=local&incoming=false", &briefs)
	require.Len(t, briefs, 5)
}

func TestMessagesEndpointRejectsBadParams(t *testing.T) {
	reg := newTestRegistry(t, "node-a")
	srv := newTestServer(t, reg, reg.Nodes()[0])

	for _, q := range []string{
		"types=gossip",
		"limit=-1",
		"limit=abc",
		"cursor_id=xyz",
		"source_type=martian",
		"incoming=perhaps",
		"from=notaunixtime",
	} {
		resp := getJSON(t, srv.URL+"/v2/p2p?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestMessageDetail(t *testing.T) {
	reg := newTestRegistry(t, "node-a")
	node := reg.Nodes()[0]
	seedMessages(t, node, 3)
	srv := newTestServer(t, reg, node)

	var rec types.MessageRecord
	resp := getJSON(t, srv.URL+"/v2/p2p/2", &rec)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, uint64(2), rec.ID)
	assert.NotEmpty(t, rec.Plaintext)

	// Second read is served from the cache with identical content.
	var again types.MessageRecord
	getJSON(t, srv.URL+"/v2/p2p/2", &again)
	assert.Equal(t, rec, again)

	resp = getJSON(t, srv.URL+"/v2/p2p/999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = getJSON(t, srv.URL+"/v2/p2p/banana", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCombinedView(t *testing.T) {
	reg := newTestRegistry(t, "node-a", "node-b")
	seedMessages(t, reg.Nodes()[0], 2)
	seedMessages(t, reg.Nodes()[1], 3)
	srv := newTestServer(t, reg, nil)

	var briefs []types.BriefMessage
	getJSON(t, srv.URL+"/v2/p2p", &briefs)
	assert.Len(t, briefs, 5)

	briefs = nil
	getJSON(t, srv.URL+"/v2/p2p?node_name=node-b", &briefs)
	assert.Len(t, briefs, 3)

	resp := getJSON(t, srv.URL+"/v2/p2p?node_name=ghost", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Detail ids are per-node, so the combined view needs one node.
	resp = getJSON(t, srv.URL+"/v2/p2p/1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var rec types.MessageRecord
	resp = getJSON(t, srv.URL+"/v2/p2p/1?node_name=node-a", &rec)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, uint64(1), rec.ID)
}

func TestLogsEndpoint(t *testing.T) {
	reg := newTestRegistry(t, "node-a")
	node := reg.Nodes()[0]
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		level := types.LevelInfo
		if i%3 == 0 {
			level = types.LevelError
		}
		require.NoError(t, node.Store().PutLog(&types.LogRecord{
			Level:     level,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Section:   "validator",
			Message:   fmt.Sprintf("head advanced to %d", i),
		}))
	}
	srv := newTestServer(t, reg, node)

	var recs []types.LogRecord
	getJSON(t, srv.URL+"/v2/log", &recs)
	assert.Len(t, recs, 6)

	recs = nil
	getJSON(t, srv.URL+"/v2/log?log_level=error", &recs)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, types.LevelError, r.Level)
	}

	recs = nil
	getJSON(t, srv.URL+"/v2/log?query=advanced", &recs)
	assert.NotEmpty(t, recs)

	resp := getJSON(t, srv.URL+"/v2/log?log_level=loud", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConnectionsEndpoint(t *testing.T) {
	reg := newTestRegistry(t, "node-a")
	node := reg.Nodes()[0]
	require.NoError(t, node.Store().PutConnection(&types.ConnectionRecord{
		PeerAddr: "192.0.2.5:9732",
		Incoming: true,
		OpenedAt: time.Now(),
	}))
	srv := newTestServer(t, reg, node)

	var recs []types.ConnectionRecord
	resp := getJSON(t, srv.URL+"/v3/connections", &recs)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, recs, 1)
	assert.Equal(t, "192.0.2.5:9732", recs[0].PeerAddr)
}
