package demux

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"tezrec/config"
	"tezrec/store"
	"tezrec/types"
	"tezrec/wire"
)

const (
	eventQueueLen  = 4096
	recordQueueLen = 1024
)

// Node owns everything belonging to one observed node process: its
// identity, connection table, store and the two queues decoupling
// capture from persistence.
type Node struct {
	Name string

	cfg      config.Node
	log      *logrus.Entry
	store    *store.Store
	identity *config.Identity

	events  chan *types.SyscallEvent
	records chan *types.MessageRecord

	pid    uint32
	conns  map[uint32]*wire.Conn
	connID map[uint32]uint64 // fd -> connection row id

	// onMessage observes every stored message brief (live feeds).
	onMessage func(types.BriefMessage)
	// onLog observes every ingested log record (detection).
	onLog func(*types.LogRecord)
}

func newNode(cfg config.Node, st *store.Store, log *logrus.Logger) *Node {
	return &Node{
		Name:    cfg.Name,
		cfg:     cfg,
		log:     log.WithField("component", "demux").WithField("node", cfg.Name),
		store:   st,
		events:  make(chan *types.SyscallEvent, eventQueueLen),
		records: make(chan *types.MessageRecord, recordQueueLen),
		conns:   make(map[uint32]*wire.Conn),
		connID:  make(map[uint32]uint64),
	}
}

// Store exposes the node's store to the query surface.
func (n *Node) Store() *store.Store { return n.store }

// OnMessage registers the live message observer. Must be set before
// the registry starts.
func (n *Node) OnMessage(fn func(types.BriefMessage)) { n.onMessage = fn }

// OnLog registers the log observer. Must be set before ingest starts.
func (n *Node) OnLog(fn func(*types.LogRecord)) { n.onLog = fn }

// IngestLog appends one log record from the syslog path.
func (n *Node) IngestLog(rec *types.LogRecord) {
	if err := n.store.PutLog(rec); err != nil {
		n.log.WithError(err).Warn("log record dropped")
		return
	}
	if n.onLog != nil {
		n.onLog(rec)
	}
}

// loadIdentity waits for the node's identity blob. Nodes write it on
// first start, so the recorder may be up before the file exists.
func (n *Node) loadIdentity(ctx context.Context) error {
	id, err := config.WaitIdentity(ctx, n.cfg.Identity.Path)
	if err != nil {
		return err
	}
	n.identity = id
	n.log.WithField("path", n.cfg.Identity.Path).Info("identity loaded")
	return nil
}

// worker consumes the node's event queue in FIFO order. All
// connection state is confined to this goroutine.
func (n *Node) worker() {
	for ev := range n.events {
		n.handle(ev)
	}
	// Drained: finalize whatever is still open.
	now := time.Now()
	for fd := range n.conns {
		n.closeConn(fd, now)
	}
	close(n.records)
}

// writer drains completed records into the store in arrival order.
func (n *Node) writer() {
	for rec := range n.records {
		if err := n.store.PutMessage(rec); err != nil {
			n.log.WithError(err).Warn("message record dropped")
			continue
		}
		if n.onMessage != nil {
			n.onMessage(rec.Brief())
		}
	}
}

// evTruncated is a synthetic event type injected when the agent
// stream showed a sequence gap.
const evTruncated = ^uint32(0)

func (n *Node) handle(ev *types.SyscallEvent) {
	if ev.Type == evTruncated {
		n.truncated()
		return
	}
	eventsByType.WithLabelValues(ev.TypeString()).Inc()
	switch ev.Type {
	case types.EVENT_BIND:
		n.pid = ev.Pid
		n.log.WithFields(logrus.Fields{"pid": ev.Pid, "port": ev.Port}).
			Info("node process bound")
	case types.EVENT_CONNECT:
		n.openConn(ev, false)
	case types.EVENT_ACCEPT:
		n.openConn(ev, true)
	case types.EVENT_DATA:
		c, ok := n.conns[ev.Fd]
		if !ok {
			unknownDataDrops.Inc()
			n.log.WithFields(logrus.Fields{"pid": ev.Pid, "fd": ev.Fd}).
				Warn("data for unknown connection dropped")
			return
		}
		c.Data(ev.Direction, ev.Timestamp, ev.Payload)
	case types.EVENT_CLOSE:
		n.closeConn(ev.Fd, ev.Timestamp)
	}
}

func (n *Node) openConn(ev *types.SyscallEvent, incoming bool) {
	if _, exists := n.conns[ev.Fd]; exists {
		// Reopen on a reused fd implies we missed the close.
		n.closeConn(ev.Fd, ev.Timestamp)
	}

	rec := types.ConnectionRecord{
		PeerAddr: ev.RemoteAddr(),
		Incoming: incoming,
		OpenedAt: ev.Timestamp,
	}
	if err := n.store.PutConnection(&rec); err != nil {
		n.log.WithError(err).Warn("connection record dropped")
	}

	c := wire.NewConn(rec.ID, rec.PeerAddr, incoming, ev.Timestamp,
		n.identity.Secret(), func(m *types.MessageRecord) {
			if m.Kind == types.KindDecryptFailed {
				decryptFailures.WithLabelValues(n.Name).Inc()
			}
			n.records <- m
		})
	n.conns[ev.Fd] = c
	n.connID[ev.Fd] = rec.ID
}

func (n *Node) closeConn(fd uint32, ts time.Time) {
	c, ok := n.conns[fd]
	if !ok {
		return
	}
	c.Close(ts)
	rec := c.Record(&ts)
	rec.ID = n.connID[fd]
	rec.NodeName = n.Name
	if err := n.store.UpdateConnection(&rec); err != nil {
		n.log.WithError(err).Warn("connection close not recorded")
	}
	delete(n.conns, fd)
	delete(n.connID, fd)
}

// truncated marks every open connection as having lost bytes.
func (n *Node) truncated() {
	for _, c := range n.conns {
		c.Truncated()
	}
}
