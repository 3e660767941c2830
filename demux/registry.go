// Package demux routes captured syscall events to per-node workers
// and owns the (pid, fd) connection table through them.
package demux

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"tezrec/config"
	"tezrec/store"
	"tezrec/types"
)

// Registry owns all node contexts and dispatches the agent event
// stream to them. Dispatch must be called from a single goroutine;
// per-node ordering follows from the per-node FIFO queues.
type Registry struct {
	log    *logrus.Entry
	nodes  []*Node
	byPort map[uint16]*Node

	mu    sync.RWMutex
	byPid map[uint32]*Node

	lastSeq uint64
	wg      sync.WaitGroup
}

// NewRegistry builds a node context per configured node, opening
// each node's store.
func NewRegistry(cfg *config.Config, log *logrus.Logger) (*Registry, error) {
	r := &Registry{
		log:    log.WithField("component", "demux"),
		byPort: make(map[uint16]*Node),
		byPid:  make(map[uint32]*Node),
	}
	for _, nc := range cfg.Nodes {
		st, err := store.Open(store.Options{
			Dir:      nc.DB,
			NodeName: nc.Name,
			MaxBytes: nc.MaxDBBytes,
			Logger:   log,
		})
		if err != nil {
			r.closeStores()
			return nil, fmt.Errorf("node %s: %w", nc.Name, err)
		}
		n := newNode(nc, st, log)
		r.nodes = append(r.nodes, n)
		r.byPort[nc.P2PPort] = n
	}
	return r, nil
}

// Nodes lists all node contexts.
func (r *Registry) Nodes() []*Node { return r.nodes }

// Node finds a node context by name.
func (r *Registry) Node(name string) (*Node, bool) {
	for _, n := range r.nodes {
		if n.Name == name {
			return n, true
		}
	}
	return nil, false
}

// Start loads identities and launches the worker and writer pair for
// every node. It blocks until each identity is available.
func (r *Registry) Start(ctx context.Context) error {
	for _, n := range r.nodes {
		if err := n.loadIdentity(ctx); err != nil {
			return fmt.Errorf("node %s: %w", n.Name, err)
		}
	}
	for _, n := range r.nodes {
		n := n
		r.wg.Add(2)
		go func() {
			defer r.wg.Done()
			n.worker()
		}()
		go func() {
			defer r.wg.Done()
			n.writer()
		}()
	}
	return nil
}

// Dispatch routes one event. Bind events establish the pid binding;
// everything else follows it. A full node queue blocks, which
// backpressures the agent socket.
func (r *Registry) Dispatch(ev *types.SyscallEvent) {
	if r.lastSeq != 0 && ev.Seq > r.lastSeq+1 {
		seqGaps.Inc()
		r.log.WithFields(logrus.Fields{
			"expected": r.lastSeq + 1,
			"got":      ev.Seq,
		}).Warn("event sequence gap, open connections truncated")
		r.markTruncated()
	}
	r.lastSeq = ev.Seq

	if ev.Type == types.EVENT_BIND {
		n, ok := r.byPort[ev.Port]
		if !ok {
			return
		}
		r.mu.Lock()
		for pid, prev := range r.byPid {
			if prev == n && pid != ev.Pid {
				delete(r.byPid, pid)
			}
		}
		r.byPid[ev.Pid] = n
		r.mu.Unlock()
		n.events <- ev
		return
	}

	r.mu.RLock()
	n, ok := r.byPid[ev.Pid]
	r.mu.RUnlock()
	if !ok {
		if ev.Type == types.EVENT_DATA {
			unknownDataDrops.Inc()
			r.log.WithField("pid", ev.Pid).Warn("data for unknown pid dropped")
		}
		return
	}
	n.events <- ev
}

func (r *Registry) markTruncated() {
	for _, n := range r.nodes {
		n.events <- &types.SyscallEvent{Type: evTruncated}
	}
}

// Close drains and stops all workers and closes the stores.
func (r *Registry) Close() {
	for _, n := range r.nodes {
		close(n.events)
	}
	r.wg.Wait()
	r.closeStores()
}

func (r *Registry) closeStores() {
	for _, n := range r.nodes {
		if err := n.store.Close(); err != nil {
			r.log.WithError(err).WithField("node", n.Name).Warn("store close failed")
		}
	}
}
