// Package agent is the privileged capture side of the recorder. It
// loads the BPF programs, discovers node processes by their p2p bind
// and forwards syscall events over a local Unix socket.
package agent

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang -cflags "-O2 -g -Wall -Werror" sniffer ../bpf/sniffer.c

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/sirupsen/logrus"

	"tezrec/types"
)

// ErrProbeLoad wraps failures to install kernel probes. The caller
// maps it to the privilege exit code.
var ErrProbeLoad = errors.New("cannot install kernel probes")

const sendQueueLen = 8192

// Agent captures network syscalls and serves them on a Unix socket.
type Agent struct {
	log        *logrus.Entry
	socketPath string
	ports      map[uint16]string // p2p port -> node name

	objs  snifferObjects
	links []link.Link

	mu      sync.Mutex
	tracked map[uint32]string

	seq     atomic.Uint64
	dropped atomic.Uint64
	sendQ   chan []byte
}

// New creates an agent watching the given p2p ports.
func New(log *logrus.Logger, socketPath string, ports map[uint16]string) *Agent {
	return &Agent{
		log:        log.WithField("component", "agent"),
		socketPath: socketPath,
		ports:      ports,
		tracked:    make(map[uint32]string),
		sendQ:      make(chan []byte, sendQueueLen),
	}
}

// Dropped reports how many Data events were discarded because the
// socket queue was full.
func (a *Agent) Dropped() uint64 { return a.dropped.Load() }

// Run loads and attaches the BPF programs, serves the event socket
// and drains the ring buffer until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("%w: remove memlock: %v", ErrProbeLoad, err)
	}
	if err := loadSnifferObjects(&a.objs, nil); err != nil {
		return fmt.Errorf("%w: load programs: %v", ErrProbeLoad, err)
	}
	defer a.objs.Close()

	if err := a.attach(); err != nil {
		a.detach()
		return err
	}
	defer a.detach()

	reader, err := ringbuf.NewReader(a.objs.Events)
	if err != nil {
		return fmt.Errorf("%w: ringbuf reader: %v", ErrProbeLoad, err)
	}
	defer reader.Close()

	ln, err := a.listen()
	if err != nil {
		return err
	}
	defer ln.Close()
	defer os.Remove(a.socketPath)

	go a.serve(ctx, ln)
	go func() {
		<-ctx.Done()
		reader.Close()
	}()

	a.log.WithField("socket", a.socketPath).Info("capture agent running")
	return a.drain(ctx, reader)
}

func (a *Agent) attach() error {
	points := []struct {
		name string
		prog *ebpf.Program
	}{
		{"sys_enter_bind", a.objs.SniffEnterBind},
		{"sys_exit_bind", a.objs.SniffExitBind},
		{"sys_enter_connect", a.objs.SniffEnterConnect},
		{"sys_exit_connect", a.objs.SniffExitConnect},
		{"sys_enter_accept4", a.objs.SniffEnterAccept4},
		{"sys_exit_accept4", a.objs.SniffExitAccept4},
		{"sys_enter_read", a.objs.SniffEnterRead},
		{"sys_exit_read", a.objs.SniffExitRead},
		{"sys_enter_write", a.objs.SniffEnterWrite},
		{"sys_exit_write", a.objs.SniffExitWrite},
		{"sys_enter_recvfrom", a.objs.SniffEnterRecvfrom},
		{"sys_exit_recvfrom", a.objs.SniffExitRecvfrom},
		{"sys_enter_sendto", a.objs.SniffEnterSendto},
		{"sys_exit_sendto", a.objs.SniffExitSendto},
		{"sys_enter_close", a.objs.SniffEnterClose},
	}
	for _, p := range points {
		l, err := link.Tracepoint("syscalls", p.name, p.prog, nil)
		if err != nil {
			return fmt.Errorf("%w: attach %s: %v", ErrProbeLoad, p.name, err)
		}
		a.links = append(a.links, l)
	}
	return nil
}

func (a *Agent) listen() (net.Listener, error) {
	os.Remove(a.socketPath)
	ln, err := net.Listen("unix", a.socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", a.socketPath, err)
	}
	return ln, nil
}

// serve accepts one consumer at a time and writes queued frames to
// it. A consumer that stops reading backpressures the queue, which
// causes Data drops upstream.
func (a *Agent) serve(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.WithError(err).Warn("accept failed")
			continue
		}
		a.log.Info("consumer connected")
		a.writeLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		a.log.Info("consumer disconnected")
	}
}

func (a *Agent) writeLoop(ctx context.Context, conn net.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-a.sendQ:
			if _, err := conn.Write(frame); err != nil {
				a.log.WithError(err).Warn("socket write failed")
				return
			}
		}
	}
}

func (a *Agent) drain(ctx context.Context, reader *ringbuf.Reader) error {
	for {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, syscall.EINTR) {
				continue
			}
			return fmt.Errorf("ringbuf read: %w", err)
		}
		if len(record.RawSample) == 0 {
			continue
		}
		if err := a.handleSample(ctx, record.RawSample); err != nil {
			a.log.WithError(err).Warn("bad event sample")
		}
	}
}

func (a *Agent) handleSample(ctx context.Context, data []byte) error {
	var raw types.RawEvent
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &raw); err != nil {
		return fmt.Errorf("parse event header: %w", err)
	}

	headerLen := binary.Size(raw)
	var payload []byte
	if raw.EventType == types.EVENT_DATA && raw.DataLen > 0 {
		if len(data) < headerLen+int(raw.DataLen) {
			return fmt.Errorf("short data sample: want %d, have %d",
				headerLen+int(raw.DataLen), len(data))
		}
		payload = data[headerLen : headerLen+int(raw.DataLen)]
	}

	if raw.EventType == types.EVENT_BIND {
		a.observeBind(&raw)
	}
	if !a.isTracked(raw.Pid) {
		return nil
	}

	ev := &types.SyscallEvent{
		Type:      raw.EventType,
		Seq:       a.seq.Add(1),
		Pid:       raw.Pid,
		Fd:        raw.Fd,
		Timestamp: time.Now(),
		Direction: raw.Direction,
		Port:      raw.Port,
		Payload:   payload,
	}
	switch raw.Family {
	case 4:
		ev.Remote = net.IP(append([]byte(nil), raw.Addr[:4]...))
	case 6:
		ev.Remote = net.IP(append([]byte(nil), raw.Addr[:]...))
	}

	frame := EncodeEvent(ev)
	if raw.EventType == types.EVENT_DATA {
		select {
		case a.sendQ <- frame:
		default:
			a.dropped.Add(1)
			agentDroppedData.Inc()
		}
		return nil
	}
	// Control events are never dropped.
	select {
	case a.sendQ <- frame:
	case <-ctx.Done():
	}
	return nil
}

// observeBind tracks a pid whose bind matches a configured node
// port. Discovery is one-shot per node; a node restart rebinds and
// re-registers under its new pid.
func (a *Agent) observeBind(raw *types.RawEvent) {
	name, ok := a.ports[raw.Port]
	if !ok {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if prev, exists := a.tracked[raw.Pid]; exists && prev == name {
		return
	}
	for pid, n := range a.tracked {
		if n == name && pid != raw.Pid {
			delete(a.tracked, pid)
			a.objs.TrackedPids.Delete(pid)
		}
	}
	a.tracked[raw.Pid] = name
	if err := a.objs.TrackedPids.Put(raw.Pid, uint8(1)); err != nil {
		a.log.WithError(err).Warn("cannot mark pid tracked in kernel")
	}
	a.log.WithFields(logrus.Fields{
		"pid":  raw.Pid,
		"port": raw.Port,
		"node": name,
	}).Info("node process discovered")
}

func (a *Agent) isTracked(pid uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.tracked[pid]
	return ok
}

func (a *Agent) detach() {
	for _, l := range a.links {
		l.Close()
	}
	a.links = nil
}
