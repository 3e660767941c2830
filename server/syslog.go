package server

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	syslog "github.com/leodido/go-syslog/v4"
	"github.com/leodido/go-syslog/v4/rfc5424"
	"github.com/sirupsen/logrus"

	"tezrec/demux"
	"tezrec/types"
)

const maxDatagram = 64 * 1024

// SyslogListener ingests one node's log stream over UDP. Datagrams are
// parsed as RFC 5424; anything that does not parse is kept as a raw
// line with a sniffed level, so plain node output piped through
// netcat still lands in the store.
type SyslogListener struct {
	log    *logrus.Entry
	node   *demux.Node
	conn   *net.UDPConn
	parser syslog.Machine
	wg     sync.WaitGroup
}

// NewSyslogListener binds the node's log port.
func NewSyslogListener(node *demux.Node, port uint16, log *logrus.Logger) (*SyslogListener, error) {
	addr := &net.UDPAddr{Port: int(port)}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("syslog listen :%d: %w", port, err)
	}
	l := &SyslogListener{
		log:    log.WithField("component", "syslog").WithField("node", node.Name),
		node:   node,
		conn:   conn,
		parser: rfc5424.NewParser(rfc5424.WithBestEffort()),
	}
	l.log.WithField("port", port).Info("syslog listener up")
	return l, nil
}

// Run reads datagrams until the listener is closed.
func (l *SyslogListener) Run() {
	l.wg.Add(1)
	defer l.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		rec := l.parse(buf[:n])
		l.node.IngestLog(rec)
		syslogRecords.WithLabelValues(l.node.Name).Inc()
	}
}

// Close stops the read loop and waits for it to finish.
func (l *SyslogListener) Close() error {
	err := l.conn.Close()
	l.wg.Wait()
	return err
}

func (l *SyslogListener) parse(datagram []byte) *types.LogRecord {
	msg, err := l.parser.Parse(datagram)
	if err == nil && msg != nil {
		if sm, ok := msg.(*rfc5424.SyslogMessage); ok && sm.Message != nil {
			return fromSyslog(sm)
		}
	}
	syslogParseFailures.WithLabelValues(l.node.Name).Inc()
	return rawRecord(string(datagram))
}

func fromSyslog(sm *rfc5424.SyslogMessage) *types.LogRecord {
	rec := &types.LogRecord{
		Level:     types.LevelInfo,
		Timestamp: time.Now(),
		Message:   strings.TrimRight(*sm.Message, "\n"),
	}
	if sm.Severity != nil {
		rec.Level = types.LevelFromSeverity(*sm.Severity)
	}
	if sm.Timestamp != nil {
		rec.Timestamp = *sm.Timestamp
	}
	if sm.Appname != nil {
		rec.Section = *sm.Appname
	}
	return rec
}

// rawRecord wraps a bare log line, guessing the level from its text.
func rawRecord(line string) *types.LogRecord {
	return &types.LogRecord{
		Level:     sniffLevel(line),
		Timestamp: time.Now(),
		Message:   strings.TrimRight(line, "\n"),
	}
}

var levelMarkers = []struct {
	marker string
	level  types.LogLevel
}{
	{"fatal", types.LevelFatal},
	{"error", types.LevelError},
	{"warn", types.LevelWarning},
	{"notice", types.LevelNotice},
	{"debug", types.LevelDebug},
	{"trace", types.LevelTrace},
}

func sniffLevel(line string) types.LogLevel {
	lower := strings.ToLower(line)
	for _, m := range levelMarkers {
		if strings.Contains(lower, m.marker) {
			return m.level
		}
	}
	return types.LevelInfo
}
