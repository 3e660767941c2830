package types

import (
	"fmt"
	"strings"
	"time"
)

// LogLevel is a node log severity. Values are single bits so that
// level filters can be expressed as a mask.
type LogLevel uint8

const (
	LevelTrace   LogLevel = 1 << 0
	LevelDebug   LogLevel = 1 << 1
	LevelInfo    LogLevel = 1 << 2
	LevelNotice  LogLevel = 1 << 3
	LevelWarning LogLevel = 1 << 4
	LevelError   LogLevel = 1 << 5
	LevelFatal   LogLevel = 1 << 6
)

var levelNames = map[LogLevel]string{
	LevelTrace:   "trace",
	LevelDebug:   "debug",
	LevelInfo:    "info",
	LevelNotice:  "notice",
	LevelWarning: "warning",
	LevelError:   "error",
	LevelFatal:   "fatal",
}

func (l LogLevel) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// MarshalText renders the level by name for JSON output.
func (l LogLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText parses a level name.
func (l *LogLevel) UnmarshalText(b []byte) error {
	lv, err := ParseLogLevel(string(b))
	if err != nil {
		return err
	}
	*l = lv
	return nil
}

// ParseLogLevel maps a level name to its value. "warn" is accepted
// as an alias for "warning".
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "notice":
		return LevelNotice, nil
	case "warn", "warning":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	case "fatal":
		return LevelFatal, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// LevelFromSeverity maps an RFC 5424 PRI severity to a log level.
func LevelFromSeverity(sev uint8) LogLevel {
	switch sev {
	case 7:
		return LevelDebug
	case 6:
		return LevelInfo
	case 5:
		return LevelNotice
	case 4:
		return LevelWarning
	case 3:
		return LevelError
	default:
		return LevelFatal
	}
}

// LogRecord is one stored node log line.
type LogRecord struct {
	ID        uint64    `json:"id"`
	Level     LogLevel  `json:"level"`
	Timestamp time.Time `json:"timestamp"`
	Section   string    `json:"section"`
	Message   string    `json:"message"`
	NodeName  string    `json:"node_name,omitempty"`
}
