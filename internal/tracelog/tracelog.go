// Package tracelog is the rolling trace logger backing the CLI's -t level
// flag (spec.md §6). It is adapted from the teacher's internal/trace
// package: the same mutex-guarded io.Writer sink and one-struct-per-event
// shape, but emitting level-gated single JSON lines (F/trace/*.log, one
// file per mount) instead of the teacher's Chrome trace-event array format,
// since the rolling trace logger is itself an ambient concern carried
// forward regardless of spec.md's "out of scope: CLI / trace logger"
// framing (SPEC_FULL.md's ambient stack).
package tracelog

import (
	"encoding/json"
	"io"
	"io/ioutil"
	"sync"
	"time"
)

// Level gates which events reach the sink. Levels are ordered from most to
// least verbose, matching the CLI's -t flag values (spec.md §6).
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
	None
)

func ParseLevel(s string) (Level, bool) {
	switch s {
	case "dbg":
		return Debug, true
	case "inf":
		return Info, true
	case "wrn":
		return Warn, true
	case "err":
		return Error, true
	case "none":
		return None, true
	default:
		return None, false
	}
}

func (l Level) String() string {
	switch l {
	case Debug:
		return "dbg"
	case Info:
		return "inf"
	case Warn:
		return "wrn"
	case Error:
		return "err"
	default:
		return "none"
	}
}

var start = time.Now()

// Logger writes level-gated, single-line JSON trace records to a sink.
// The zero Logger has no sink and discards everything, matching the
// teacher's trace package defaulting its sink to ioutil.Discard until
// Enable/Sink is called.
type Logger struct {
	mu    sync.Mutex
	sink  io.Writer
	level Level
}

// New creates a Logger at level that writes to w. A nil w discards all
// events regardless of level.
func New(level Level, w io.Writer) *Logger {
	if w == nil {
		w = ioutil.Discard
	}
	return &Logger{sink: w, level: level}
}

// record is one rolling-trace-log line.
type record struct {
	TimestampUs uint64      `json:"ts"`
	Level       string      `json:"level"`
	Component   string      `json:"component"`
	Message     string      `json:"msg"`
	Args        interface{} `json:"args,omitempty"`
}

func (lg *Logger) emit(lvl Level, component, msg string, args interface{}) {
	if lg == nil || lg.sink == nil || lvl < lg.level || lg.level == None {
		return
	}
	rec := record{
		TimestampUs: uint64(time.Since(start) / time.Microsecond),
		Level:       lvl.String(),
		Component:   component,
		Message:     msg,
		Args:        args,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	lg.mu.Lock()
	defer lg.mu.Unlock()
	lg.sink.Write(append(b, '\n'))
}

func (lg *Logger) Debugf(component, msg string, args interface{}) { lg.emit(Debug, component, msg, args) }
func (lg *Logger) Infof(component, msg string, args interface{})  { lg.emit(Info, component, msg, args) }
func (lg *Logger) Warnf(component, msg string, args interface{})  { lg.emit(Warn, component, msg, args) }
func (lg *Logger) Errorf(component, msg string, args interface{}) { lg.emit(Error, component, msg, args) }
