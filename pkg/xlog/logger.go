// Package xlog implements leveled, topic-tagged logging.
//
// Each package creates one Logger with its own topic tag. Log lines from
// all loggers go through one shared formatter, so output ordering matches
// call ordering across topics.
package xlog

import (
	"fmt"
	"os"
	"sync"
)

// LogLevel is the set of all log levels.
type LogLevel int8

const (
	// CRITICAL is the lowest log level. Panic or exit the program.
	CRITICAL LogLevel = iota - 1

	// ERROR is for errors that do not stop the process.
	ERROR

	// WARN warns about potential problems.
	WARN

	// INFO is informational.
	INFO

	// DEBUG is debug-level logging.
	DEBUG
)

// String returns a single-character representation of LogLevel.
func (l LogLevel) String() string {
	switch l {
	case CRITICAL:
		return "C"
	case ERROR:
		return "E"
	case WARN:
		return "W"
	case INFO:
		return "I"
	case DEBUG:
		return "D"
	default:
		panic("unknown LogLevel")
	}
}

// ParseLogLevel converts a level name as used on command lines.
func ParseLogLevel(s string) (LogLevel, error) {
	switch s {
	case "critical":
		return CRITICAL, nil
	case "error":
		return ERROR, nil
	case "warn", "warning":
		return WARN, nil
	case "info":
		return INFO, nil
	case "debug":
		return DEBUG, nil
	default:
		return INFO, fmt.Errorf("xlog: unknown log level %q", s)
	}
}

// Logger writes topic-tagged log lines up to its maximum level.
type Logger struct {
	topic  string
	maxLvl LogLevel
}

type registry struct {
	mu        sync.Mutex
	loggers   map[string]*Logger
	formatter Formatter
}

var global = &registry{
	loggers: make(map[string]*Logger),
}

// NewLogger returns a Logger tagged with the given topic.
// Creating a second Logger with the same topic overwrites the first
// in the registry, but both keep writing.
func NewLogger(topic string, maxLvl LogLevel) *Logger {
	lg := &Logger{topic: topic, maxLvl: maxLvl}

	global.mu.Lock()
	global.loggers[topic] = lg
	global.mu.Unlock()

	return lg
}

// GetLogger returns the Logger registered for the topic, so that
// other packages can adjust its level.
func GetLogger(topic string) (*Logger, bool) {
	global.mu.Lock()
	lg, ok := global.loggers[topic]
	global.mu.Unlock()
	return lg, ok
}

// SetMaxLogLevel updates this logger's maximum level.
func (l *Logger) SetMaxLogLevel(lvl LogLevel) {
	global.mu.Lock()
	l.maxLvl = lvl
	global.mu.Unlock()
}

// SetGlobalMaxLogLevel sets the maximum level of every registered logger.
func SetGlobalMaxLogLevel(lvl LogLevel) {
	global.mu.Lock()
	for _, lg := range global.loggers {
		lg.maxLvl = lvl
	}
	global.mu.Unlock()
}

func (l *Logger) log(lvl LogLevel, txt string) {
	if lvl < CRITICAL || lvl > DEBUG {
		return
	}

	global.mu.Lock()
	if l.maxLvl < lvl {
		global.mu.Unlock()
		return
	}
	if global.formatter == nil {
		global.formatter = NewDefaultFormatter(os.Stderr)
	}
	global.formatter.WriteFlush(l.topic, lvl, txt)
	global.mu.Unlock()
}

// Panicf logs at CRITICAL, then panics.
func (l *Logger) Panicf(format string, args ...interface{}) {
	txt := fmt.Sprintf(format, args...)
	l.log(CRITICAL, txt)
	panic(txt)
}

// Fatalf logs at CRITICAL, then exits the process.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	txt := fmt.Sprintf(format, args...)
	l.log(CRITICAL, txt)
	os.Exit(1)
}

func (l *Logger) Error(args ...interface{}) {
	l.log(ERROR, fmt.Sprint(args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...))
}

func (l *Logger) Warning(args ...interface{}) {
	l.log(WARN, fmt.Sprint(args...))
}

func (l *Logger) Warningf(format string, args ...interface{}) {
	l.log(WARN, fmt.Sprintf(format, args...))
}

func (l *Logger) Info(args ...interface{}) {
	l.log(INFO, fmt.Sprint(args...))
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(args ...interface{}) {
	l.log(DEBUG, fmt.Sprint(args...))
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, fmt.Sprintf(format, args...))
}
