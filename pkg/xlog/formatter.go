package xlog

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"time"
)

// Formatter defines the log-line printer interface.
type Formatter interface {
	// WriteFlush writes one log line and flushes it.
	// Callers must serialize WriteFlush externally.
	WriteFlush(topic string, lvl LogLevel, txt string)
	Flush()
}

// SetFormatter sets the formatter for all loggers.
func SetFormatter(f Formatter) {
	global.mu.Lock()
	global.formatter = f
	global.mu.Unlock()
}

type defaultFormatter struct {
	w *bufio.Writer
}

// NewDefaultFormatter returns a plain-text formatter.
func NewDefaultFormatter(w io.Writer) Formatter {
	return &defaultFormatter{w: bufio.NewWriter(w)}
}

func (ft *defaultFormatter) WriteFlush(topic string, lvl LogLevel, txt string) {
	ft.w.WriteString(time.Now().String()[:26])
	ft.w.WriteString(" " + lvl.String() + " | ")
	if topic != "" {
		ft.w.WriteString(topic + ": ")
	}
	ft.w.WriteString(txt)
	if !strings.HasSuffix(txt, "\n") {
		ft.w.WriteString("\n")
	}
	ft.w.Flush()
}

func (ft *defaultFormatter) Flush() {
	ft.w.Flush()
}

type jsonFormatter struct {
	w *bufio.Writer
}

// NewJSONFormatter returns a formatter that writes one JSON object per line.
func NewJSONFormatter(w io.Writer) Formatter {
	return &jsonFormatter{w: bufio.NewWriter(w)}
}

type jsonLine struct {
	Topic string `json:"topic"`
	Level string `json:"level"`
	Time  string `json:"time"`
	Log   string `json:"log"`
}

func (ft *jsonFormatter) WriteFlush(topic string, lvl LogLevel, txt string) {
	json.NewEncoder(ft.w).Encode(jsonLine{
		Topic: topic,
		Level: lvl.String(),
		Time:  time.Now().String()[:26],
		Log:   txt,
	})
	ft.w.Flush()
}

func (ft *jsonFormatter) Flush() {
	ft.w.Flush()
}
