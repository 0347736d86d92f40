package log

import (
	"bytes"
	"sync"

	"go.uber.org/zap"
)

// LineWriter drains an output stream of a child process into the debug log line by line,
// a child writing into a full pipe would block otherwise
type LineWriter struct {
	mu  sync.Mutex
	msg string
	kv  []interface{}
	buf []byte
}

// NewLineWriter logs every line as msg with keysAndValues plus the line itself
func NewLineWriter(msg string, keysAndValues ...interface{}) *LineWriter {
	return &LineWriter{msg: msg, kv: keysAndValues}
}

func (l *LineWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.emit(l.buf[:i])
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}

// Flush logs a trailing line without newline
func (l *LineWriter) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) > 0 {
		l.emit(l.buf)
		l.buf = nil
	}
}

func (l *LineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	kv := make([]interface{}, 0, len(l.kv)+2)
	kv = append(kv, l.kv...)
	kv = append(kv, "line", string(line))
	zap.S().Debugw(l.msg, kv...)
}
