package logging

import (
	"bytes"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// LineWriter turns a byte stream into log entries, one per line.
// Remote command output is streamed to operators through it.
type LineWriter struct {
	mu     sync.Mutex
	logger *zap.Logger
	buf    bytes.Buffer
}

// NewLineWriter returns a writer that logs every complete line at info level.
func NewLineWriter(logger *zap.Logger) *LineWriter {
	return &LineWriter{logger: logger}
}

// Write implements io.Writer.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		idx := bytes.IndexByte(w.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(w.buf.Next(idx + 1))
		w.emit(line)
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *LineWriter) emit(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	w.logger.Info(Truncate(line))
}
