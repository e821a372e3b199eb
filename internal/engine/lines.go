package engine

import (
	"bytes"
	"log/slog"
	"sync"
)

// maxLine caps a buffered partial line before it is emitted anyway.
const maxLine = 64 << 10

// LineLogger is an io.Writer that turns a job's output stream into one
// debug record per line.
type LineLogger struct {
	logger *slog.Logger
	runner string

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewLineLogger returns a LineLogger tagging each record with runnerID.
func NewLineLogger(logger *slog.Logger, runnerID string) *LineLogger {
	return &LineLogger{logger: logger, runner: runnerID}
}

func (w *LineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// Partial line: keep it unless it is too long to hold.
			if len(line) >= maxLine {
				w.emit(line)
			} else {
				w.buf.Write(line)
			}
			return len(p), nil
		}
		w.emit(bytes.TrimRight(line, "\r\n"))
	}
}

// Flush emits any trailing partial line.
func (w *LineLogger) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.Bytes())
		w.buf.Reset()
	}
}

// Pending returns the buffered partial line.
func (w *LineLogger) Pending() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (w *LineLogger) emit(line []byte) {
	w.logger.Debug("job output", slog.String("runner", w.runner), slog.String("line", string(line)))
}
