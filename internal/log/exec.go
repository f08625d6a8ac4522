// SPDX-License-Identifier: MIT

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// Sink is the rolling application log file that command executions append to
// and the log fanout tails. Writes are serialized; the file is opened in
// append mode so offsets recorded by tailers stay valid.
type Sink struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenSink opens (or creates) the log file at path.
func OpenSink(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log sink: %w", err)
	}
	return &Sink{f: f, path: path}, nil
}

// Path returns the sink file path.
func (s *Sink) Path() string { return s.path }

// Size returns the current file length, the offset a tailer should start from.
func (s *Sink) Size() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Write(p)
}

// Close closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// taggedWriter prefixes every record with the execution tag the fanout
// filters on.
type taggedWriter struct {
	sink *Sink
	tag  string
}

func (w *taggedWriter) Write(p []byte) (int, error) {
	buf := make([]byte, 0, len(w.tag)+len(p))
	buf = append(buf, w.tag...)
	buf = append(buf, p...)
	if _, err := w.sink.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ExecutionLogger returns a logger whose records are appended to the sink
// prefixed with "[EXEC:<id>]" in addition to the normal process output.
// If sink is nil the returned logger behaves like a plain component logger.
func ExecutionLogger(sink *Sink, execID int64, component string) zerolog.Logger {
	if sink == nil {
		return WithComponent(component).With().Int64("execution_id", execID).Logger()
	}
	Configure(Config{})
	tagged := &taggedWriter{sink: sink, tag: fmt.Sprintf("[EXEC:%d] ", execID)}
	multi := zerolog.MultiLevelWriter(out, tagged)
	return zerolog.New(multi).With().
		Timestamp().
		Str("component", component).
		Int64("execution_id", execID).
		Logger()
}
