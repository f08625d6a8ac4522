// SPDX-License-Identifier: MIT

// Package logstream tails the application log file and pushes each running
// execution's tagged lines to WebSocket subscribers.
package logstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/cmdarr/cmdarr/internal/log"
)

// tailInterval is the fallback poll cadence; fsnotify write events wake the
// tail loop earlier.
const tailInterval = 500 * time.Millisecond

// redactMarkers drop lines that may carry credentials.
var redactMarkers = []string{"token=", "password=", "key=", "secret="}

// noiseMarkers drop recurring low-value chatter.
var noiseMarkers = []string{"cache.hit", "cache.miss", "library.lookup"}

// Subscriber receives filtered log lines for a command. A send error
// evicts the subscriber; there is no retry.
type Subscriber interface {
	SendLogLine(command, line string) error
}

// Fanout owns the per-execution tail loops and the subscriber sets.
type Fanout struct {
	sink   *log.Sink
	logger zerolog.Logger

	mu      sync.Mutex
	subs    map[string]map[Subscriber]struct{} // command -> subscribers
	streams map[string]context.CancelFunc      // command -> tail loop cancel
	wg      sync.WaitGroup
}

// New builds a fanout over the application log sink.
func New(sink *log.Sink) *Fanout {
	return &Fanout{
		sink:    sink,
		logger:  log.WithComponent("logstream"),
		subs:    make(map[string]map[Subscriber]struct{}),
		streams: make(map[string]context.CancelFunc),
	}
}

// Subscribe registers sub for a command's log lines.
func (f *Fanout) Subscribe(command string, sub Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[command] == nil {
		f.subs[command] = make(map[Subscriber]struct{})
	}
	f.subs[command][sub] = struct{}{}
}

// Unsubscribe removes sub from every command.
func (f *Fanout) Unsubscribe(sub Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for command, set := range f.subs {
		delete(set, sub)
		if len(set) == 0 {
			delete(f.subs, command)
		}
	}
}

// StartStreaming begins tailing the log file from its current length,
// forwarding lines tagged with execID to the command's subscribers. A
// second call for the same command replaces the previous stream.
func (f *Fanout) StartStreaming(command string, execID int64) error {
	offset, err := f.sink.Size()
	if err != nil {
		return fmt.Errorf("logstream: stat sink: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.mu.Lock()
	if prev, ok := f.streams[command]; ok {
		prev()
	}
	f.streams[command] = cancel
	f.mu.Unlock()

	f.wg.Add(1)
	go f.tail(ctx, command, execID, offset)
	f.logger.Debug().
		Str("event", "logstream.start").
		Str("command", command).
		Int64("execution_id", execID).
		Int64("offset", offset).
		Msg("streaming started")
	return nil
}

// StopStreaming ends the command's tail loop.
func (f *Fanout) StopStreaming(command string) {
	f.mu.Lock()
	if cancel, ok := f.streams[command]; ok {
		cancel()
		delete(f.streams, command)
	}
	f.mu.Unlock()
}

// Close stops every stream and waits for the tail loops.
func (f *Fanout) Close() {
	f.mu.Lock()
	for command, cancel := range f.streams {
		cancel()
		delete(f.streams, command)
	}
	f.mu.Unlock()
	f.wg.Wait()
}

// tail polls the sink for appended bytes, forwarding complete tagged lines.
func (f *Fanout) tail(ctx context.Context, command string, execID int64, offset int64) {
	defer f.wg.Done()
	tag := fmt.Sprintf("[EXEC:%d]", execID)

	// fsnotify gives early wakeups; the ticker is the guaranteed cadence.
	var events chan struct{}
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(f.sink.Path()); err == nil {
			events = make(chan struct{}, 1)
			go func() {
				defer close(events)
				for {
					select {
					case <-ctx.Done():
						return
					case ev, ok := <-watcher.Events:
						if !ok {
							return
						}
						if ev.Op&fsnotify.Write != 0 {
							select {
							case events <- struct{}{}:
							default:
							}
						}
					case <-watcher.Errors:
					}
				}
			}()
			defer func() { _ = watcher.Close() }()
		} else {
			_ = watcher.Close()
		}
	}

	ticker := time.NewTicker(tailInterval)
	defer ticker.Stop()

	var partial []byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-events:
		}
		offset = f.drain(command, tag, offset, &partial)
	}
}

// drain reads bytes appended since offset and forwards complete lines,
// keeping an unterminated trailing line for the next pass.
func (f *Fanout) drain(command, tag string, offset int64, partial *[]byte) int64 {
	fh, err := os.Open(f.sink.Path())
	if err != nil {
		return offset
	}
	defer func() { _ = fh.Close() }()

	if _, err := fh.Seek(offset, io.SeekStart); err != nil {
		return offset
	}
	data, err := io.ReadAll(fh)
	if err != nil || len(data) == 0 {
		return offset
	}
	offset += int64(len(data))

	buf := append(*partial, data...)
	lines := bytes.Split(buf, []byte("\n"))
	*partial = append([]byte(nil), lines[len(lines)-1]...)
	for _, raw := range lines[:len(lines)-1] {
		line := string(raw)
		if !strings.Contains(line, tag) {
			continue
		}
		if shouldDrop(line) {
			continue
		}
		f.forward(command, line)
	}
	return offset
}

func shouldDrop(line string) bool {
	lower := strings.ToLower(line)
	for _, marker := range redactMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	for _, marker := range noiseMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func (f *Fanout) forward(command, line string) {
	f.mu.Lock()
	subs := make([]Subscriber, 0, len(f.subs[command]))
	for sub := range f.subs[command] {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		if err := sub.SendLogLine(command, line); err != nil {
			f.logger.Debug().
				Err(err).
				Str("event", "logstream.evict").
				Str("command", command).
				Msg("subscriber write failed, evicting")
			f.Unsubscribe(sub)
		}
	}
}

// SubscriberCount reports the current subscriber total across commands.
func (f *Fanout) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, set := range f.subs {
		n += len(set)
	}
	return n
}
