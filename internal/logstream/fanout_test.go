// SPDX-License-Identifier: MIT

package logstream

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmdarr/cmdarr/internal/log"
)

type memSubscriber struct {
	mu    sync.Mutex
	lines []string
	fail  bool
}

func (m *memSubscriber) SendLogLine(command, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return fmt.Errorf("broken pipe")
	}
	m.lines = append(m.lines, line)
	return nil
}

func (m *memSubscriber) got() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines...)
}

func newTestFanout(t *testing.T) (*Fanout, *log.Sink) {
	t.Helper()
	sink, err := log.OpenSink(filepath.Join(t.TempDir(), "cmdarr.log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	f := New(sink)
	t.Cleanup(f.Close)
	return f, sink
}

func writeLine(t *testing.T, sink *log.Sink, line string) {
	t.Helper()
	_, err := sink.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func TestStreamFiltersByExecutionTag(t *testing.T) {
	f, sink := newTestFanout(t)

	sub := &memSubscriber{}
	f.Subscribe("discovery_lastfm", sub)

	// Lines before StartStreaming are behind the starting offset.
	writeLine(t, sink, `[EXEC:7] {"message":"too early"}`)
	require.NoError(t, f.StartStreaming("discovery_lastfm", 7))

	writeLine(t, sink, `[EXEC:7] {"message":"mine"}`)
	writeLine(t, sink, `[EXEC:8] {"message":"someone else"}`)
	writeLine(t, sink, `{"message":"untagged"}`)

	require.Eventually(t, func() bool {
		return len(sub.got()) == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Contains(t, sub.got()[0], `"mine"`)
}

func TestStreamTagIsExact(t *testing.T) {
	f, sink := newTestFanout(t)
	sub := &memSubscriber{}
	f.Subscribe("discovery_lastfm", sub)
	require.NoError(t, f.StartStreaming("discovery_lastfm", 7))

	// Execution 70 and 71 share a prefix with 7 but must not leak through.
	writeLine(t, sink, `[EXEC:70] {"message":"not mine"}`)
	writeLine(t, sink, `[EXEC:71] {"message":"not mine either"}`)
	writeLine(t, sink, `[EXEC:7] {"message":"mine"}`)

	require.Eventually(t, func() bool {
		return len(sub.got()) == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Contains(t, sub.got()[0], `"mine"`)
}

func TestRedactionAndNoiseSuppression(t *testing.T) {
	f, sink := newTestFanout(t)
	sub := &memSubscriber{}
	f.Subscribe("discovery_lastfm", sub)
	require.NoError(t, f.StartStreaming("discovery_lastfm", 7))

	writeLine(t, sink, `[EXEC:7] {"message":"calling api with token=abc123"}`)
	writeLine(t, sink, `[EXEC:7] {"message":"password=hunter2"}`)
	writeLine(t, sink, `[EXEC:7] {"event":"cache.hit","message":"cache hit"}`)
	writeLine(t, sink, `[EXEC:7] {"event":"library.lookup","message":"lookup"}`)
	writeLine(t, sink, `[EXEC:7] {"message":"safe line"}`)

	require.Eventually(t, func() bool {
		return len(sub.got()) == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Contains(t, sub.got()[0], "safe line")
}

func TestBrokenSubscriberEvicted(t *testing.T) {
	f, sink := newTestFanout(t)

	healthy := &memSubscriber{}
	broken := &memSubscriber{fail: true}
	f.Subscribe("discovery_lastfm", healthy)
	f.Subscribe("discovery_lastfm", broken)
	require.Equal(t, 2, f.SubscriberCount())

	require.NoError(t, f.StartStreaming("discovery_lastfm", 7))
	writeLine(t, sink, `[EXEC:7] {"message":"one"}`)

	require.Eventually(t, func() bool {
		return f.SubscriberCount() == 1 && len(healthy.got()) == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestStopStreaming(t *testing.T) {
	f, sink := newTestFanout(t)
	sub := &memSubscriber{}
	f.Subscribe("discovery_lastfm", sub)
	require.NoError(t, f.StartStreaming("discovery_lastfm", 7))

	writeLine(t, sink, `[EXEC:7] {"message":"before stop"}`)
	require.Eventually(t, func() bool {
		return len(sub.got()) == 1
	}, 3*time.Second, 20*time.Millisecond)

	f.StopStreaming("discovery_lastfm")
	writeLine(t, sink, `[EXEC:7] {"message":"after stop"}`)
	time.Sleep(2 * tailInterval)
	assert.Len(t, sub.got(), 1)
}

func TestUnsubscribe(t *testing.T) {
	f, _ := newTestFanout(t)
	sub := &memSubscriber{}
	f.Subscribe("a", sub)
	f.Subscribe("b", sub)
	require.Equal(t, 2, f.SubscriberCount())
	f.Unsubscribe(sub)
	assert.Zero(t, f.SubscriberCount())
}
