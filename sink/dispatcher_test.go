package sink

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengwei-dev/r-enhanced-viewer/errors"
	"github.com/chengwei-dev/r-enhanced-viewer/table"
)

// captureSink records delivered snapshots.
type captureSink struct {
	mu       sync.Mutex
	received []string
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) OnSnapshot(snapshot *table.Snapshot) {
	s.mu.Lock()
	s.received = append(s.received, snapshot.Name)
	s.mu.Unlock()
}

func (s *captureSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// panicSink always panics on delivery.
type panicSink struct{}

func (s *panicSink) Name() string                 { return "panic" }
func (s *panicSink) OnSnapshot(_ *table.Snapshot) { panic("presentation failure") }

func startDispatcher(t *testing.T, cfg ConstructorConfig) *Dispatcher {
	t.Helper()
	d := NewDispatcher(cfg)
	require.NoError(t, d.Initialize())
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop(time.Second) })
	return d
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	capture := &captureSink{}
	d := startDispatcher(t, ConstructorConfig{Sinks: []Sink{capture}})

	d.Publish(snap("first"))
	d.Publish(snap("second"))
	d.Publish(snap("third"))

	require.Eventually(t, func() bool {
		return len(capture.names()) == 3
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"first", "second", "third"}, capture.names())
}

func TestDispatcher_PublishBeforeStart(t *testing.T) {
	capture := &captureSink{}
	d := NewDispatcher(ConstructorConfig{Sinks: []Sink{capture}})

	d.Publish(snap("early"))
	assert.Empty(t, capture.names(), "nothing delivered before start")

	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop(time.Second) })

	require.Eventually(t, func() bool {
		return len(capture.names()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"early"}, capture.names())
}

func TestDispatcher_DropOldestUnderPressure(t *testing.T) {
	capture := &captureSink{}
	d := NewDispatcher(ConstructorConfig{QueueCapacity: 2, Sinks: []Sink{capture}})

	// Queue fills while the drain goroutine is not yet running
	d.Publish(snap("stale"))
	d.Publish(snap("older"))
	d.Publish(snap("newest"))

	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop(time.Second) })

	require.Eventually(t, func() bool {
		return len(capture.names()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"older", "newest"}, capture.names(),
		"the oldest snapshot is the one sacrificed")
}

func TestDispatcher_PanickingSinkIsIsolated(t *testing.T) {
	capture := &captureSink{}
	d := startDispatcher(t, ConstructorConfig{Sinks: []Sink{&panicSink{}, capture}})

	d.Publish(snap("a"))
	d.Publish(snap("b"))

	require.Eventually(t, func() bool {
		return len(capture.names()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, capture.names(),
		"later sinks and later snapshots still deliver")
}

func TestDispatcher_AddSink(t *testing.T) {
	capture := &captureSink{}
	d := startDispatcher(t, ConstructorConfig{})

	d.AddSink(capture)
	d.Publish(snap("after-add"))

	require.Eventually(t, func() bool {
		return len(capture.names()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcher_Lifecycle(t *testing.T) {
	d := NewDispatcher(ConstructorConfig{})

	err := d.Stop(time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotStarted)

	require.NoError(t, d.Start(context.Background()))

	err = d.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyRunning)

	health := d.Health()
	assert.True(t, health.Healthy)

	require.NoError(t, d.Stop(time.Second))
	assert.False(t, d.Health().Healthy)

	// Stopped dispatchers can start again
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Stop(time.Second))
}

func TestDispatcher_NilSnapshotIgnored(t *testing.T) {
	capture := &captureSink{}
	d := startDispatcher(t, ConstructorConfig{Sinks: []Sink{capture}})

	d.Publish(nil)
	d.Publish(snap("real"))

	require.Eventually(t, func() bool {
		return len(capture.names()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"real"}, capture.names())
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	s := NewLogSink(logger)

	assert.Equal(t, "log", s.Name())

	s.OnSnapshot(&table.Snapshot{
		Name:      "mtcars",
		Columns:   make([]table.Column, 11),
		Rows:      make([][]table.Cell, 32),
		TotalRows: 32,
	})

	out := buf.String()
	assert.Contains(t, out, "snapshot received")
	assert.Contains(t, out, "mtcars")
	assert.Contains(t, out, "rows=32")
}
