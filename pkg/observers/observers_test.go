package observers

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GitFitCode/discord-convo-bot/pkg/adapters/realtime"
	"github.com/GitFitCode/discord-convo-bot/pkg/metrics"
)

type flushingObserver struct {
	metrics.MemoryObserver
	flushes int
	err     error
}

func (f *flushingObserver) Flush() error {
	f.flushes++
	return f.err
}

func TestLoggerObserverWritesTags(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	obs := NewLoggerObserver(log)

	obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventChunkDropped,
		Time: time.Now(),
		Tags: map[string]string{metrics.TagReason: "floor"},
	})
	out := buf.String()
	assert.Contains(t, out, `"msg":"metrics_event"`)
	assert.Contains(t, out, `"event":"capture_chunk_dropped"`)
	assert.Contains(t, out, `"reason":"floor"`)
}

func TestLoggerObserverRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	NewLoggerObserver(log).RecordEvent(metrics.MetricsEvent{Name: "x"})
	assert.Empty(t, buf.String())

	NewLoggerObserver(log).WithLevel(slog.LevelInfo).RecordEvent(metrics.MetricsEvent{Name: "x"})
	assert.Contains(t, buf.String(), "metrics_event")
}

func TestMultiObserverFansOutAndFlushes(t *testing.T) {
	a := &flushingObserver{}
	b := &flushingObserver{err: errors.New("disk full")}
	multi := NewMultiObserver(a, nil, b)

	multi.RecordEvent(metrics.MetricsEvent{Name: metrics.EventSessionStarted})
	assert.Equal(t, 1, a.Count(metrics.EventSessionStarted))
	assert.Equal(t, 1, b.Count(metrics.EventSessionStarted))

	err := multi.Flush()
	require.Error(t, err)
	assert.Equal(t, 1, a.flushes)
	assert.Equal(t, 1, b.flushes)
}

func realtimeEvent(session, kind string, at time.Time) metrics.MetricsEvent {
	return metrics.MetricsEvent{
		Name: metrics.EventRealtimeEvent,
		Time: at,
		Tags: map[string]string{metrics.TagSession: session, metrics.TagKind: kind},
	}
}

func TestLatencyObserverMeasuresFirstAudio(t *testing.T) {
	obs := NewLatencyObserver(slog.New(slog.DiscardHandler))
	var mu sync.Mutex
	got := map[string]time.Duration{}
	obs.OnMeasured(func(id string, d time.Duration) {
		mu.Lock()
		got[id] = d
		mu.Unlock()
	})

	t0 := time.Now()
	obs.RecordEvent(realtimeEvent("s1", realtime.TypeSpeechStarted, t0))
	obs.RecordEvent(realtimeEvent("s1", realtime.TypeSpeechStopped, t0.Add(time.Second)))
	obs.RecordEvent(realtimeEvent("s2", realtime.TypeAudioDelta, t0.Add(1100*time.Millisecond)))
	obs.RecordEvent(realtimeEvent("s1", realtime.TypeInputCommitted, t0.Add(1050*time.Millisecond)))
	obs.RecordEvent(realtimeEvent("s1", realtime.TypeAudioDelta, t0.Add(1400*time.Millisecond)))
	obs.RecordEvent(realtimeEvent("s1", realtime.TypeAudioDelta, t0.Add(1500*time.Millisecond)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]time.Duration{"s1": 400 * time.Millisecond}, got)
}

func TestLatencyObserverForgetsEndedSessions(t *testing.T) {
	obs := NewLatencyObserver(slog.New(slog.DiscardHandler))
	obs.RecordEvent(realtimeEvent("s1", realtime.TypeSpeechStopped, time.Now()))
	obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventSessionEnded,
		Tags: map[string]string{metrics.TagSession: "s1"},
	})
	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Empty(t, obs.turns)
}
