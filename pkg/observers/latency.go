package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/GitFitCode/discord-convo-bot/pkg/adapters/realtime"
	"github.com/GitFitCode/discord-convo-bot/pkg/metrics"
)

// LatencyObserver measures, per session, the time from the remote end of
// user speech to the first audio fragment of the reply.
type LatencyObserver struct {
	mu     sync.Mutex
	turns  map[string]*turn
	log    *slog.Logger
	report func(sessionID string, d time.Duration)
}

type turn struct {
	speechStopped time.Time
	committed     time.Time
	firstAudio    time.Time
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		turns: make(map[string]*turn),
		log:   log,
	}
}

// OnMeasured installs a callback invoked for every completed measurement.
func (o *LatencyObserver) OnMeasured(fn func(sessionID string, d time.Duration)) {
	o.mu.Lock()
	o.report = fn
	o.mu.Unlock()
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	sessionID := ev.Tags[metrics.TagSession]
	if sessionID == "" {
		return
	}
	if ev.Name == metrics.EventSessionEnded {
		o.mu.Lock()
		delete(o.turns, sessionID)
		o.mu.Unlock()
		return
	}
	if ev.Name != metrics.EventRealtimeEvent {
		return
	}

	o.mu.Lock()
	t := o.turns[sessionID]
	if t == nil {
		t = &turn{}
		o.turns[sessionID] = t
	}
	var measured *turn
	switch ev.Tags[metrics.TagKind] {
	case realtime.TypeSpeechStarted:
		*t = turn{}
	case realtime.TypeSpeechStopped:
		t.speechStopped = ev.Time
	case realtime.TypeInputCommitted:
		if t.committed.IsZero() {
			t.committed = ev.Time
		}
	case realtime.TypeAudioDelta:
		if t.firstAudio.IsZero() && !t.speechStopped.IsZero() {
			t.firstAudio = ev.Time
			cp := *t
			measured = &cp
			*t = turn{}
		}
	}
	report := o.report
	o.mu.Unlock()

	if measured == nil {
		return
	}
	d := measured.firstAudio.Sub(measured.speechStopped)
	o.log.Info("response_latency",
		slog.String("session_id", sessionID),
		slog.Int64("first_audio_ms", d.Milliseconds()),
		slog.Int64("commit_ms", durationMs(measured.speechStopped, measured.committed)),
	)
	if report != nil {
		report(sessionID, d)
	}
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
