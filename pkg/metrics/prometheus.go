package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusObserver maps relay events onto Prometheus collectors.
type PrometheusObserver struct {
	Events           *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	ActiveSpeakers   prometheus.Gauge
	PlaybackDuration prometheus.Histogram
	SessionDuration  prometheus.Histogram
	ResponseLatency  prometheus.Histogram
}

// NewPrometheusObserver registers the collectors on reg, or on the default
// registry when reg is nil.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusObserver{
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "convobot_events_total",
			Help: "Relay events by name and kind",
		}, []string{"name", "kind"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "convobot_active_sessions",
			Help: "Voice sessions currently relaying",
		}),
		ActiveSpeakers: f.NewGauge(prometheus.GaugeOpts{
			Name: "convobot_active_speaker_streams",
			Help: "Speaker streams currently captured",
		}),
		PlaybackDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "convobot_playback_buffer_seconds",
			Help:    "Lifetime of playback buffers",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "convobot_session_seconds",
			Help:    "Lifetime of relay sessions",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}),
		ResponseLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "convobot_response_latency_seconds",
			Help:    "End of user speech to first reply audio",
			Buckets: prometheus.ExponentialBuckets(0.1, 1.6, 10),
		}),
	}
}

func (p *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	p.Events.WithLabelValues(ev.Name, ev.Tags[TagKind]).Inc()
	switch ev.Name {
	case EventSessionStarted:
		p.ActiveSessions.Inc()
	case EventSessionEnded:
		p.ActiveSessions.Dec()
		p.SessionDuration.Observe(ev.Value)
	case EventSpeakerOpened:
		p.ActiveSpeakers.Inc()
	case EventSpeakerClosed:
		p.ActiveSpeakers.Dec()
	case EventPlaybackFinished:
		p.PlaybackDuration.Observe(ev.Value)
	case EventResponseLatency:
		p.ResponseLatency.Observe(ev.Value)
	}
}
