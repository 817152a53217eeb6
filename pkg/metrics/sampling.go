package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards a fraction of high-volume events (per audio
// chunk) and every other event untouched.
type SamplingObserver struct {
	inner       Observer
	sampled     map[string]struct{}
	sampleEvery uint64
	counter     atomic.Uint64
}

// NewSamplingObserver samples the named events at rate (0..1).
func NewSamplingObserver(inner Observer, rate float64, names ...string) *SamplingObserver {
	rate = math.Max(0, math.Min(1, rate))
	var every uint64
	if rate > 0 {
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	sampled := make(map[string]struct{}, len(names))
	for _, n := range names {
		sampled[n] = struct{}{}
	}
	return &SamplingObserver{inner: inner, sampled: sampled, sampleEvery: every}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if _, ok := s.sampled[ev.Name]; !ok {
		s.inner.RecordEvent(ev)
		return
	}
	if s.sampleEvery == 0 {
		return
	}
	if s.sampleEvery == 1 || s.counter.Add(1)%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}

// Flush flushes the inner observer when it buffers.
func (s *SamplingObserver) Flush() error {
	if f, ok := s.inner.(Flusher); ok {
		return f.Flush()
	}
	return nil
}
