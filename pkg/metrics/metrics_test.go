package metrics

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitIgnoresNilObserver(t *testing.T) {
	Emit(nil, EventSessionStarted, 1, nil)

	mem := NewMemoryObserver()
	Emit(mem, EventSessionStarted, 1, map[string]string{TagKind: "x"})
	require.Len(t, mem.Snapshot(), 1)
	assert.Equal(t, 1, mem.Count(EventSessionStarted))
	assert.False(t, mem.Snapshot()[0].Time.IsZero())
}

func TestAsyncObserverDeliversBeforeClose(t *testing.T) {
	mem := NewMemoryObserver()
	a := NewAsyncObserver(mem, 16)
	for i := 0; i < 10; i++ {
		Emit(a, EventChunkForwarded, 1, nil)
	}
	a.Close()
	assert.Equal(t, 10, mem.Count(EventChunkForwarded))

	Emit(a, EventChunkForwarded, 1, nil)
	assert.Equal(t, 10, mem.Count(EventChunkForwarded))
}

func TestAsyncObserverRecordRacingClose(t *testing.T) {
	mem := NewMemoryObserver()
	a := NewAsyncObserver(mem, 4)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				Emit(a, EventChunkForwarded, 1, nil)
			}
		}()
	}
	a.Close()
	wg.Wait()
	a.Close()

	assert.Equal(t, int64(8*200), int64(mem.Count(EventChunkForwarded))+a.Dropped())
}

func TestSamplingObserverOnlySamplesNamedEvents(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0.25, EventChunkForwarded)
	for i := 0; i < 8; i++ {
		Emit(s, EventChunkForwarded, 1, nil)
		Emit(s, EventSessionStarted, 1, nil)
	}
	assert.Equal(t, 2, mem.Count(EventChunkForwarded))
	assert.Equal(t, 8, mem.Count(EventSessionStarted))

	off := NewSamplingObserver(mem, 0, EventChunkForwarded)
	Emit(off, EventChunkForwarded, 1, nil)
	assert.Equal(t, 2, mem.Count(EventChunkForwarded))
}

func TestJSONLObserverWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	o := NewJSONLObserver(&buf)
	Emit(o, EventRealtimeEvent, 1, map[string]string{TagKind: "response.done"})
	Emit(o, EventRealtimeEvent, 1, nil)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"kind":"response.done"`)
	assert.NoError(t, o.Flush())
}

func TestPrometheusObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusObserver(reg)

	Emit(p, EventSessionStarted, 1, nil)
	Emit(p, EventSessionStarted, 1, nil)
	Emit(p, EventSessionEnded, 30, nil)
	Emit(p, EventRealtimeEvent, 1, map[string]string{TagKind: "error"})
	Emit(p, EventSpeakerOpened, 1, nil)

	assert.Equal(t, 1.0, value(t, p.ActiveSessions))
	assert.Equal(t, 1.0, value(t, p.ActiveSpeakers))
	assert.Equal(t, 1.0, value(t, p.Events.WithLabelValues(EventRealtimeEvent, "error")))
	assert.Equal(t, 2.0, value(t, p.Events.WithLabelValues(EventSessionStarted, "")))
}

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if out.Gauge != nil {
		return out.GetGauge().GetValue()
	}
	return out.GetCounter().GetValue()
}
