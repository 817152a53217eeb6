package aggregators

import (
	"strings"
	"sync"

	"github.com/GitFitCode/discord-convo-bot/pkg/frames"
)

type TranscriptConfig struct {
	// MaxChars caps the text buffered for one response.
	MaxChars   int
	MaxHistory int
}

// Transcript assembles streamed response text into one frame per response
// and keeps a short history of finished responses.
type Transcript struct {
	mu        sync.Mutex
	cfg       TranscriptConfig
	sessionID string
	meta      map[string]string
	pts       *frames.PTSGen
	sb        strings.Builder
	deltas    int
	truncated bool
	history   []string
}

func NewTranscript(sessionID string, meta map[string]string, cfg TranscriptConfig) *Transcript {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 8192
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 10
	}
	return &Transcript{
		cfg:       cfg,
		sessionID: sessionID,
		meta:      meta,
		pts:       frames.NewPTSGen(),
	}
}

func (a *Transcript) Name() string { return "transcript_aggregator" }

// AddDelta appends one streamed text fragment.
func (a *Transcript) AddDelta(delta string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deltas++
	if room := a.cfg.MaxChars - a.sb.Len(); room < len(delta) {
		if room > 0 {
			a.sb.WriteString(delta[:room])
		}
		a.truncated = true
		return
	}
	a.sb.WriteString(delta)
}

// Complete closes the current response. final, when non-empty, is the
// authoritative full text and wins over the streamed fragments. It returns
// nil when there was no text at all.
func (a *Transcript) Complete(final string) *frames.TextFrame {
	a.mu.Lock()
	defer a.mu.Unlock()
	text := strings.TrimSpace(final)
	if text == "" {
		text = strings.TrimSpace(a.sb.String())
	}
	a.resetLocked()
	if text == "" {
		return nil
	}
	a.appendHistory(text)
	tf := frames.NewTextFrame(a.sessionID, a.pts.Next(a.sessionID), text, a.meta)
	return &tf
}

// Reset drops a partial response.
func (a *Transcript) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

// Pending returns the text buffered for the current response.
func (a *Transcript) Pending() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sb.String()
}

func (a *Transcript) resetLocked() {
	a.sb.Reset()
	a.deltas = 0
	a.truncated = false
}

func (a *Transcript) appendHistory(text string) {
	a.history = append(a.history, text)
	if len(a.history) > a.cfg.MaxHistory {
		a.history = a.history[len(a.history)-a.cfg.MaxHistory:]
	}
}

func (a *Transcript) History() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.history))
	copy(out, a.history)
	return out
}
