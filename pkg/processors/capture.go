package processors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GitFitCode/discord-convo-bot/pkg/audio"
	"github.com/GitFitCode/discord-convo-bot/pkg/errorsx"
	"github.com/GitFitCode/discord-convo-bot/pkg/frames"
	"github.com/GitFitCode/discord-convo-bot/pkg/logging"
	"github.com/GitFitCode/discord-convo-bot/pkg/metrics"
	"github.com/GitFitCode/discord-convo-bot/pkg/transports"
)

// Uplink receives captured audio bound for the remote speech API.
type Uplink interface {
	SendAudio(frame frames.AudioFrame) error
}

// FloorPolicy decides how concurrent speakers share the single remote input
// buffer.
type FloorPolicy string

const (
	// FloorExclusive forwards one speaker at a time. Audio of other speakers
	// waits in per-speaker queues and is sent in arrival order once the
	// holder's stream ends.
	FloorExclusive FloorPolicy = "exclusive"
	// FloorShared forwards every speaker, interleaving their chunks in the
	// remote buffer. Overlap is logged.
	FloorShared FloorPolicy = "shared"
)

const (
	DefaultInactivityTimeout = 2 * time.Second
	DefaultMaxQueuedAudio    = 30 * time.Second
)

var ErrCaptureClosed = errors.New("capture manager closed")

type CaptureConfig struct {
	SessionID         string
	ChannelID         string
	InactivityTimeout time.Duration
	Floor             FloorPolicy
	// MaxQueuedAudio bounds the audio one speaker may have waiting for the
	// floor; chunks beyond it are dropped.
	MaxQueuedAudio time.Duration
	NewDecoder     func() (audio.Decoder, error)
	NewConverter   func() (audio.Converter, error)
	Observer       metrics.Observer
	Logger         *slog.Logger
}

func (c CaptureConfig) withDefaults() CaptureConfig {
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.Floor == "" {
		c.Floor = FloorExclusive
	}
	if c.MaxQueuedAudio <= 0 {
		c.MaxQueuedAudio = DefaultMaxQueuedAudio
	}
	if c.NewDecoder == nil {
		c.NewDecoder = func() (audio.Decoder, error) {
			return audio.NewOpusDecoder(audio.VoiceCaptureFormat)
		}
	}
	if c.NewConverter == nil {
		c.NewConverter = func() (audio.Converter, error) {
			return audio.NewResampler(audio.VoiceCaptureFormat, audio.RealtimeFormat)
		}
	}
	if c.Observer == nil {
		c.Observer = metrics.NoopObserver{}
	}
	return c
}

// CaptureManager turns per-speaker voice audio into uplink frames. Each
// speaker gets its own stream with decoder state, a resampling stage and an
// inactivity timer.
type CaptureManager struct {
	cfg      CaptureConfig
	logger   *slog.Logger
	receiver transports.Receiver
	uplink   Uplink
	pts      *frames.PTSGen

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu            sync.Mutex
	streams       map[string]*speakerStream
	overlapWarned bool
	started       bool
	closed        bool

	// floorMu orders every uplink send; it is taken before mu.
	floorMu     sync.Mutex
	floor       string
	waiting     []*floorQueue
	floorClosed bool
}

// floorQueue holds converted audio of one speaker waiting for the floor.
type floorQueue struct {
	speakerID string
	chunks    [][]byte
	bytes     int
}

func NewCaptureManager(receiver transports.Receiver, uplink Uplink, cfg CaptureConfig) *CaptureManager {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &CaptureManager{
		cfg:      cfg,
		logger:   logging.NewSessionLogger(cfg.Logger, "capture", cfg.SessionID, cfg.ChannelID),
		receiver: receiver,
		uplink:   uplink,
		pts:      frames.NewPTSGen(),
		ctx:      ctx,
		cancel:   cancel,
		streams:  make(map[string]*speakerStream),
	}
}

// Start consumes speaking edges from the receiver until ctx ends or the
// manager is closed.
func (m *CaptureManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrCaptureClosed
	}
	if m.started {
		return nil
	}
	m.started = true
	if ctx == nil {
		ctx = context.Background()
	}
	m.group.Go(func() error {
		m.watchSpeaking(ctx)
		return nil
	})
	m.logger.Info("capture_started", slog.String("floor", string(m.cfg.Floor)))
	return nil
}

func (m *CaptureManager) watchSpeaking(ctx context.Context) {
	speaking := m.receiver.Speaking()
	for {
		select {
		case <-ctx.Done():
			m.cancel()
			return
		case <-m.ctx.Done():
			return
		case ev, ok := <-speaking:
			if !ok {
				return
			}
			if ev.Speaking {
				if err := m.OnSpeakingStart(ev.SpeakerID); err != nil && !errors.Is(err, ErrCaptureClosed) {
					m.logger.Warn("speaker_subscribe_failed",
						slog.String("speaker_id", ev.SpeakerID),
						slog.String("error", err.Error()))
				}
			} else {
				m.OnSpeakingEnd(ev.SpeakerID)
			}
		}
	}
}

// OnSpeakingStart opens a stream for speakerID unless one is already open.
func (m *CaptureManager) OnSpeakingStart(speakerID string) error {
	if speakerID == "" {
		return errors.New("empty speaker id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrCaptureClosed
	}
	if _, ok := m.streams[speakerID]; ok {
		return nil
	}

	decoder, err := m.cfg.NewDecoder()
	if err != nil {
		return fmt.Errorf("decoder for %s: %w", speakerID, err)
	}
	conv, err := m.cfg.NewConverter()
	if err != nil {
		return fmt.Errorf("converter for %s: %w", speakerID, err)
	}
	source, err := m.receiver.Subscribe(speakerID)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", speakerID, err)
	}

	s := &speakerStream{
		id:      speakerID,
		mgr:     m,
		source:  source,
		decoder: decoder,
		stage:   audio.NewStage("capture:"+speakerID, conv, m.cfg.Logger),
		stop:    make(chan struct{}),
		logger:  m.logger.With(slog.String("speaker_id", speakerID)),
	}
	m.streams[speakerID] = s
	metrics.Emit(m.cfg.Observer, metrics.EventSpeakerOpened, 1, nil)
	m.logger.Info("speaker_stream_opened",
		slog.String("speaker_id", speakerID),
		slog.Int("active_speakers", len(m.streams)))

	m.group.Go(func() error {
		reason := s.run(m.ctx, m.cfg.InactivityTimeout)
		m.release(speakerID, s)
		metrics.Emit(m.cfg.Observer, metrics.EventSpeakerClosed, 1, map[string]string{metrics.TagReason: reason})
		return nil
	})
	return nil
}

// OnSpeakingEnd destroys the speaker's stream. Audio for that speaker is
// ignored until the next speaking start.
func (m *CaptureManager) OnSpeakingEnd(speakerID string) {
	m.mu.Lock()
	s, ok := m.streams[speakerID]
	if ok {
		delete(m.streams, speakerID)
	}
	m.mu.Unlock()
	if ok {
		s.halt()
	}
}

// ActiveSpeakers is the number of open speaker streams.
func (m *CaptureManager) ActiveSpeakers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Close destroys every speaker stream and waits for their goroutines.
// Pending converted audio is discarded.
func (m *CaptureManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	count := len(m.streams)
	m.streams = make(map[string]*speakerStream)
	m.mu.Unlock()

	m.floorMu.Lock()
	m.floorClosed = true
	m.floor = ""
	m.waiting = nil
	m.floorMu.Unlock()

	m.cancel()
	_ = m.group.Wait()
	m.logger.Info("capture_closed", slog.Int("speaker_streams", count))
}

func (m *CaptureManager) release(speakerID string, s *speakerStream) {
	m.mu.Lock()
	if cur, ok := m.streams[speakerID]; ok && cur == s {
		delete(m.streams, speakerID)
	}
	m.mu.Unlock()
	m.releaseFloor(speakerID)
}

func (m *CaptureManager) speakerActive(speakerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.streams[speakerID]
	return ok
}

// deliver sends one converted chunk under the floor policy.
func (m *CaptureManager) deliver(speakerID string, pcm []byte) {
	m.floorMu.Lock()
	defer m.floorMu.Unlock()
	if m.floorClosed {
		return
	}
	if m.cfg.Floor == FloorShared {
		m.warnOverlap()
		m.forward(speakerID, pcm)
		return
	}
	if m.floor == "" {
		m.floor = speakerID
		m.logger.Debug("capture_floor_taken", slog.String("speaker_id", speakerID))
	}
	if m.floor == speakerID {
		m.forward(speakerID, pcm)
		return
	}
	m.enqueue(speakerID, pcm)
}

func (m *CaptureManager) warnOverlap() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) > 1 && !m.overlapWarned {
		m.overlapWarned = true
		m.logger.Warn("capture_speakers_overlap",
			slog.Int("active_speakers", len(m.streams)),
			slog.String("detail", "overlapping speakers share one remote input buffer"))
	}
}

func (m *CaptureManager) enqueue(speakerID string, pcm []byte) {
	q := m.queueFor(speakerID)
	if q == nil {
		q = &floorQueue{speakerID: speakerID}
		m.waiting = append(m.waiting, q)
		m.logger.Debug("capture_floor_wait",
			slog.String("speaker_id", speakerID),
			slog.String("holder", m.floor))
	}
	if q.bytes+len(pcm) > m.queueLimit() {
		metrics.Emit(m.cfg.Observer, metrics.EventChunkDropped, 1, map[string]string{metrics.TagReason: "floor_queue_full"})
		return
	}
	q.chunks = append(q.chunks, pcm)
	q.bytes += len(pcm)
	metrics.Emit(m.cfg.Observer, metrics.EventChunkQueued, float64(len(pcm)), nil)
}

func (m *CaptureManager) queueLimit() int {
	perSecond := audio.RealtimeSampleRate * audio.RealtimeChannels * audio.BytesPerSample
	return int(m.cfg.MaxQueuedAudio.Seconds() * float64(perSecond))
}

// releaseFloor passes the floor on once speakerID has no open stream. Queued
// speakers are flushed in the order they started waiting; the first one
// still speaking keeps the floor.
func (m *CaptureManager) releaseFloor(speakerID string) {
	m.floorMu.Lock()
	defer m.floorMu.Unlock()
	if m.speakerActive(speakerID) {
		return
	}
	if m.queueFor(speakerID) == nil {
		m.pts.Forget(speakerID)
	}
	if m.floor != speakerID {
		return
	}
	m.floor = ""
	for m.floor == "" && len(m.waiting) > 0 && !m.floorClosed {
		q := m.waiting[0]
		m.waiting = m.waiting[1:]
		for _, pcm := range q.chunks {
			m.forward(q.speakerID, pcm)
		}
		if !m.speakerActive(q.speakerID) {
			m.pts.Forget(q.speakerID)
			continue
		}
		m.floor = q.speakerID
		m.logger.Debug("capture_floor_taken",
			slog.String("speaker_id", q.speakerID),
			slog.Int("flushed_chunks", len(q.chunks)))
	}
}

func (m *CaptureManager) queueFor(speakerID string) *floorQueue {
	for _, q := range m.waiting {
		if q.speakerID == speakerID {
			return q
		}
	}
	return nil
}

func (m *CaptureManager) forward(speakerID string, pcm []byte) {
	frame := frames.NewAudioFrame(m.cfg.SessionID, m.pts.Next(speakerID), pcm,
		audio.RealtimeSampleRate, audio.RealtimeChannels, map[string]string{
			frames.MetaSpeakerID: speakerID,
			frames.MetaChannelID: m.cfg.ChannelID,
		})
	if err := m.uplink.SendAudio(frame); err != nil {
		m.logger.Debug("capture_forward_failed",
			slog.String("speaker_id", speakerID),
			slog.String("error", err.Error()))
		return
	}
	metrics.Emit(m.cfg.Observer, metrics.EventChunkForwarded, float64(len(pcm)), nil)
}

type speakerStream struct {
	id       string
	mgr      *CaptureManager
	source   transports.AudioStream
	decoder  audio.Decoder
	stage    *audio.Stage
	stop     chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger

	packets      int
	decodeErrors int
}

func (s *speakerStream) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// run pumps packets until the stream ends and returns why it ended.
func (s *speakerStream) run(ctx context.Context, timeout time.Duration) string {
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for pcm := range s.stage.Output() {
			s.mgr.deliver(s.id, pcm)
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var reason string
loop:
	for {
		select {
		case <-ctx.Done():
			reason = "capture_closed"
			break loop
		case <-s.stop:
			reason = "speaking_end"
			break loop
		case <-timer.C:
			reason = "inactivity_timeout"
			break loop
		case <-s.stage.Done():
			reason = "transcode_failed"
			break loop
		case pkt, ok := <-s.source.Packets():
			if !ok {
				reason = "source_closed"
				break loop
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)
			s.handlePacket(pkt)
		}
	}

	s.source.Close()
	if reason == "capture_closed" {
		s.stage.Abort()
	} else {
		s.stage.CloseInput()
	}
	<-forwarded
	if err := s.stage.Err(); err != nil && !errors.Is(err, audio.ErrStageAborted) {
		s.logger.Error("speaker_stream_failed", slog.String("error", err.Error()))
	}
	s.logger.Info("speaker_stream_closed",
		slog.String("reason", reason),
		slog.Int("packets", s.packets),
		slog.Int("decode_errors", s.decodeErrors))
	return reason
}

func (s *speakerStream) handlePacket(pkt []byte) {
	s.packets++
	pcm, err := s.decoder.Decode(pkt)
	if err != nil {
		s.decodeErrors++
		err = errorsx.Wrap(err, errorsx.ReasonDecode)
		s.logger.Warn("capture_chunk_decode_failed",
			slog.Int("bytes", len(pkt)),
			slog.String("error", err.Error()))
		metrics.Emit(s.mgr.cfg.Observer, metrics.EventDecodeError, 1, nil)
		return
	}
	if err := s.stage.Write(pcm); err != nil {
		s.logger.Debug("capture_stage_write_failed", slog.String("error", err.Error()))
	}
}
