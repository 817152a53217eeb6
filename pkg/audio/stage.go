package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/GitFitCode/discord-convo-bot/pkg/errorsx"
	"github.com/GitFitCode/discord-convo-bot/pkg/logging"
)

var (
	// ErrStageClosed is returned by Write once input was finalized or the
	// stage stopped.
	ErrStageClosed = errors.New("resampling stage closed")
	// ErrStageAborted is reported by Err and Reader after Abort.
	ErrStageAborted = errors.New("resampling stage aborted")
)

// Stage runs a Converter on its own goroutine. Writes never block: input is
// queued in arrival order and drained by the stage loop. The output channel
// is closed exactly once, after end of input has been flushed, after a
// conversion failure, or after Abort.
type Stage struct {
	name   string
	conv   Converter
	logger *slog.Logger

	mu          sync.Mutex
	queue       [][]byte
	inputClosed bool
	stopped     bool
	err         error

	notify    chan struct{}
	abortCh   chan struct{}
	abortOnce sync.Once
	out       chan []byte
	done      chan struct{}
}

func NewStage(name string, conv Converter, logger *slog.Logger) *Stage {
	s := &Stage{
		name:    name,
		conv:    conv,
		logger:  logging.NewComponentLogger(logger, "resample_stage").With(slog.String("stage", name)),
		notify:  make(chan struct{}, 1),
		abortCh: make(chan struct{}),
		out:     make(chan []byte, 16),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Stage) Name() string { return s.name }

// Write queues a copy of p for conversion.
func (s *Stage) Write(p []byte) error {
	s.mu.Lock()
	if s.inputClosed || s.stopped {
		s.mu.Unlock()
		return ErrStageClosed
	}
	if len(p) > 0 {
		s.queue = append(s.queue, append([]byte(nil), p...))
	}
	s.mu.Unlock()
	s.wake()
	return nil
}

// CloseInput marks end of input. Safe to call more than once.
func (s *Stage) CloseInput() {
	s.mu.Lock()
	if s.inputClosed {
		s.mu.Unlock()
		return
	}
	s.inputClosed = true
	s.mu.Unlock()
	s.wake()
}

// Abort stops the stage without flushing. Pending input is discarded.
func (s *Stage) Abort() {
	s.abortOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.queue = nil
		select {
		case <-s.done:
		default:
			if s.err == nil {
				s.err = ErrStageAborted
			}
		}
		s.mu.Unlock()
		close(s.abortCh)
	})
}

// Output delivers converted chunks in input order.
func (s *Stage) Output() <-chan []byte { return s.out }

// Done is closed when the stage goroutine has exited.
func (s *Stage) Done() <-chan struct{} { return s.done }

// Err reports why the stage stopped; nil after a clean end of stream.
func (s *Stage) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Reader exposes the output as a byte stream ending in io.EOF on a clean
// end of stream.
func (s *Stage) Reader() io.Reader {
	return &stageReader{stage: s}
}

func (s *Stage) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

type pull int

const (
	pullChunk pull = iota
	pullEOS
	pullAbort
)

func (s *Stage) next() ([]byte, pull) {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return nil, pullAbort
		}
		if len(s.queue) > 0 {
			chunk := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return chunk, pullChunk
		}
		if s.inputClosed {
			s.mu.Unlock()
			return nil, pullEOS
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.abortCh:
		}
	}
}

func (s *Stage) run() {
	defer close(s.done)
	defer close(s.out)

	for {
		chunk, kind := s.next()
		switch kind {
		case pullAbort:
			s.logger.Debug("stage_aborted")
			return
		case pullEOS:
			tail, err := s.conv.Flush()
			if err != nil {
				s.fail(err)
				return
			}
			s.emit(tail)
			s.logger.Debug("stage_end_of_stream")
			return
		}

		converted, err := s.conv.Convert(chunk)
		if err != nil {
			s.fail(err)
			return
		}
		if !s.emit(converted) {
			return
		}
	}
}

func (s *Stage) emit(p []byte) bool {
	if len(p) == 0 {
		return true
	}
	select {
	case s.out <- p:
		return true
	case <-s.abortCh:
		return false
	}
}

func (s *Stage) fail(err error) {
	wrapped := errorsx.Wrap(fmt.Errorf("%s: %w", s.name, err), errorsx.ReasonTranscode)
	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	if s.err == nil {
		s.err = wrapped
	}
	s.mu.Unlock()
	s.logger.Error("stage_conversion_failed", slog.String("error", err.Error()))
}

type stageReader struct {
	stage   *Stage
	pending []byte
}

func (r *stageReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		chunk, ok := <-r.stage.out
		if !ok {
			if err := r.stage.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		r.pending = chunk
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}
