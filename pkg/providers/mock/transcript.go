package mock

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/avatartalk/pkg/transcript"
)

type TranscriptConfig struct {
	// Script lines are played as interim then final results, one per
	// Interval, resuming where they left off after a restart.
	Script         []string
	Interval       time.Duration
	MicUnavailable bool
	StartErr       error
}

// TranscriptSource is an in-memory recognizer.
type TranscriptSource struct {
	cfg TranscriptConfig

	mu       sync.Mutex
	handlers transcript.Handlers
	running  bool
	cancel   context.CancelFunc
	next     int
	starts   int
	stops    int
}

func NewTranscriptSource(cfg TranscriptConfig) *TranscriptSource {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	return &TranscriptSource{cfg: cfg}
}

func (s *TranscriptSource) Name() string { return "mock_transcript" }

func (s *TranscriptSource) Start(ctx context.Context, h transcript.Handlers) error {
	if s.cfg.MicUnavailable {
		return transcript.ErrMicrophoneUnavailable
	}
	if s.cfg.StartErr != nil {
		return s.cfg.StartErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.handlers = h
	s.starts++
	if s.next < len(s.cfg.Script) {
		playCtx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go s.play(playCtx)
	}
	return nil
}

func (s *TranscriptSource) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	s.stops++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}

func (s *TranscriptSource) CheckMicrophone(ctx context.Context) (bool, error) {
	return !s.cfg.MicUnavailable, nil
}

// EmitFinal delivers a final result and reports whether the source was running.
func (s *TranscriptSource) EmitFinal(text string) bool {
	s.mu.Lock()
	h, running := s.handlers, s.running
	s.mu.Unlock()
	if running {
		h.Final(text)
	}
	return running
}

// EmitInterim delivers an interim result and reports whether the source was running.
func (s *TranscriptSource) EmitInterim(text string) bool {
	s.mu.Lock()
	h, running := s.handlers, s.running
	s.mu.Unlock()
	if running {
		h.Interim(text)
	}
	return running
}

// EmitError delivers a recognizer error.
func (s *TranscriptSource) EmitError(err error) {
	s.mu.Lock()
	h := s.handlers
	s.mu.Unlock()
	h.Error(err)
}

func (s *TranscriptSource) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Starts and Stops count effective transitions.
func (s *TranscriptSource) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

func (s *TranscriptSource) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func (s *TranscriptSource) play(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		if !s.running || s.next >= len(s.cfg.Script) {
			s.mu.Unlock()
			return
		}
		line := s.cfg.Script[s.next]
		s.next++
		h := s.handlers
		s.mu.Unlock()
		h.Interim(line)
		h.Final(line)
	}
}

var _ transcript.Source = (*TranscriptSource)(nil)
