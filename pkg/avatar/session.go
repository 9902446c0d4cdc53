// Package avatar drives a lip-synced avatar media session: starting and
// stopping it, and speaking text through a FIFO queue with at most one
// request in flight.
package avatar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/avatartalk/pkg/errorsx"
	"github.com/harunnryd/avatartalk/pkg/events"
	"github.com/harunnryd/avatartalk/pkg/logging"
	"github.com/harunnryd/avatartalk/pkg/metrics"
	"github.com/harunnryd/avatartalk/pkg/resilience"
)

// Lifecycle is the session state. A stopped session returns to Uninitialized
// and may be started again.
type Lifecycle int

const (
	LifecycleUninitialized Lifecycle = iota
	LifecycleStarting
	LifecycleActive
	LifecycleStopping
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleUninitialized:
		return "UNINITIALIZED"
	case LifecycleStarting:
		return "STARTING"
	case LifecycleActive:
		return "ACTIVE"
	case LifecycleStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

const (
	defaultStartRetries = 3
	defaultStartBackoff = 2 * time.Second
	defaultStopTimeout  = time.Second
)

// Option customises a Session.
type Option func(*Session)

// WithRetryPolicy replaces the negotiation retry policy. resilience.NoRetry()
// disables retrying the same appearance.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(s *Session) { s.retry = p }
}

// WithFallbackAppearances lists appearances tried, each with the full retry
// budget, after the requested one is exhausted. Empty disables fallback.
func WithFallbackAppearances(list ...Appearance) Option {
	return func(s *Session) {
		s.fallbacks = nil
		for _, a := range list {
			if a.Valid() {
				s.fallbacks = append(s.fallbacks, a)
			}
		}
	}
}

// WithCircuitBreaker shares a rate-limit breaker across sessions.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Session) {
		if cb != nil {
			s.breaker = cb
		}
	}
}

// WithStopTimeout bounds how long StopSpeaking waits for the backend.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

// WithDefaultVoice sets the voice used when Speak gets none.
func WithDefaultVoice(voice string) Option {
	return func(s *Session) {
		if strings.TrimSpace(voice) != "" {
			s.defaultVoice = strings.TrimSpace(voice)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = logging.NewComponentLogger(l, "avatar_session")
		}
	}
}

// WithObserver records speech metrics tagged with sessionID.
func WithObserver(obs metrics.Observer, sessionID string) Option {
	return func(s *Session) {
		s.metrics = metrics.NewRecorder(obs, sessionID, "avatar_session")
	}
}

type startAttempt struct {
	done chan struct{}
	err  error
}

// Session is the avatar media session state machine.
type Session struct {
	backend Backend
	emitter events.Emitter
	logger  *slog.Logger
	metrics metrics.Recorder

	retry        resilience.RetryPolicy
	fallbacks    []Appearance
	breaker      *resilience.CircuitBreaker
	stopTimeout  time.Duration
	defaultVoice string

	wake chan struct{}

	mu          sync.Mutex
	lifecycle   Lifecycle
	appearance  Appearance
	media       Media
	start       *startAttempt
	startCancel context.CancelFunc
	stopDone    chan struct{}

	queue    []*SpeakRequest
	inflight *SpeakRequest
	halting  int

	workerCancel context.CancelFunc
	workerDone   chan struct{}
}

// NewSession builds an idle session. emitter receives lifecycle events and
// may be nil.
func NewSession(backend Backend, emitter events.Emitter, opts ...Option) *Session {
	if emitter == nil {
		emitter = events.Discard
	}
	s := &Session{
		backend:      backend,
		emitter:      emitter,
		logger:       logging.NewComponentLogger(slog.Default(), "avatar_session"),
		metrics:      metrics.NewRecorder(nil, "", "avatar_session"),
		retry:        resilience.NewRetryPolicy(defaultStartRetries, defaultStartBackoff),
		breaker:      resilience.NewCircuitBreaker(3, 30*time.Second),
		stopTimeout:  defaultStopTimeout,
		defaultVoice: DefaultVoice,
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.retry.Retryable == nil {
		s.retry.Retryable = func(err error) bool {
			return !errors.Is(err, resilience.ErrCircuitOpen)
		}
	}
	if s.retry.OnRetry == nil {
		s.retry.OnRetry = func(attempt int, err error, delay time.Duration) {
			s.logger.Warn("avatar_negotiation_retry",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", delay),
				slog.String("reason", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
		}
	}
	return s
}

// StartSession negotiates a media session for the given appearance. It is a
// no-op when already active and joins an attempt already in progress.
func (s *Session) StartSession(ctx context.Context, character, style string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	appearance := Appearance{Character: strings.TrimSpace(character), Style: strings.TrimSpace(style)}
	if !appearance.Valid() {
		err := &SessionStartError{Appearance: appearance, Err: errorsx.Wrap(ErrInvalidAppearance, errorsx.ReasonSessionStart)}
		s.emitStartFailure(err)
		return err
	}

	s.mu.Lock()
	for {
		switch s.lifecycle {
		case LifecycleActive:
			s.mu.Unlock()
			return nil
		case LifecycleStarting:
			attempt := s.start
			s.mu.Unlock()
			select {
			case <-attempt.done:
				return attempt.err
			case <-ctx.Done():
				return ctx.Err()
			}
		case LifecycleStopping:
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			s.mu.Lock()
			continue
		}
		break
	}
	attempt := &startAttempt{done: make(chan struct{})}
	startCtx, cancel := context.WithCancel(ctx)
	s.lifecycle = LifecycleStarting
	s.start = attempt
	s.startCancel = cancel
	s.mu.Unlock()
	defer cancel()

	s.logger.Info("avatar_session_starting",
		slog.String("character", appearance.Character),
		slog.String("style", appearance.Style))

	media, used, attempts, err := s.negotiate(startCtx, appearance)

	s.mu.Lock()
	if err == nil && startCtx.Err() != nil {
		err = startCtx.Err()
		_ = media.Close()
	}
	if err != nil {
		startErr := &SessionStartError{Appearance: appearance, Attempts: attempts, Err: errorsx.Wrap(err, errorsx.ReasonSessionStart)}
		s.lifecycle = LifecycleUninitialized
		s.start = nil
		s.startCancel = nil
		attempt.err = startErr
		close(attempt.done)
		s.mu.Unlock()
		s.emitStartFailure(startErr)
		return startErr
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	s.media = media
	s.appearance = used
	s.lifecycle = LifecycleActive
	s.start = nil
	s.startCancel = nil
	s.workerCancel = workerCancel
	s.workerDone = make(chan struct{})
	go s.run(workerCtx, s.workerDone)
	close(attempt.done)
	s.mu.Unlock()

	s.logger.Info("avatar_session_started",
		slog.String("character", used.Character),
		slog.String("style", used.Style),
		slog.Int("attempts", attempts))
	s.metrics.Record(metrics.SessionStarted, nil, map[string]any{"attempts": attempts})
	s.emit(events.SessionStarted, map[string]any{
		"character": used.Character,
		"style":     used.Style,
		"attempts":  attempts,
		"fallback":  used != appearance,
	})
	return nil
}

func (s *Session) emitStartFailure(err *SessionStartError) {
	s.logger.Error("avatar_session_start_failed",
		slog.String("character", err.Appearance.Character),
		slog.String("style", err.Appearance.Style),
		slog.Int("attempts", err.Attempts),
		slog.String("reason", string(errorsx.Reason(err))),
		slog.String("error", err.Error()))
	s.metrics.Record(metrics.SessionStartFailed, nil, map[string]any{"attempts": err.Attempts})
	s.emit(events.SessionError, map[string]any{
		"error":    err.Error(),
		"reason":   string(errorsx.Reason(err)),
		"attempts": err.Attempts,
	})
}

// negotiate tries the requested appearance and then each fallback, every one
// with the full retry budget.
func (s *Session) negotiate(ctx context.Context, requested Appearance) (Media, Appearance, int, error) {
	candidates := append([]Appearance{requested}, s.fallbacks...)
	attempts := 0
	var lastErr error
	for i, appearance := range candidates {
		if i > 0 {
			s.logger.Warn("avatar_fallback_appearance",
				slog.String("character", appearance.Character),
				slog.String("style", appearance.Style))
		}
		var media Media
		err := s.retry.Do(ctx, func(ctx context.Context, _ int) error {
			attempts++
			if !s.breaker.Allow() {
				err := fmt.Errorf("%w, retry in %s", resilience.ErrCircuitOpen, s.breaker.RetryAfter().Round(time.Second))
				return errorsx.Wrap(err, errorsx.ReasonSessionCircuitOpen)
			}
			m, err := s.negotiateOnce(ctx, appearance)
			if err != nil {
				s.breaker.OnError(err)
				return err
			}
			s.breaker.OnSuccess()
			media = m
			return nil
		})
		if err == nil {
			return media, appearance, attempts, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, resilience.ErrCircuitOpen) {
			break
		}
	}
	return nil, requested, attempts, lastErr
}

func (s *Session) negotiateOnce(ctx context.Context, appearance Appearance) (Media, error) {
	creds, err := s.backend.FetchRelay(ctx)
	if err != nil {
		return nil, errorsx.Wrap(err, reasonFor(err, errorsx.ReasonRelayFetch))
	}
	media, err := s.backend.Negotiate(ctx, creds, appearance, s.onConnectionState)
	if err != nil {
		return nil, errorsx.Wrap(err, reasonFor(err, errorsx.ReasonSessionStart))
	}
	return media, nil
}

func reasonFor(err error, fallback errorsx.ReasonCode) errorsx.ReasonCode {
	if resilience.IsRateLimit(err) {
		return errorsx.ReasonSessionRateLimit
	}
	return fallback
}

func (s *Session) onConnectionState(state ConnectionState) {
	s.logger.Debug("avatar_connection_state", slog.String("state", string(state)))
	s.emit(events.ConnectionStateChanged, map[string]any{"state": string(state)})
	if state != ConnectionFailed && state != ConnectionDisconnected {
		return
	}
	s.mu.Lock()
	active := s.lifecycle == LifecycleActive
	s.mu.Unlock()
	if active {
		s.logger.Warn("avatar_connection_lost", slog.String("state", string(state)))
		s.emit(events.SessionError, map[string]any{
			"error":  "media connection " + string(state),
			"reason": "connection_" + string(state),
		})
	}
}

// StopSession cancels all speech, releases the media session and returns to
// Uninitialized. Calling it on an idle session does nothing.
func (s *Session) StopSession(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.lifecycle == LifecycleStarting {
		attempt, cancel := s.start, s.startCancel
		s.mu.Unlock()
		cancel()
		select {
		case <-attempt.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	switch s.lifecycle {
	case LifecycleStopping:
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case LifecycleUninitialized:
		s.mu.Unlock()
		return nil
	}
	s.lifecycle = LifecycleStopping
	s.stopDone = make(chan struct{})
	s.mu.Unlock()

	_ = s.StopSpeaking(ctx)

	s.mu.Lock()
	workerCancel, workerDone, media := s.workerCancel, s.workerDone, s.media
	s.workerCancel, s.workerDone, s.media = nil, nil, nil
	s.mu.Unlock()

	if workerCancel != nil {
		workerCancel()
		select {
		case <-workerDone:
		case <-time.After(s.stopTimeout):
			s.logger.Warn("avatar_worker_stop_timeout", slog.Duration("timeout", s.stopTimeout))
		}
	}
	if media != nil {
		if err := media.Close(); err != nil {
			s.logger.Warn("avatar_media_close_failed", slog.String("error", err.Error()))
		}
	}

	s.mu.Lock()
	s.lifecycle = LifecycleUninitialized
	close(s.stopDone)
	s.mu.Unlock()

	s.logger.Info("avatar_session_stopped")
	s.metrics.Record(metrics.SessionStopped, nil, nil)
	s.emit(events.SessionStopped, nil)
	return nil
}

// Speak queues text and waits for it to be spoken. voice defaults to the
// session default voice.
func (s *Session) Speak(ctx context.Context, text, voice string) error {
	req, err := s.Enqueue(text, voice)
	if err != nil {
		return err
	}
	return req.Wait(ctx)
}

// SpeakWithAutoVoice speaks text with the voice mapped from languageTag.
func (s *Session) SpeakWithAutoVoice(ctx context.Context, text, languageTag string) error {
	return s.Speak(ctx, text, VoiceForLanguage(languageTag))
}

// EnqueueWithAutoVoice is the non-blocking form of SpeakWithAutoVoice.
func (s *Session) EnqueueWithAutoVoice(text, languageTag string) (*SpeakRequest, error) {
	return s.Enqueue(text, VoiceForLanguage(languageTag))
}

// Enqueue appends a speak request to the queue and returns its handle
// without waiting.
func (s *Session) Enqueue(text, voice string) (*SpeakRequest, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if strings.TrimSpace(voice) == "" {
		voice = s.defaultVoice
	}
	s.mu.Lock()
	if s.lifecycle != LifecycleActive {
		s.mu.Unlock()
		return nil, ErrSessionNotActive
	}
	req := newSpeakRequest(text, voice)
	s.queue = append(s.queue, req)
	depth := len(s.queue)
	s.mu.Unlock()

	s.logger.Debug("speak_enqueued",
		slog.String("request_id", req.ID),
		slog.String("voice", voice),
		slog.Int("queue_length", depth))
	s.signal()
	return req, nil
}

// StopSpeaking rejects every queued request with ErrCancelled, cancels the
// one in flight and asks the backend to stop. The backend gets at most the
// stop timeout; speakingStopped is emitted either way.
func (s *Session) StopSpeaking(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.lifecycle != LifecycleActive && s.lifecycle != LifecycleStopping {
		s.mu.Unlock()
		return nil
	}
	queued := s.queue
	s.queue = nil
	inflight := s.inflight
	s.inflight = nil
	media := s.media
	cancelled := 0
	for _, req := range queued {
		if req.settle(ErrCancelled) {
			cancelled++
		}
	}
	if inflight != nil && inflight.settle(ErrCancelled) {
		cancelled++
	}
	if inflight != nil {
		s.halting++
	}
	s.mu.Unlock()

	if inflight == nil && len(queued) == 0 {
		return nil
	}
	for i := 0; i < cancelled; i++ {
		s.metrics.Record(metrics.SpeakCancelled, nil, nil)
	}

	timedOut := false
	if inflight != nil && media != nil {
		err := s.stopBackend(ctx, media)
		var timeout *StopTimeoutError
		switch {
		case errors.As(err, &timeout):
			timedOut = true
			s.logger.Warn("speak_stop_timeout",
				slog.String("reason", string(errorsx.ReasonStopTimeout)),
				slog.String("error", err.Error()))
		case err != nil:
			s.logger.Warn("speak_stop_failed", slog.String("error", err.Error()))
		}
	}
	if inflight != nil {
		s.mu.Lock()
		s.halting--
		s.mu.Unlock()
		s.signal()
	}

	s.logger.Info("speaking_stopped",
		slog.Int("cancelled", cancelled),
		slog.Bool("timed_out", timedOut))
	s.emit(events.SpeakingStopped, map[string]any{
		"cancelled": cancelled,
		"timed_out": timedOut,
	})
	return nil
}

func (s *Session) stopBackend(ctx context.Context, media Media) error {
	stopCtx, cancel := context.WithTimeout(ctx, s.stopTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- media.StopSpeaking(stopCtx)
	}()
	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) {
			return &StopTimeoutError{Timeout: s.stopTimeout}
		}
		return err
	case <-stopCtx.Done():
		return &StopTimeoutError{Timeout: s.stopTimeout}
	}
}

// IsActive reports whether the session can accept speech.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle == LifecycleActive
}

// IsSpeakingNow reports whether a request is in flight.
func (s *Session) IsSpeakingNow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight != nil
}

// IsIdle reports an active session with nothing in flight and nothing queued.
func (s *Session) IsIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight == nil && len(s.queue) == 0 && s.halting == 0
}

// QueueLength counts requests waiting behind the one in flight.
func (s *Session) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Session) Lifecycle() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// Appearance returns the appearance the active session was started with,
// which may be a fallback.
func (s *Session) Appearance() Appearance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appearance
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the speech worker of one active session. It owns promotion of the
// queue head so completion of request N is always emitted before request
// N+1 starts.
func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		s.mu.Lock()
		req, reqCtx, media := s.promoteLocked(ctx)
		s.mu.Unlock()
		if req == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}
		s.dispatch(reqCtx, req, media)
	}
}

func (s *Session) promoteLocked(ctx context.Context) (*SpeakRequest, context.Context, Media) {
	if ctx.Err() != nil || s.inflight != nil || s.halting > 0 || len(s.queue) == 0 || s.media == nil {
		return nil, nil, nil
	}
	req := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	reqCtx, cancel := context.WithCancel(ctx)
	req.cancel = cancel
	s.inflight = req
	return req, reqCtx, s.media
}

func (s *Session) dispatch(ctx context.Context, req *SpeakRequest, media Media) {
	started := time.Now()
	s.logger.Debug("speak_started", slog.String("request_id", req.ID), slog.String("voice", req.Voice))
	s.metrics.Record(metrics.SpeakStarted, map[string]string{"request_id": req.ID}, map[string]any{
		"chars": len([]rune(req.Text)),
		"voice": req.Voice,
	})
	s.emit(events.SpeakingStarted, map[string]any{
		"request_id": req.ID,
		"voice":      req.Voice,
		"text":       req.Text,
	})

	err := media.Speak(ctx, req.Markup)
	if err != nil {
		err = &SpeechSynthesisError{RequestID: req.ID, Err: errorsx.Wrap(err, errorsx.ReasonSpeechSynthesis)}
	}

	s.mu.Lock()
	if s.inflight == req {
		s.inflight = nil
	}
	settled := req.settle(err)
	s.mu.Unlock()
	if !settled {
		return
	}

	elapsed := time.Since(started)
	if err != nil {
		s.logger.Warn("speak_failed",
			slog.String("request_id", req.ID),
			slog.String("reason", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		s.metrics.Record(metrics.SpeakFailed, map[string]string{"request_id": req.ID}, nil)
		s.emit(events.SpeakingError, map[string]any{
			"request_id": req.ID,
			"error":      err.Error(),
			"reason":     string(errorsx.Reason(err)),
		})
		return
	}
	s.metrics.Record(metrics.SpeakCompleted, map[string]string{"request_id": req.ID}, map[string]any{
		"duration_ms": elapsed.Milliseconds(),
	})
	s.emit(events.SpeakingCompleted, map[string]any{
		"request_id":  req.ID,
		"duration_ms": elapsed.Milliseconds(),
	})
}

func (s *Session) emit(t events.Type, data map[string]any) {
	s.emitter.Emit(events.New(t, data))
}
