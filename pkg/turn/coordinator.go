// Package turn serializes the listen, send, reply and speak cycle between a
// transcript source, a chat channel and the avatar.
package turn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harunnryd/avatartalk/pkg/avatar"
	"github.com/harunnryd/avatartalk/pkg/chat"
	"github.com/harunnryd/avatartalk/pkg/conversation"
	"github.com/harunnryd/avatartalk/pkg/errorsx"
	"github.com/harunnryd/avatartalk/pkg/events"
	"github.com/harunnryd/avatartalk/pkg/logging"
	"github.com/harunnryd/avatartalk/pkg/metrics"
	"github.com/harunnryd/avatartalk/pkg/redact"
	"github.com/harunnryd/avatartalk/pkg/transcript"
)

const (
	DefaultDebounce           = 150 * time.Millisecond
	DefaultNearDuplicateChars = 5

	logSnippetRunes = 120
)

var (
	ErrEmptyMessage       = errors.New("turn: empty message")
	ErrDuplicateUtterance = errors.New("turn: duplicate of the previous utterance")
	ErrTurnInFlight       = errors.New("turn: previous message is still being sent")
	ErrNotStarted         = errors.New("turn: coordinator not started")
)

// SpeechEventTypes are the avatar events the coordinator must receive
// through HandleEvent.
var SpeechEventTypes = []events.Type{
	events.SpeakingStarted,
	events.SpeakingCompleted,
	events.SpeakingError,
	events.SpeakingStopped,
	events.SessionStopped,
}

// Speaker is the avatar side of the loop. *avatar.Session satisfies it.
type Speaker interface {
	EnqueueWithAutoVoice(text, languageTag string) (*avatar.SpeakRequest, error)
	StopSpeaking(ctx context.Context) error
	IsIdle() bool
}

// ListeningState is the microphone state shown to users.
type ListeningState struct {
	IsListening bool `json:"is_listening"`
	IsMuted     bool `json:"is_muted"`
}

type Options struct {
	Policy     InterlockPolicy
	StartMuted bool
	// Debounce coalesces recognizer finals; zero selects DefaultDebounce.
	Debounce           time.Duration
	NearDuplicateChars int
	// Language selects the avatar voice for bot replies.
	Language string
	// InterruptOnBargeIn stops avatar speech on interim user speech. Only
	// honoured with BargeInAllowed.
	InterruptOnBargeIn bool
	// HistoryLimit bounds the conversation log; zero keeps everything.
	HistoryLimit int
	Logger       *slog.Logger
	Observer     metrics.Observer
	SessionID    string
}

// Coordinator owns turn-taking for one conversation.
type Coordinator struct {
	source  transcript.Source
	channel chat.Channel
	speaker Speaker
	emitter events.Emitter
	opts    Options
	logger  *slog.Logger
	metrics metrics.Recorder
	history *conversation.Log
	phase   *phaseMachine

	micMu   sync.Mutex
	phaseMu sync.Mutex
	wg      sync.WaitGroup

	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
	evCh          chan events.Event
	started       bool
	listening     bool
	muted         bool
	avatarBusy    bool
	bargedIn      bool
	inFlight      bool
	awaitingReply bool
	pending       string
	pendingGen    int
	debounce      *time.Timer
	lastProcessed string
}

// NewCoordinator wires the loop. source and speaker may be nil for a
// text-only conversation; emitter may be nil.
func NewCoordinator(source transcript.Source, channel chat.Channel, speaker Speaker, emitter events.Emitter, opts Options) *Coordinator {
	if emitter == nil {
		emitter = events.Discard
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.NearDuplicateChars <= 0 {
		opts.NearDuplicateChars = DefaultNearDuplicateChars
	}
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	c := &Coordinator{
		source:  source,
		channel: channel,
		speaker: speaker,
		emitter: emitter,
		opts:    opts,
		logger:  logging.NewComponentLogger(base, "turn_coordinator"),
		metrics: metrics.NewRecorder(opts.Observer, opts.SessionID, "turn_coordinator"),
		history: conversation.NewLog(opts.HistoryLimit),
		phase:   newPhaseMachine(),
		ctx:     context.Background(),
	}
	c.phase.AddListener(func(change PhaseChange) {
		c.logger.Debug("turn_phase_changed",
			slog.String("from", change.From.String()),
			slog.String("to", change.To.String()),
			slog.String("reason", change.Reason))
		c.emit(events.TurnStateChanged, map[string]any{
			"from":        change.From.String(),
			"to":          change.To.String(),
			"reason":      change.Reason,
			"in_phase_ms": change.InPhase.Milliseconds(),
		})
	})
	return c
}

// Start connects the chat channel, starts the reply loop and, unless the
// coordinator starts muted, begins recognition. ctx bounds the lifetime of
// the background loops.
func (c *Coordinator) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.channel.Connect(ctx); err != nil {
		var connectErr *chat.ConnectError
		if !errors.As(err, &connectErr) {
			connectErr = chat.NewConnectError(c.channel.Name(), err)
		}
		c.logger.Error("chat_connect_failed",
			slog.String("channel", c.channel.Name()),
			slog.String("error", connectErr.Error()))
		c.notify(connectErr)
		return connectErr
	}

	runCtx, cancel := context.WithCancel(ctx)
	evCh := make(chan events.Event, 256)
	c.mu.Lock()
	c.ctx, c.cancel = runCtx, cancel
	c.evCh = evCh
	c.started = true
	c.muted = c.opts.StartMuted
	c.listening = false
	c.avatarBusy = c.speaker != nil && !c.speaker.IsIdle()
	c.wg.Add(2)
	c.mu.Unlock()

	go c.replyLoop(runCtx)
	go c.eventLoop(runCtx, evCh)

	c.logger.Info("turn_coordinator_started",
		slog.String("channel", c.channel.Name()),
		slog.String("policy", c.opts.Policy.String()),
		slog.Bool("start_muted", c.opts.StartMuted),
		slog.Int64("debounce_ms", c.opts.Debounce.Milliseconds()))
	if !c.reconcileMic(runCtx, "start") {
		c.emitListening("start")
	}
	c.updatePhase("start")
	return nil
}

// Stop ends recognition, closes the channel and resets the listening state.
func (c *Coordinator) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	cancel := c.cancel
	c.stopDebounceLocked()
	c.inFlight = false
	c.awaitingReply = false
	c.avatarBusy = false
	c.mu.Unlock()

	cancel()
	c.reconcileMic(ctx, "stop")
	err := c.channel.Close()
	c.wg.Wait()

	c.mu.Lock()
	c.muted = false
	c.listening = false
	c.evCh = nil
	c.mu.Unlock()
	c.emitListening("stop")
	c.updatePhase("stop")
	c.logger.Info("turn_coordinator_stopped")
	return err
}

// HandleEvent feeds avatar speech events into the interlock. Subscribe it
// for SpeechEventTypes.
func (c *Coordinator) HandleEvent(ev events.Event) {
	c.mu.Lock()
	ch, ctx, started := c.evCh, c.ctx, c.started
	c.mu.Unlock()
	if !started || ch == nil {
		return
	}
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// OnTranscriptFinal buffers a recognizer final. Finals arriving within the
// debounce window are coalesced and dispatched once.
func (c *Coordinator) OnTranscriptFinal(text string) {
	text = transcript.Normalize(text)
	if text == "" {
		return
	}
	c.metrics.Record(metrics.TranscriptFinal, nil, map[string]any{"chars": utf8.RuneCountInString(text)})
	c.logger.Debug("transcript_final", slog.String("text", redact.Snippet(text, logSnippetRunes)))

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.pending = coalesce(c.pending, text)
	c.pendingGen++
	gen := c.pendingGen
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounce = time.AfterFunc(c.opts.Debounce, func() { c.flush(gen) })
}

// OnTranscriptInterim publishes partial recognition and, when barge-in
// interruption is enabled, stops the avatar.
func (c *Coordinator) OnTranscriptInterim(text string) {
	text = transcript.Normalize(text)
	if text == "" {
		return
	}
	c.emit(events.TranscriptInterim, map[string]any{"text": text})
	if !c.opts.InterruptOnBargeIn || c.opts.Policy != BargeInAllowed || c.speaker == nil {
		return
	}
	c.mu.Lock()
	interrupt := c.started && c.avatarBusy && !c.bargedIn
	if interrupt {
		c.bargedIn = true
	}
	ctx := c.ctx
	c.mu.Unlock()
	if !interrupt {
		return
	}
	c.logger.Info("barge_in_interrupt", slog.String("text", redact.Snippet(text, logSnippetRunes)))
	if err := c.speaker.StopSpeaking(ctx); err != nil {
		c.logger.Warn("barge_in_stop_failed", slog.String("error", err.Error()))
	}
}

// SubmitText sends typed text, bypassing the debounce window but not the
// duplicate and in-flight checks.
func (c *Coordinator) SubmitText(ctx context.Context, text string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	text = transcript.Normalize(text)
	if text == "" {
		return ErrEmptyMessage
	}
	c.mu.Lock()
	switch {
	case !c.started:
		c.mu.Unlock()
		return ErrNotStarted
	case c.inFlight:
		c.mu.Unlock()
		c.drop(text, "in_flight")
		return ErrTurnInFlight
	case nearDuplicate(c.lastProcessed, text, c.opts.NearDuplicateChars):
		c.mu.Unlock()
		c.drop(text, "duplicate")
		return ErrDuplicateUtterance
	}
	c.beginSendLocked(text)
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()
	return c.send(ctx, text, "typed")
}

// OnBotReply logs the reply and hands it to the avatar. A speech failure is
// reported as a notification and never blocks later turns.
func (c *Coordinator) OnBotReply(reply chat.Reply) {
	text := strings.TrimSpace(reply.Text)
	if text == "" {
		return
	}
	u := conversation.Utterance{Text: text, Origin: conversation.OriginBot, Timestamp: reply.Timestamp}
	u = c.history.Append(u)

	// The avatar counts as busy from enqueue, before speakingStarted arrives.
	c.mu.Lock()
	c.awaitingReply = false
	speak := c.speaker != nil && c.started
	if speak {
		c.avatarBusy = true
	}
	ctx := c.ctx
	c.mu.Unlock()

	c.metrics.Record(metrics.BotReply, nil, map[string]any{"chars": utf8.RuneCountInString(text)})
	c.logger.Info("bot_reply",
		slog.String("reply_id", reply.ID),
		slog.String("sender", reply.Sender),
		slog.String("text", redact.Snippet(text, logSnippetRunes)))
	c.emit(events.UtteranceAdded, utteranceData(u))

	if !speak {
		c.updatePhase("bot_reply")
		return
	}
	req, err := c.speaker.EnqueueWithAutoVoice(text, c.opts.Language)
	if err != nil {
		c.mu.Lock()
		c.avatarBusy = !c.speaker.IsIdle()
		c.mu.Unlock()
		c.logger.Warn("bot_reply_not_spoken", slog.String("error", err.Error()))
		c.notify(err)
		c.reconcileMic(ctx, "avatar_idle")
		c.updatePhase("bot_reply")
		return
	}
	// A completion from the previous reply may have cleared the flag while
	// this one was being queued.
	c.mu.Lock()
	c.avatarBusy = !c.speaker.IsIdle()
	c.mu.Unlock()
	c.reconcileMic(ctx, "avatar_speaking")
	c.updatePhase("bot_reply")

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		c.awaitSpeech(ctx, req)
	}()
}

// Mute stops recognition until Unmute. It overrides automatic resume.
func (c *Coordinator) Mute(ctx context.Context) {
	c.setMuted(ctx, true)
}

// Unmute resumes recognition unless the avatar holds the microphone.
func (c *Coordinator) Unmute(ctx context.Context) {
	c.setMuted(ctx, false)
}

func (c *Coordinator) Listening() ListeningState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ListeningState{IsListening: c.listening, IsMuted: c.muted}
}

// Phase returns the current turn phase.
func (c *Coordinator) Phase() Phase {
	return c.phase.Phase()
}

// Conversation returns the logged utterances in order.
func (c *Coordinator) Conversation() []conversation.Utterance {
	return c.history.Entries()
}

// ClearConversation empties the log and forgets the duplicate filter state.
func (c *Coordinator) ClearConversation() {
	c.history.Clear()
	c.mu.Lock()
	c.lastProcessed = ""
	c.stopDebounceLocked()
	c.mu.Unlock()
	c.logger.Info("conversation_cleared")
	c.emit(events.ConversationCleared, nil)
}

func (c *Coordinator) flush(gen int) {
	c.mu.Lock()
	if !c.started || gen != c.pendingGen || c.pending == "" {
		c.mu.Unlock()
		return
	}
	text := c.pending
	c.pending = ""
	c.debounce = nil
	if nearDuplicate(c.lastProcessed, text, c.opts.NearDuplicateChars) {
		c.mu.Unlock()
		c.drop(text, "duplicate")
		return
	}
	if c.inFlight {
		c.mu.Unlock()
		c.drop(text, "in_flight")
		return
	}
	c.beginSendLocked(text)
	ctx := c.ctx
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()
	_ = c.send(ctx, text, "voice")
}

func (c *Coordinator) beginSendLocked(text string) {
	c.inFlight = true
	c.awaitingReply = true
	c.lastProcessed = text
}

func (c *Coordinator) send(ctx context.Context, text, input string) error {
	u := c.history.Append(conversation.NewUtterance(conversation.OriginUser, text))
	c.emit(events.UtteranceAdded, utteranceData(u))
	c.metrics.Record(metrics.UtteranceDispatched, map[string]string{metrics.TagTurnID: u.ID}, map[string]any{
		"chars": utf8.RuneCountInString(text),
		"input": input,
	})
	c.updatePhase("message_sent")

	err := c.channel.SendMessage(ctx, text)

	c.mu.Lock()
	c.inFlight = false
	if err != nil {
		c.awaitingReply = false
		if c.lastProcessed == text {
			c.lastProcessed = ""
		}
	}
	c.mu.Unlock()

	if err != nil {
		var sendErr *chat.SendError
		if !errors.As(err, &sendErr) {
			sendErr = chat.NewSendError(c.channel.Name(), err)
		}
		c.logger.Error("utterance_send_failed",
			slog.String("turn_id", u.ID),
			slog.String("reason", string(errorsx.Reason(sendErr))),
			slog.String("error", sendErr.Error()))
		c.notify(sendErr)
		c.updatePhase("send_failed")
		return sendErr
	}
	c.logger.Info("utterance_sent",
		slog.String("turn_id", u.ID),
		slog.String("input", input),
		slog.String("text", redact.Snippet(text, logSnippetRunes)))
	c.updatePhase("message_delivered")
	return nil
}

func (c *Coordinator) drop(text, reason string) {
	c.logger.Info("utterance_dropped",
		slog.String("reason", reason),
		slog.String("text", redact.Snippet(text, logSnippetRunes)))
	c.metrics.Record(metrics.UtteranceDropped, nil, map[string]any{"reason": reason})
}

func (c *Coordinator) awaitSpeech(ctx context.Context, req *avatar.SpeakRequest) {
	err := req.Wait(ctx)
	switch {
	case err == nil:
	case errors.Is(err, avatar.ErrCancelled):
		c.logger.Debug("bot_reply_speech_cancelled", slog.String("request_id", req.ID))
	case ctx.Err() != nil:
	default:
		c.logger.Warn("bot_reply_speech_failed",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()))
		c.notify(err)
	}
}

func (c *Coordinator) replyLoop(ctx context.Context) {
	defer c.wg.Done()
	replies := c.channel.Replies()
	for {
		select {
		case <-ctx.Done():
			return
		case reply, ok := <-replies:
			if !ok {
				c.logger.Info("chat_reply_stream_closed")
				return
			}
			c.OnBotReply(reply)
		}
	}
}

func (c *Coordinator) eventLoop(ctx context.Context, evCh <-chan events.Event) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-evCh:
			c.onSpeechEvent(ctx, ev)
		}
	}
}

func (c *Coordinator) onSpeechEvent(ctx context.Context, ev events.Event) {
	c.mu.Lock()
	switch ev.Type {
	case events.SpeakingStarted:
		c.avatarBusy = true
	case events.SpeakingCompleted, events.SpeakingError, events.SpeakingStopped, events.SessionStopped:
		if c.speaker == nil || c.speaker.IsIdle() {
			c.avatarBusy = false
			c.bargedIn = false
		}
	default:
		c.mu.Unlock()
		return
	}
	busy := c.avatarBusy
	c.mu.Unlock()

	reason := "avatar_idle"
	if busy {
		reason = "avatar_speaking"
	}
	c.reconcileMic(ctx, reason)
	c.updatePhase(reason)
}

// reconcileMic starts or stops recognition to match the desired state and
// reports whether listening changed.
func (c *Coordinator) reconcileMic(ctx context.Context, reason string) bool {
	c.micMu.Lock()
	defer c.micMu.Unlock()

	c.mu.Lock()
	want := c.started && !c.muted && !(c.avatarBusy && c.opts.Policy == SuspendMicWhileSpeaking)
	have := c.listening
	c.mu.Unlock()
	if want == have || c.source == nil {
		return false
	}

	if want {
		if err := c.source.Start(ctx, c.handlers()); err != nil {
			err = errorsx.Wrap(err, errorsx.ReasonTranscriptStart)
			c.logger.Warn("recognition_start_failed",
				slog.String("source", c.source.Name()),
				slog.String("error", err.Error()))
			c.notify(err)
			return false
		}
	} else if err := c.source.Stop(ctx); err != nil {
		c.logger.Warn("recognition_stop_failed",
			slog.String("source", c.source.Name()),
			slog.String("error", err.Error()))
	}

	c.mu.Lock()
	c.listening = want
	c.mu.Unlock()
	c.emitListening(reason)
	c.updatePhase(reason)
	return true
}

func (c *Coordinator) setMuted(ctx context.Context, muted bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	changed := c.muted != muted
	c.muted = muted
	c.mu.Unlock()
	if !changed {
		return
	}
	reason := "unmuted"
	if muted {
		reason = "muted"
	}
	if !c.reconcileMic(ctx, reason) {
		c.emitListening(reason)
	}
}

func (c *Coordinator) handlers() transcript.Handlers {
	return transcript.Handlers{
		OnInterim: c.OnTranscriptInterim,
		OnFinal:   c.OnTranscriptFinal,
		OnError: func(err error) {
			err = errorsx.Wrap(err, errorsx.ReasonTranscriptError)
			c.logger.Warn("recognition_error", slog.String("error", err.Error()))
			c.notify(err)
		},
	}
}

func (c *Coordinator) updatePhase(reason string) {
	c.phaseMu.Lock()
	defer c.phaseMu.Unlock()
	c.mu.Lock()
	var p Phase
	switch {
	case !c.started:
		p = PhaseIdle
	case c.avatarBusy:
		p = PhaseSpeaking
	case c.inFlight || c.awaitingReply:
		p = PhaseThinking
	case c.listening:
		p = PhaseListening
	default:
		p = PhaseIdle
	}
	c.mu.Unlock()
	c.phase.Set(p, reason)
}

func (c *Coordinator) stopDebounceLocked() {
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	c.pending = ""
	c.pendingGen++
}

func (c *Coordinator) emitListening(reason string) {
	state := c.Listening()
	c.emit(events.ListeningChanged, map[string]any{
		"listening": state.IsListening,
		"muted":     state.IsMuted,
		"reason":    reason,
	})
}

func (c *Coordinator) notify(err error) {
	c.emit(events.Notification, map[string]any{
		"level":   errorsx.Severity(err),
		"message": err.Error(),
		"reason":  string(errorsx.Reason(err)),
	})
}

func (c *Coordinator) emit(t events.Type, data map[string]any) {
	c.emitter.Emit(events.New(t, data))
}

func utteranceData(u conversation.Utterance) map[string]any {
	return map[string]any{
		"id":        u.ID,
		"text":      u.Text,
		"origin":    string(u.Origin),
		"timestamp": u.Timestamp,
	}
}
