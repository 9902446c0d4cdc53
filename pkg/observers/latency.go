package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/avatartalk/pkg/metrics"
)

// LatencyObserver logs how long each turn took from the final transcript
// until the avatar started speaking the reply.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	final      time.Time
	dispatched time.Time
	reply      time.Time
	turnID     string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	sessionID := ev.SessionID()
	if sessionID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[sessionID]
	if t == nil {
		t = &trace{}
		o.traces[sessionID] = t
	}
	switch ev.Name {
	case metrics.TranscriptFinal:
		if t.final.IsZero() {
			t.final = ev.Time
		}
	case metrics.UtteranceDispatched:
		t.dispatched = ev.Time
		t.reply = time.Time{}
		t.turnID = ev.Tags[metrics.TagTurnID]
	case metrics.BotReply:
		if t.reply.IsZero() {
			t.reply = ev.Time
		}
	case metrics.SpeakStarted:
		if t.dispatched.IsZero() || t.reply.IsZero() {
			return
		}
		o.logTurnLocked(sessionID, t, ev.Time)
		delete(o.traces, sessionID)
	}
}

func (o *LatencyObserver) logTurnLocked(sessionID string, t *trace, speakStart time.Time) {
	o.log.Info("turn_latency",
		"session_id", sessionID,
		"turn_id", t.turnID,
		"debounce_ms", durationMs(t.final, t.dispatched),
		"bot_ms", durationMs(t.dispatched, t.reply),
		"avatar_ms", durationMs(t.reply, speakStart),
		"total_ms", durationMs(t.dispatched, speakStart),
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
