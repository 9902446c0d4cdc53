package metrics

import "time"

// Event names recorded by the avatar session and the turn coordinator.
const (
	TranscriptFinal     = "transcript_final"
	UtteranceDispatched = "utterance_dispatched"
	UtteranceDropped    = "utterance_dropped"
	BotReply            = "bot_reply"
	SpeakStarted        = "speak_started"
	SpeakCompleted      = "speak_completed"
	SpeakFailed         = "speak_failed"
	SpeakCancelled      = "speak_cancelled"
	SessionStarted      = "session_started"
	SessionStartFailed  = "session_start_failed"
	SessionStopped      = "session_stopped"
)

// Tag keys.
const (
	TagSessionID = "session_id"
	TagTurnID    = "turn_id"
	TagComponent = "component"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// SessionID returns the session tag, if any.
func (ev MetricsEvent) SessionID() string {
	if ev.Tags == nil {
		return ""
	}
	return ev.Tags[TagSessionID]
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Recorder stamps events with a fixed session id and component before
// handing them to an observer.
type Recorder struct {
	obs       Observer
	sessionID string
	component string
}

func NewRecorder(obs Observer, sessionID, component string) Recorder {
	if obs == nil {
		obs = NoopObserver{}
	}
	return Recorder{obs: obs, sessionID: sessionID, component: component}
}

// Record emits name with optional extra tags and fields.
func (r Recorder) Record(name string, tags map[string]string, fields map[string]any) {
	if r.obs == nil {
		return
	}
	merged := map[string]string{
		TagSessionID: r.sessionID,
		TagComponent: r.component,
	}
	for k, v := range tags {
		merged[k] = v
	}
	r.obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Tags: merged, Fields: fields})
}
