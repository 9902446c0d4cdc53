// Package events carries avatar and turn lifecycle notifications to
// presentation layers and other observers.
package events

import "time"

// Type names a lifecycle notification.
type Type string

const (
	SessionStarted         Type = "sessionStarted"
	SessionStopped         Type = "sessionStopped"
	SessionError           Type = "sessionError"
	SpeakingStarted        Type = "speakingStarted"
	SpeakingCompleted      Type = "speakingCompleted"
	SpeakingStopped        Type = "speakingStopped"
	SpeakingError          Type = "speakingError"
	ConnectionStateChanged Type = "connectionStateChanged"

	TranscriptInterim   Type = "transcriptInterim"
	UtteranceAdded      Type = "utteranceAdded"
	ListeningChanged    Type = "listeningChanged"
	TurnStateChanged    Type = "turnStateChanged"
	ConversationCleared Type = "conversationCleared"
	Notification        Type = "notification"
)

// Event is a single notification. Data keys are snake_case.
type Event struct {
	Type      Type           `json:"eventType"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New stamps an event with the current time.
func New(t Type, data map[string]any) Event {
	return Event{Type: t, Data: data, Timestamp: time.Now()}
}

// Emitter accepts events. Implementations must not block for long; emitters
// are called from the goroutines that drive the speech queue.
type Emitter interface {
	Emit(ev Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ev Event)

func (f EmitterFunc) Emit(ev Event) { f(ev) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})

// String returns a data value as a string, or "" when absent.
func (e Event) String(key string) string {
	if e.Data == nil {
		return ""
	}
	if s, ok := e.Data[key].(string); ok {
		return s
	}
	return ""
}
