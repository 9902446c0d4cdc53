package turn

import (
	"sync"
	"time"
)

// Phase is the coarse turn phase shown to users.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseListening
	PhaseThinking
	PhaseSpeaking
)

// String returns the string representation of a Phase
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseListening:
		return "LISTENING"
	case PhaseThinking:
		return "THINKING"
	case PhaseSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// PhaseChange represents a phase transition.
type PhaseChange struct {
	From      Phase
	To        Phase
	Timestamp time.Time
	Reason    string
	// InPhase is how long the previous phase lasted.
	InPhase time.Duration
}

// PhaseListener observes phase changes.
type PhaseListener func(change PhaseChange)

// phaseMachine tracks the current phase and notifies listeners on change.
type phaseMachine struct {
	mu        sync.Mutex
	current   Phase
	since     time.Time
	listeners []PhaseListener
}

func newPhaseMachine() *phaseMachine {
	return &phaseMachine{current: PhaseIdle, since: time.Now()}
}

func (pm *phaseMachine) Phase() Phase {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.current
}

// Set moves to p and reports whether the phase changed. Listeners run after
// the lock is released.
func (pm *phaseMachine) Set(p Phase, reason string) bool {
	pm.mu.Lock()
	if pm.current == p {
		pm.mu.Unlock()
		return false
	}
	now := time.Now()
	change := PhaseChange{
		From:      pm.current,
		To:        p,
		Timestamp: now,
		Reason:    reason,
		InPhase:   now.Sub(pm.since),
	}
	pm.current = p
	pm.since = now
	listeners := make([]PhaseListener, len(pm.listeners))
	copy(listeners, pm.listeners)
	pm.mu.Unlock()

	for _, l := range listeners {
		l(change)
	}
	return true
}

// AddListener registers a listener for phase changes.
func (pm *phaseMachine) AddListener(l PhaseListener) {
	if l == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.listeners = append(pm.listeners, l)
}
