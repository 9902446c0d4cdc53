// Package conversation holds the ordered utterance log of one session.
package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Origin tells who produced an utterance.
type Origin string

const (
	OriginUser Origin = "user"
	OriginBot  Origin = "bot"
)

// Utterance is one logged message. It is never modified after Append.
type Utterance struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Origin    Origin    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
}

// NewUtterance stamps text with a fresh id and the current time.
func NewUtterance(origin Origin, text string) Utterance {
	return Utterance{
		ID:        uuid.NewString(),
		Text:      strings.TrimSpace(text),
		Origin:    origin,
		Timestamp: time.Now(),
	}
}

// Log is an append-only conversation history, optionally bounded.
type Log struct {
	mu      sync.RWMutex
	entries []Utterance
	limit   int
}

// NewLog returns a log keeping at most limit entries; limit <= 0 keeps all.
func NewLog(limit int) *Log {
	if limit < 0 {
		limit = 0
	}
	return &Log{limit: limit}
}

// Append adds u, filling ID and Timestamp when they are empty.
func (l *Log) Append(u Utterance) Utterance {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}
	l.mu.Lock()
	l.entries = append(l.entries, u)
	if l.limit > 0 && len(l.entries) > l.limit {
		l.entries = append([]Utterance(nil), l.entries[len(l.entries)-l.limit:]...)
	}
	l.mu.Unlock()
	return u
}

// Entries returns a copy in append order.
func (l *Log) Entries() []Utterance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Utterance, len(l.entries))
	copy(out, l.entries)
	return out
}

// Last returns the most recent utterance from origin.
func (l *Log) Last(origin Origin) (Utterance, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Origin == origin {
			return l.entries[i], true
		}
	}
	return Utterance{}, false
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Clear drops every entry.
func (l *Log) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}
