package metrics

import "sync"

// MemoryObserver keeps the most recent events in memory. A limit of zero
// keeps everything.
type MemoryObserver struct {
	mu     sync.Mutex
	limit  int
	events []MetricsEvent
}

func NewMemoryObserver(limit int) *MemoryObserver {
	return &MemoryObserver{limit: limit}
}

func (m *MemoryObserver) RecordEvent(ev MetricsEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	if m.limit > 0 && len(m.events) > m.limit {
		m.events = append(m.events[:0:0], m.events[len(m.events)-m.limit:]...)
	}
}

// Last returns up to n events, oldest first. n <= 0 returns all kept events.
func (m *MemoryObserver) Last(n int) []MetricsEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if n > 0 && n < len(m.events) {
		start = len(m.events) - n
	}
	return append([]MetricsEvent(nil), m.events[start:]...)
}

func (m *MemoryObserver) Names() []string {
	events := m.Last(0)
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Name
	}
	return out
}

func (m *MemoryObserver) Count(name string) int {
	n := 0
	for _, ev := range m.Last(0) {
		if ev.Name == name {
			n++
		}
	}
	return n
}
