package observers

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/harunnryd/avatartalk/pkg/metrics"
)

// UsageSummary totals the billable avatar activity of one session.
type UsageSummary struct {
	SessionID       string  `json:"session_id"`
	Turns           int     `json:"turns"`
	BotReplies      int     `json:"bot_replies"`
	SpeakRequests   int     `json:"speak_requests"`
	SpeakFailures   int     `json:"speak_failures"`
	SpeakCancelled  int     `json:"speak_cancelled"`
	SpokenChars     int     `json:"spoken_chars"`
	SpeakingSeconds float64 `json:"speaking_seconds"`
	RecordedAtUTC   string  `json:"recorded_at_utc"`
}

// UsageObserver aggregates per-session usage. Close writes one usage file
// per session when the store is enabled.
type UsageObserver struct {
	store Artifacts
	mu    sync.Mutex
	stats map[string]*UsageSummary
}

func NewUsageObserver(store Artifacts) *UsageObserver {
	return &UsageObserver{store: store, stats: make(map[string]*UsageSummary)}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := ev.SessionID()
	if id == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.stats[id]
	if stat == nil {
		stat = &UsageSummary{SessionID: id}
		o.stats[id] = stat
	}
	switch ev.Name {
	case metrics.UtteranceDispatched:
		stat.Turns++
	case metrics.BotReply:
		stat.BotReplies++
	case metrics.SpeakStarted:
		stat.SpeakRequests++
		stat.SpokenChars += intField(ev.Fields, "chars")
	case metrics.SpeakCompleted:
		stat.SpeakingSeconds += float64(intField(ev.Fields, "duration_ms")) / 1000
	case metrics.SpeakFailed:
		stat.SpeakFailures++
	case metrics.SpeakCancelled:
		stat.SpeakCancelled++
	}
}

// Summary returns a copy of the running totals for a session.
func (o *UsageObserver) Summary(sessionID string) (UsageSummary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.stats[sessionID]
	if stat == nil {
		return UsageSummary{}, false
	}
	return *stat, true
}

func (o *UsageObserver) Close() error {
	if !o.store.Enabled() {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.store.ensureDir(); err != nil {
		return err
	}
	var errOut error
	for id, stat := range o.stats {
		stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
		b, err := json.MarshalIndent(stat, "", "  ")
		if err != nil {
			errOut = errors.Join(errOut, err)
			continue
		}
		path := o.store.UsagePath(id)
		if path == "" {
			continue
		}
		if err := os.WriteFile(path, b, 0o644); err != nil {
			errOut = errors.Join(errOut, err)
		}
	}
	return errOut
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

var _ metrics.Observer = (*UsageObserver)(nil)
