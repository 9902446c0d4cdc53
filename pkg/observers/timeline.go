package observers

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/harunnryd/avatartalk/pkg/metrics"
	"github.com/harunnryd/avatartalk/pkg/redact"
)

// TimelineObserver appends every session-tagged event to the session's
// timeline file, one JSON object per line. Lines are numbered and carry the
// offset from the first event of the session.
type TimelineObserver struct {
	store  Artifacts
	mu     sync.Mutex
	files  map[string]*timelineFile
}

type timelineFile struct {
	f     *os.File
	enc   *json.Encoder
	start time.Time
	seq   int
}

type timelineEntry struct {
	Seq       int               `json:"seq"`
	Time      time.Time         `json:"time"`
	OffsetMS  int64             `json:"offset_ms"`
	Event     string            `json:"event"`
	SessionID string            `json:"session_id"`
	Component string            `json:"component,omitempty"`
	TurnID    string            `json:"turn_id,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Fields    map[string]any    `json:"fields,omitempty"`
}

func NewTimelineObserver(store Artifacts) *TimelineObserver {
	return &TimelineObserver{store: store, files: make(map[string]*timelineFile)}
}

func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := ev.SessionID()
	if id == "" || !o.store.Enabled() {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	tr := o.fileLocked(id, ev.Time)
	if tr == nil {
		return
	}
	tr.seq++
	entry := timelineEntry{
		Seq:       tr.seq,
		Time:      ev.Time.UTC(),
		OffsetMS:  ev.Time.Sub(tr.start).Milliseconds(),
		Event:     ev.Name,
		SessionID: id,
		Component: ev.Tags[metrics.TagComponent],
		TurnID:    ev.Tags[metrics.TagTurnID],
		Tags:      extraTags(ev.Tags),
		Fields:    redactFields(ev.Fields),
	}
	_ = tr.enc.Encode(entry)
}

// Flush syncs open timelines to disk.
func (o *TimelineObserver) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, tr := range o.files {
		err = errors.Join(err, tr.f.Sync())
	}
	return err
}

// Close closes every open timeline.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for id, tr := range o.files {
		err = errors.Join(err, tr.f.Close())
		delete(o.files, id)
	}
	return err
}

func (o *TimelineObserver) fileLocked(id string, at time.Time) *timelineFile {
	if tr := o.files[id]; tr != nil {
		return tr
	}
	path := o.store.TimelinePath(id)
	if path == "" || o.store.ensureDir() != nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	tr := &timelineFile{f: f, enc: json.NewEncoder(f), start: at}
	o.files[id] = tr
	return tr
}

// extraTags drops the tags already promoted to entry fields.
func extraTags(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch k {
		case metrics.TagSessionID, metrics.TagComponent, metrics.TagTurnID:
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func redactFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = redact.Value(v)
	}
	return out
}

var (
	_ metrics.Observer = (*TimelineObserver)(nil)
	_ metrics.Flusher  = (*TimelineObserver)(nil)
)
