package observers

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/harunnryd/avatartalk/pkg/logging"
	"github.com/harunnryd/avatartalk/pkg/metrics"
	"github.com/harunnryd/avatartalk/pkg/redact"
)

// LoggerObserver mirrors metrics events into the log at debug level.
// Failures are raised to warn so they show up under the default level.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: logging.NewComponentLogger(log, "metrics")}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	level := slog.LevelDebug
	switch ev.Name {
	case metrics.SpeakFailed, metrics.SessionStartFailed:
		level = slog.LevelWarn
	}
	ctx := context.Background()
	if !o.log.Enabled(ctx, level) {
		return
	}
	attrs := make([]slog.Attr, 0, 2+len(ev.Tags)+len(ev.Fields))
	attrs = append(attrs, slog.String("event", ev.Name))
	if ev.Value != 0 {
		attrs = append(attrs, slog.Float64("value", ev.Value))
	}
	for _, k := range sortedKeys(ev.Tags) {
		if k == metrics.TagComponent {
			attrs = append(attrs, slog.String("source", ev.Tags[k]))
			continue
		}
		attrs = append(attrs, slog.String(k, ev.Tags[k]))
	}
	for _, k := range sortedKeys(ev.Fields) {
		attrs = append(attrs, slog.Any(k, redact.Value(ev.Fields[k])))
	}
	o.log.LogAttrs(ctx, level, "metric", attrs...)
}

// MultiObserver fans events out to a fixed list of observers.
type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	kept := make([]metrics.Observer, 0, len(list))
	for _, obs := range list {
		if obs != nil {
			kept = append(kept, obs)
		}
	}
	return &MultiObserver{list: kept}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		obs.RecordEvent(ev)
	}
}

// Flush flushes every member that buffers.
func (m *MultiObserver) Flush() error {
	var err error
	for _, obs := range m.list {
		if f, ok := obs.(metrics.Flusher); ok {
			err = errors.Join(err, f.Flush())
		}
	}
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	_ metrics.Observer = (*LoggerObserver)(nil)
	_ metrics.Flusher  = (*MultiObserver)(nil)
)
