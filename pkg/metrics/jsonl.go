package metrics

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"slices"
)

// JSONLObserver writes one JSON object per event. Tags are flattened into the object;
// fields are nested under "fields".
type JSONLObserver struct {
	out *slog.Logger
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// the event carries its own timestamp
			if len(groups) == 0 && (a.Key == slog.TimeKey || a.Key == slog.LevelKey) {
				return slog.Attr{}
			}
			return a
		},
	})
	return &JSONLObserver{out: slog.New(h)}
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	attrs := make([]slog.Attr, 0, 3+len(ev.Tags)+1)
	attrs = append(attrs, slog.String("name", ev.Name), slog.Time("at", ev.Time), slog.Float64("value", ev.Value))
	for _, k := range slices.Sorted(maps.Keys(ev.Tags)) {
		attrs = append(attrs, slog.String(k, ev.Tags[k]))
	}
	if len(ev.Fields) > 0 {
		fields := make([]any, 0, 2*len(ev.Fields))
		for _, k := range slices.Sorted(maps.Keys(ev.Fields)) {
			fields = append(fields, slog.Any(k, ev.Fields[k]))
		}
		attrs = append(attrs, slog.Group("fields", fields...))
	}
	o.out.LogAttrs(context.Background(), slog.LevelInfo, "metric", attrs...)
}
