package sinks

import (
	"context"
	"log/slog"

	"github.com/harunnryd/callscribe/pkg/frames"
	"github.com/harunnryd/callscribe/pkg/redact"
)

// LogSink writes finals at info and non-empty partials at debug.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, ev frames.TranscriptEvent) error {
	if !ev.IsFinal && ev.Text == "" {
		return nil
	}
	level := slog.LevelDebug
	msg := "transcript_partial"
	if ev.IsFinal {
		level = slog.LevelInfo
		msg = "transcript_final"
	}
	attrs := []slog.Attr{
		slog.String(frames.MetaSessionID, ev.SessionID),
		slog.Int64("seq", ev.Seq),
		slog.String("text", redact.Text(ev.Text)),
	}
	if ev.CallSID != "" {
		attrs = append(attrs, slog.String(frames.MetaCallSID, ev.CallSID))
	}
	if ev.TraceID != "" {
		attrs = append(attrs, slog.String(frames.MetaTraceID, ev.TraceID))
	}
	if len(ev.Speaker) > 0 {
		attrs = append(attrs, slog.Int("speaker_dims", len(ev.Speaker)))
	}
	s.logger.LogAttrs(ctx, level, msg, attrs...)
	return nil
}
