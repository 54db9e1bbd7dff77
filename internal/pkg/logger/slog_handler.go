package logger

import (
	"context"
	"log/slog"
	"strings"

	"go.uber.org/zap"
)

// slogZapHandler 将 log/slog 输出桥接到 zap，供只认识 slog 的依赖使用。
type slogZapHandler struct {
	logger *zap.Logger
	prefix string
	attrs  []zap.Field
}

func newSlogZapHandler(logger *zap.Logger) slog.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &slogZapHandler{logger: logger}
}

func (h *slogZapHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.logger.Core().Enabled(slogLevelToZap(level))
}

func (h *slogZapHandler) Handle(_ context.Context, record slog.Record) error {
	fields := make([]zap.Field, 0, len(h.attrs)+record.NumAttrs())
	fields = append(fields, h.attrs...)
	record.Attrs(func(attr slog.Attr) bool {
		fields = append(fields, h.attrToField(attr))
		return true
	})

	if ce := h.logger.Check(slogLevelToZap(record.Level), record.Message); ce != nil {
		ce.Time = record.Time
		ce.Write(fields...)
	}
	return nil
}

func (h *slogZapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]zap.Field{}, h.attrs...)
	for _, attr := range attrs {
		next.attrs = append(next.attrs, h.attrToField(attr))
	}
	return &next
}

func (h *slogZapHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	next := *h
	if next.prefix != "" {
		next.prefix += "."
	}
	next.prefix += name
	return &next
}

func (h *slogZapHandler) attrToField(attr slog.Attr) zap.Field {
	key := attr.Key
	if h.prefix != "" {
		key = h.prefix + "." + key
	}
	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindBool:
		return zap.Bool(key, value.Bool())
	case slog.KindInt64:
		return zap.Int64(key, value.Int64())
	case slog.KindUint64:
		return zap.Uint64(key, value.Uint64())
	case slog.KindFloat64:
		return zap.Float64(key, value.Float64())
	case slog.KindDuration:
		return zap.Duration(key, value.Duration())
	case slog.KindTime:
		return zap.Time(key, value.Time())
	case slog.KindString:
		return zap.String(key, value.String())
	default:
		return zap.Any(key, value.Any())
	}
}

func slogLevelToZap(level slog.Level) Level {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return LevelWarn
	case level <= slog.LevelDebug:
		return LevelDebug
	default:
		return LevelInfo
	}
}
