package proxyengine

import "go.uber.org/zap"

// Logger provides unstructured debug logging hooks for the proxy engine,
// mirroring the vendored fabric client's Logger interface.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Field is one key/value pair attached to a structured log line.
type Field struct {
	Key   string
	Value any
}

func F(key string, value any) Field { return Field{Key: key, Value: value} }

// StructuredLogger emits key/value pairs for callers that carry identifying
// fields (channel, peer, bank) as structured data rather than format
// strings. The zap adapter implements it; the handshake, teardown and
// progress paths log through Logger's format methods and do not call it.
type StructuredLogger interface {
	With(fields ...Field) StructuredLogger
	Log(level string, msg string, fields ...Field)
}

// zapLogger adapts *zap.SugaredLogger to Logger and StructuredLogger.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps z as both Logger and StructuredLogger.
func NewZapLogger(z *zap.Logger) *zapLogger {
	return &zapLogger{sugar: z.Sugar()}
}

// NewProductionLogger builds a default zap production logger, matching the
// vendored fabric client's default construction path.
func NewProductionLogger() (*zapLogger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return NewZapLogger(z), nil
}

func (l *zapLogger) Debugf(format string, args ...any) { l.sugar.Debugf(format, args...) }
func (l *zapLogger) Infof(format string, args ...any)  { l.sugar.Infof(format, args...) }
func (l *zapLogger) Warnf(format string, args ...any)  { l.sugar.Warnf(format, args...) }
func (l *zapLogger) Errorf(format string, args ...any) { l.sugar.Errorf(format, args...) }

func (l *zapLogger) With(fields ...Field) StructuredLogger {
	args := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		args = append(args, f.Key, f.Value)
	}
	return &zapLogger{sugar: l.sugar.With(args...)}
}

func (l *zapLogger) Log(level string, msg string, fields ...Field) {
	s := l.sugar
	if len(fields) > 0 {
		args := make([]any, 0, len(fields)*2)
		for _, f := range fields {
			args = append(args, f.Key, f.Value)
		}
		s = s.With(args...)
	}
	switch level {
	case "debug":
		s.Debug(msg)
	case "warn":
		s.Warn(msg)
	case "error":
		s.Error(msg)
	default:
		s.Info(msg)
	}
}

// noopLogger discards everything; used as the zero-value default so the
// proxy engine never nil-checks its logger on the hot path.
type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

type noopStructuredLogger struct{}

func (noopStructuredLogger) With(...Field) StructuredLogger       { return noopStructuredLogger{} }
func (noopStructuredLogger) Log(string, string, ...Field)         {}

var (
	_ Logger           = noopLogger{}
	_ StructuredLogger = noopStructuredLogger{}
)
