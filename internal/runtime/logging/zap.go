package logging

import "go.uber.org/zap"

// NewZapServiceLogger wraps a zap.Logger so it satisfies ServiceLogger.
func NewZapServiceLogger(log *zap.Logger) ServiceLogger {
	if log == nil {
		panic("tenantflow: zap logger cannot be nil")
	}
	return &zapServiceLogger{inner: log}
}

type zapServiceLogger struct {
	inner *zap.Logger
}

func (z *zapServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return z
	}
	return &zapServiceLogger{inner: z.inner.With(toZapFields(fields, nil)...)}
}

func (z *zapServiceLogger) Debug(msg string, fields LogFields) {
	z.inner.Debug(msg, toZapFields(fields, nil)...)
}

func (z *zapServiceLogger) Info(msg string, fields LogFields) {
	z.inner.Info(msg, toZapFields(fields, nil)...)
}

func (z *zapServiceLogger) Warn(msg string, err error, fields LogFields) {
	z.inner.Warn(msg, toZapFields(fields, err)...)
}

func (z *zapServiceLogger) Error(msg string, err error, fields LogFields) {
	z.inner.Error(msg, toZapFields(fields, err)...)
}

// Trace has no zap equivalent and is logged at debug.
func (z *zapServiceLogger) Trace(msg string, fields LogFields) {
	z.inner.Debug(msg, toZapFields(fields, nil)...)
}

func toZapFields(fields LogFields, err error) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	if err != nil {
		out = append(out, zap.Error(err))
	}
	return out
}
