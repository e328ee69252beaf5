package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const redacted = "[redacted]"

// sensitiveKeys are field names whose values never reach the log sink.
var sensitiveKeys = []string{
	"signature",
	"secret",
	"token",
	"authorization",
	"password",
}

type redactCore struct {
	zapcore.Core
}

func redact(core zapcore.Core) zapcore.Core {
	return &redactCore{Core: core}
}

func (c *redactCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactCore{Core: c.Core.With(scrub(fields))}
}

func (c *redactCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(ent, scrub(fields))
}

func scrub(fields []zapcore.Field) []zapcore.Field {
	var out []zapcore.Field
	for i, f := range fields {
		if !isSensitive(f.Key) {
			continue
		}
		if out == nil {
			out = make([]zapcore.Field, len(fields))
			copy(out, fields)
		}
		out[i] = zap.String(f.Key, redacted)
	}
	if out == nil {
		return fields
	}
	return out
}

func isSensitive(key string) bool {
	key = strings.ToLower(key)
	for _, k := range sensitiveKeys {
		if strings.Contains(key, k) {
			return true
		}
	}
	return false
}
