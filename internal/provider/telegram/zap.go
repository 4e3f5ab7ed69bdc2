package telegram

import (
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	. "github.com/clawdis/warelay/internal/logging"
)

// gotdLogger routes gotd's zap output into the shared log stream.
// MTProto engine chatter is shifted one level down so a debug-level
// run is not drowned in transport noise.
func gotdLogger(name string) *zap.Logger {
	return zap.New(&logCore{}).Named(name)
}

type logCore struct {
	fields []zapcore.Field
}

var _ zapcore.Core = (*logCore)(nil)

func (c *logCore) Enabled(zapcore.Level) bool { return true }

func (c *logCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &logCore{fields: merged}
}

func (c *logCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *logCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	keys := make([]string, 0, len(enc.Fields))
	for k := range enc.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	keyvals := make([]interface{}, 0, len(keys)*2)
	for _, k := range keys {
		keyvals = append(keyvals, k, enc.Fields[k])
	}

	msg := "gotd: " + ent.Message
	if ent.LoggerName != "" {
		msg = "gotd/" + ent.LoggerName + ": " + ent.Message
	}

	switch {
	case ent.Level >= zapcore.ErrorLevel:
		L_error(msg, keyvals...)
	case ent.Level == zapcore.WarnLevel:
		L_warn(msg, keyvals...)
	case ent.Level == zapcore.InfoLevel:
		L_debug(msg, keyvals...)
	default:
		L_trace(msg, keyvals...)
	}
	return nil
}

func (c *logCore) Sync() error { return nil }
