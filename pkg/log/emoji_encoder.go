package log

import (
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// 控制台日志前缀标记，按优先级依次匹配：
// status (HTTP 状态码) > severity (安全事件等级) > type > level
var (
	typeMarks = map[string]string{
		"request":      "🌐",
		"slow_request": "🐌",
		"rate_limit":   "🚦",
		"breaker":      "🔌",
		"session":      "🎫",
		"security":     "🔒",
		"critical":     "🚨",
		"degraded":     "🩹",
		"database":     "💾",
		"redis":        "📦",
		"scheduler":    "🎯",
		"cache_stats":  "🧹",
		"startup":      "🚀",
		"success":      "✅",
		"warning":      "⚠️",
		"error":        "❌",
	}

	severityMarks = map[string]string{
		"CRITICAL": "🚨",
		"HIGH":     "🛑",
	}

	levelMarks = map[zapcore.Level]string{
		zapcore.DebugLevel:  "🐛",
		zapcore.InfoLevel:   "ℹ️",
		zapcore.WarnLevel:   "⚠️",
		zapcore.ErrorLevel:  "❌",
		zapcore.DPanicLevel: "❌",
		zapcore.PanicLevel:  "❌",
		zapcore.FatalLevel:  "❌",
	}
)

func statusMark(status int64) string {
	switch status / 100 {
	case 5:
		return "🔴"
	case 4:
		return "🟠"
	case 3:
		return "🟡"
	default:
		return "🟢"
	}
}

// markFor picks the prefix for one entry.
func markFor(level zapcore.Level, fields []zapcore.Field) string {
	var status int64
	var severity, kind string
	for _, f := range fields {
		switch f.Key {
		case "status":
			if f.Type == zapcore.Int64Type || f.Type == zapcore.Int32Type {
				status = f.Integer
			}
		case "severity":
			if f.Type == zapcore.StringType {
				severity = f.String
			}
		case "type":
			if f.Type == zapcore.StringType {
				kind = f.String
			}
		}
	}

	if status > 0 {
		return statusMark(status)
	}
	if m, ok := severityMarks[severity]; ok {
		return m
	}
	if m, ok := typeMarks[kind]; ok {
		return m
	}
	return levelMarks[level]
}

// EmojiConsoleEncoder wraps the zap console encoder and prefixes each message
// with a marker derived from its fields.
type EmojiConsoleEncoder struct {
	zapcore.Encoder
}

// NewEmojiConsoleEncoder 开发环境使用的控制台编码器
func NewEmojiConsoleEncoder(cfg zapcore.EncoderConfig) zapcore.Encoder {
	return &EmojiConsoleEncoder{Encoder: zapcore.NewConsoleEncoder(cfg)}
}

// EncodeEntry implements zapcore.Encoder.
func (enc *EmojiConsoleEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	if mark := markFor(entry.Level, fields); mark != "" {
		entry.Message = mark + " " + entry.Message
	}
	return enc.Encoder.EncodeEntry(entry, fields)
}

// Clone implements zapcore.Encoder.
func (enc *EmojiConsoleEncoder) Clone() zapcore.Encoder {
	return &EmojiConsoleEncoder{Encoder: enc.Encoder.Clone()}
}
