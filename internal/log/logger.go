package log

import (
	"fmt"
	"os"
	"strings"

	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// The package keeps a single zap logger.  Level comes from LOG_LEVEL at
// init time and can be changed later with Init (main calls it with the
// value resolved by the config loader).
var (
	base  *zap.Logger
	sugar *zap.SugaredLogger
	level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
)

func init() {
	Init(os.Getenv("LOG_LEVEL"))
}

// Init (re)builds the package logger.  Unknown or empty levels fall back
// to "error", matching the historical default of this service.
func Init(lvl string) {
	level.SetLevel(parseLevel(lvl))
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Sampling = nil
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		l = zap.NewNop()
	}
	base = l.With(zap.String("provider", "whatsmeow"))
	sugar = base.Sugar()
}

// SetLogger replaces the package logger, mostly for tests that want an
// observer core.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	base = l
	sugar = l.Sugar()
}

// L returns the underlying zap logger.
func L() *zap.Logger { return base }

// Sync flushes buffered entries.  Call it on shutdown.
func Sync() { _ = base.Sync() }

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// Entry carries the tenant and message identifiers that are attached to
// every line logged through it.
type Entry struct {
	TenantID  string
	MessageID string
}

// WithTenant constructs a new Entry for the given tenant.  Use this helper
// when logging anything tied to a particular tenant session.
func WithTenant(tenantID string) *Entry {
	return &Entry{TenantID: tenantID}
}

// WithMessageID returns a copy of the current entry with the supplied
// message ID set.
func (e *Entry) WithMessageID(msgID string) *Entry {
	return &Entry{TenantID: e.TenantID, MessageID: msgID}
}

func (e *Entry) fields() []interface{} {
	kv := []interface{}{"tenant_id", e.TenantID}
	if e.MessageID != "" {
		kv = append(kv, "message_id", e.MessageID)
	}
	return kv
}

// Info emits an informational log message.
func (e *Entry) Info(format string, args ...interface{}) {
	sugar.Infow(fmt.Sprintf(format, args...), e.fields()...)
}

// Warn emits a warning.
func (e *Entry) Warn(format string, args ...interface{}) {
	sugar.Warnw(fmt.Sprintf(format, args...), e.fields()...)
}

// Error emits an error log message.
func (e *Entry) Error(format string, args ...interface{}) {
	sugar.Errorw(fmt.Sprintf(format, args...), e.fields()...)
}

// Debug emits a debug log message gated by LOG_LEVEL.
func (e *Entry) Debug(format string, args ...interface{}) {
	if !level.Enabled(zapcore.DebugLevel) {
		return
	}
	sugar.Debugw(fmt.Sprintf(format, args...), e.fields()...)
}

// Package-level helpers for logs not tied to a particular tenant
func Debugf(format string, args ...interface{}) {
	sugar.Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	sugar.Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	sugar.Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	sugar.Errorf(format, args...)
}

// WA returns a whatsmeow logger that writes through zap under the given
// module name.
func WA(module string) waLog.Logger {
	return &waLogger{s: sugar.With("module", module)}
}

type waLogger struct {
	s *zap.SugaredLogger
}

func (l *waLogger) Warnf(msg string, args ...interface{})  { l.s.Warnf(msg, args...) }
func (l *waLogger) Errorf(msg string, args ...interface{}) { l.s.Errorf(msg, args...) }
func (l *waLogger) Infof(msg string, args ...interface{})  { l.s.Infof(msg, args...) }
func (l *waLogger) Debugf(msg string, args ...interface{}) { l.s.Debugf(msg, args...) }

func (l *waLogger) Sub(module string) waLog.Logger {
	return &waLogger{s: l.s.With("submodule", module)}
}
