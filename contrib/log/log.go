// Package log is the injector's logging facade: a small kratos-shaped
// wrapper (Logger/Helper/Valuer) over zap, matching the call surface the
// rest of the tree already assumes (log.Infof, log.With, log.Context,
// log.NewHelper, log.Errorw).
package log

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level mirrors zap's level but keeps callers decoupled from zapcore.
type Level int8

const (
	LevelDebug Level = iota - 1
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal = Level(zapcore.FatalLevel)
)

func (l Level) zapLevel() zapcore.Level { return zapcore.Level(l) }

// DefaultMessageKey is the structured-log key used for the human message
// in Errorw/Infow-style calls, matching the teacher's middleware registry.
const DefaultMessageKey = "msg"

// Valuer resolves a contextual value lazily, at log time.
type Valuer func(ctx context.Context) any

// Timestamp returns a Valuer rendering time.Now in the given layout.
func Timestamp(layout string) Valuer {
	return func(context.Context) any {
		return time.Now().Format(layout)
	}
}

// Logger is the minimal structured logger contract used across the tree.
type Logger interface {
	Log(level Level, keyvals ...any) error
}

type zapLogger struct {
	z *zap.Logger
}

func (l *zapLogger) Log(level Level, keyvals ...any) error {
	fields := make([]zap.Field, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(keyvals[i]), keyvals[i+1]))
	}
	if ce := l.z.Check(level.zapLevel(), ""); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

// NewStdLogger builds a console-encoded zap-backed Logger writing to w.
func NewStdLogger(w *os.File) Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(w), zapcore.DebugLevel)
	return &zapLogger{z: zap.New(core)}
}

// NewFileLogger builds a rotating file Logger via lumberjack, matching
// conf.Logger's MaxSize/MaxAge/MaxBackups/Compress fields.
func NewFileLogger(path string, maxSizeMB, maxAgeDays, maxBackups int, compress bool) Logger {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxAge:     maxAgeDays,
		MaxBackups: maxBackups,
		Compress:   compress,
		LocalTime:  true,
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.AddSync(rotator), zapcore.DebugLevel)
	return &zapLogger{z: zap.New(core)}
}

// DefaultLogger writes to stderr until SetLogger installs another sink.
var DefaultLogger Logger = NewStdLogger(os.Stderr)

var global Logger = DefaultLogger
var globalLevel = LevelDebug

// SetLogger installs the process-wide default logger.
func SetLogger(l Logger) { global = l }

// GetLogger returns the process-wide default logger.
func GetLogger() Logger { return global }

// SetLevel sets the minimum level Enabled() reports as active.
func SetLevel(l Level) { globalLevel = l }

// Enabled reports whether level would currently be emitted.
func Enabled(level Level) bool { return level >= globalLevel }

// withLogger decorates a Logger, resolving Valuer keyvals at call time.
type withLogger struct {
	next    Logger
	keyvals []any
}

// With returns a Logger with extra keyvals prepended to every entry;
// any Valuer is resolved against context.Background() at log time.
func With(l Logger, keyvals ...any) Logger {
	return &withLogger{next: l, keyvals: keyvals}
}

func (w *withLogger) Log(level Level, keyvals ...any) error {
	kvs := make([]any, 0, len(w.keyvals)+len(keyvals))
	for i := 0; i < len(w.keyvals); i++ {
		v := w.keyvals[i]
		if i%2 == 1 {
			if valuer, ok := v.(Valuer); ok {
				v = valuer(context.Background())
			}
		}
		kvs = append(kvs, v)
	}
	kvs = append(kvs, keyvals...)
	return w.next.Log(level, kvs...)
}

// Helper is a leveled, printf-style convenience wrapper around a Logger.
type Helper struct {
	logger Logger
}

func NewHelper(l Logger) *Helper { return &Helper{logger: l} }

func (h *Helper) log(level Level, msg string) {
	_ = h.logger.Log(level, DefaultMessageKey, msg)
}

func (h *Helper) Debug(args ...any)            { h.log(LevelDebug, fmt.Sprint(args...)) }
func (h *Helper) Debugf(f string, a ...any)     { h.log(LevelDebug, fmt.Sprintf(f, a...)) }
func (h *Helper) Info(args ...any)             { h.log(LevelInfo, fmt.Sprint(args...)) }
func (h *Helper) Infof(f string, a ...any)      { h.log(LevelInfo, fmt.Sprintf(f, a...)) }
func (h *Helper) Warn(args ...any)             { h.log(LevelWarn, fmt.Sprint(args...)) }
func (h *Helper) Warnf(f string, a ...any)      { h.log(LevelWarn, fmt.Sprintf(f, a...)) }
func (h *Helper) Error(args ...any)            { h.log(LevelError, fmt.Sprint(args...)) }
func (h *Helper) Errorf(f string, a ...any)     { h.log(LevelError, fmt.Sprintf(f, a...)) }
func (h *Helper) Fatal(args ...any)             { h.log(LevelFatal, fmt.Sprint(args...)); os.Exit(1) }
func (h *Helper) Fatalf(f string, a ...any)     { h.log(LevelFatal, fmt.Sprintf(f, a...)); os.Exit(1) }

// Errorw logs a structured error entry: Errorw(DefaultMessageKey, "msg", "k", v, ...).
func (h *Helper) Errorw(keyvals ...any) { _ = h.logger.Log(LevelError, keyvals...) }
func (h *Helper) Infow(keyvals ...any)  { _ = h.logger.Log(LevelInfo, keyvals...) }
func (h *Helper) Warnw(keyvals ...any)  { _ = h.logger.Log(LevelWarn, keyvals...) }

// package-level convenience funcs operate against the global logger.
func helper() *Helper { return NewHelper(global) }

func Debug(args ...any)         { helper().Debug(args...) }
func Debugf(f string, a ...any)  { helper().Debugf(f, a...) }
func Info(args ...any)          { helper().Info(args...) }
func Infof(f string, a ...any)   { helper().Infof(f, a...) }
func Warn(args ...any)          { helper().Warn(args...) }
func Warnf(f string, a ...any)   { helper().Warnf(f, a...) }
func Error(args ...any)         { helper().Error(args...) }
func Errorf(f string, a ...any)  { helper().Errorf(f, a...) }
func Errorw(keyvals ...any)     { helper().Errorw(keyvals...) }
func Fatal(args ...any)         { helper().Fatal(args...) }
func Fatalf(f string, a ...any)  { helper().Fatalf(f, a...) }

type ctxKey struct{}

// NewContext attaches a per-request Helper (and its structured keyvals) to ctx.
func NewContext(ctx context.Context, h *Helper) context.Context {
	return context.WithValue(ctx, ctxKey{}, h)
}

// Context extracts the per-request Helper from ctx, falling back to the
// global logger when the request carries none.
func Context(ctx context.Context) *Helper {
	if h, ok := ctx.Value(ctxKey{}).(*Helper); ok {
		return h
	}
	return helper()
}
