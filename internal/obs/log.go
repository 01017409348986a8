package obs

import (
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logger shared across the service.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	Sync() error
}

// Field is a single structured log attribute.
type Field struct {
	zap.Field
}

type zapLogger struct {
	z *zap.Logger
}

// NewLogger builds a zap-backed logger. Development environments get a console
// encoder; everything else emits JSON lines.
func NewLogger(environment, level, service string) (Logger, error) {
	return newLogger(os.Stdout, environment, level, service)
}

// NewLoggerTo is NewLogger writing to w instead of stdout.
func NewLoggerTo(w io.Writer, environment, level, service string) (Logger, error) {
	return newLogger(w, environment, level, service)
}

func newLogger(w io.Writer, environment, level, service string) (Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	var encoder zapcore.Encoder
	if environment == "dev" {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "ts"
		cfg.MessageKey = "msg"
		cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncodeDuration = zapcore.MillisDurationEncoder
		cfg.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(w), zap.NewAtomicLevelAt(lvl))
	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zap.ErrorLevel))
	z = z.With(zap.String("service", service), zap.String("environment", environment))
	return &zapLogger{z: z}, nil
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return &zapLogger{z: zap.NewNop()}
}

func (l *zapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, unwrap(fields)...) }
func (l *zapLogger) Info(msg string, fields ...Field)  { l.z.Info(msg, unwrap(fields)...) }
func (l *zapLogger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, unwrap(fields)...) }
func (l *zapLogger) Error(msg string, fields ...Field) { l.z.Error(msg, unwrap(fields)...) }

func (l *zapLogger) With(fields ...Field) Logger {
	return &zapLogger{z: l.z.With(unwrap(fields)...)}
}

func (l *zapLogger) Sync() error { return l.z.Sync() }

func unwrap(fields []Field) []zap.Field {
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = f.Field
	}
	return out
}

func String(key, val string) Field { return Field{zap.String(key, val)} }

func Int(key string, val int) Field { return Field{zap.Int(key, val)} }

func Bool(key string, val bool) Field { return Field{zap.Bool(key, val)} }

func Duration(key string, val time.Duration) Field { return Field{zap.Duration(key, val)} }

func Any(key string, val any) Field { return Field{zap.Any(key, val)} }

// Err attaches an error under the "error" key.
func Err(err error) Field {
	if err == nil {
		return Field{zap.Skip()}
	}
	return Field{zap.String("error", err.Error())}
}
