package log

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ Log = (*Logger)(nil)

// Logger is the zap-backed Log implementation used across the service.
type Logger struct {
	zapLogger *zap.Logger
	level     zap.AtomicLevel
}

// New builds a production JSON logger writing to stderr. Encoding may be
// "json" or "console"; anything else falls back to json.
func New(level Level, encoding string) *Logger {
	if encoding != "console" {
		encoding = "json"
	}
	atomicLevel := zap.NewAtomicLevelAt(toZapLevel(level))
	config := zap.Config{
		Level:       atomicLevel,
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding:         encoding,
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		DisableCaller:    true,
	}

	zapLogger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return &Logger{zapLogger: zapLogger, level: atomicLevel}
}

// NewNop returns a logger that discards everything. Used in tests.
func NewNop() *Logger {
	return &Logger{zapLogger: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.InfoLevel)}
}

func (l *Logger) Debug(msg string, fields ...Field) {
	l.zapLogger.Debug(msg, toZapFields(fields...)...)
}

func (l *Logger) Info(msg string, fields ...Field) {
	l.zapLogger.Info(msg, toZapFields(fields...)...)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	l.zapLogger.Warn(msg, toZapFields(fields...)...)
}

func (l *Logger) Error(msg string, fields ...Field) {
	l.zapLogger.Error(msg, toZapFields(fields...)...)
}

func (l *Logger) Fatal(msg string, fields ...Field) {
	l.zapLogger.Fatal(msg, toZapFields(fields...)...)
}

func (l *Logger) With(fields ...Field) Log {
	return &Logger{zapLogger: l.zapLogger.With(toZapFields(fields...)...), level: l.level}
}

func (l *Logger) Named(name string) Log {
	return &Logger{zapLogger: l.zapLogger.Named(name), level: l.level}
}

func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(toZapLevel(level))
}

func (l *Logger) Level() Level {
	return fromZapLevel(l.level.Level())
}

func toZapLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zap.DebugLevel
	case LevelInfo:
		return zap.InfoLevel
	case LevelWarn:
		return zap.WarnLevel
	case LevelError:
		return zap.ErrorLevel
	case LevelFatal:
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

func fromZapLevel(level zapcore.Level) Level {
	switch level {
	case zap.DebugLevel:
		return LevelDebug
	case zap.InfoLevel:
		return LevelInfo
	case zap.WarnLevel:
		return LevelWarn
	case zap.ErrorLevel:
		return LevelError
	case zap.FatalLevel:
		return LevelFatal
	default:
		return LevelInfo
	}
}

func toZapFields(fields ...Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	zapFields := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		switch f.Type {
		case BoolType:
			zapFields = append(zapFields, zap.Bool(f.Key, f.Value.(bool)))
		case DurationType:
			zapFields = append(zapFields, zap.Duration(f.Key, f.Value.(time.Duration)))
		case Float64Type:
			zapFields = append(zapFields, zap.Float64(f.Key, f.Value.(float64)))
		case IntType:
			zapFields = append(zapFields, zap.Int(f.Key, f.Value.(int)))
		case Int64Type:
			zapFields = append(zapFields, zap.Int64(f.Key, f.Value.(int64)))
		case StringType:
			zapFields = append(zapFields, zap.String(f.Key, f.Value.(string)))
		case StringsType:
			zapFields = append(zapFields, zap.Strings(f.Key, f.Value.([]string)))
		case TimeType:
			zapFields = append(zapFields, zap.Time(f.Key, f.Value.(time.Time)))
		case Uint64Type:
			zapFields = append(zapFields, zap.Uint64(f.Key, f.Value.(uint64)))
		case ErrorType:
			if f.Value == nil {
				zapFields = append(zapFields, zap.Skip())
			} else {
				zapFields = append(zapFields, zap.NamedError(f.Key, f.Value.(error)))
			}
		default:
			zapFields = append(zapFields, zap.Any(f.Key, f.Value))
		}
	}
	return zapFields
}
