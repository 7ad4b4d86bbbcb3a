package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel уровни логирования
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelFatal
)

var logLevelNames = map[LogLevel]string{
	LogLevelTrace: "TRACE",
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
	LogLevelFatal: "FATAL",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLevel разбирает имя уровня (без учета регистра)
func ParseLevel(s string) (LogLevel, error) {
	for lvl, name := range logLevelNames {
		if strings.EqualFold(name, s) {
			return lvl, nil
		}
	}
	return LogLevelInfo, fmt.Errorf("неизвестный уровень логирования: %q", s)
}

// toLogrus переводит уровень в уровень logrus
func (l LogLevel) toLogrus() logrus.Level {
	switch l {
	case LogLevelTrace:
		return logrus.TraceLevel
	case LogLevelDebug:
		return logrus.DebugLevel
	case LogLevelInfo:
		return logrus.InfoLevel
	case LogLevelWarn:
		return logrus.WarnLevel
	case LogLevelError:
		return logrus.ErrorLevel
	default:
		return logrus.FatalLevel
	}
}

// StructuredLogger интерфейс для структурированного логирования
type StructuredLogger interface {
	// Основные методы логирования
	Trace(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// Логирование ошибок
	LogError(ctx context.Context, err error, msg string, fields ...Field)

	// Контекстные логгеры
	WithComponent(component string) StructuredLogger
	WithFields(fields ...Field) StructuredLogger

	// Управление уровнем логирования
	SetLevel(level LogLevel)
	IsEnabled(level LogLevel) bool
}

// Field представляет поле лога
type Field struct {
	Key   string
	Value interface{}
}

// Helpers для создания полей
func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Int64(key string, value int64) Field            { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Time(key string, value time.Time) Field         { return Field{key, value} }
func Any(key string, value interface{}) Field        { return Field{key, value} }
func Err(err error) Field                            { return Field{"error", err} }

// ErrorDetails позволяет ошибкам отдавать дополнительные поля в лог.
// Реализуется *channel.Error.
type ErrorDetails interface {
	error
	LogFields() map[string]interface{}
}

// ctxKey ключи контекста, из которых logger извлекает идентификаторы
type ctxKey string

const (
	ctxChannelUUID ctxKey = "channel_uuid"
	ctxCallID      ctxKey = "call_id"
)

// WithChannelUUID кладет UUID канала в контекст для логирования
func WithChannelUUID(ctx context.Context, uuid string) context.Context {
	return context.WithValue(ctx, ctxChannelUUID, uuid)
}

// WithCallID кладет Call-ID в контекст для логирования
func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, ctxCallID, callID)
}

// LogrusLogger реализация StructuredLogger поверх logrus
type LogrusLogger struct {
	entry         *logrus.Entry
	includeCaller bool
}

// NewLogrusLogger оборачивает готовый logrus.Logger
func NewLogrusLogger(base *logrus.Logger) *LogrusLogger {
	if base == nil {
		base = logrus.New()
	}
	return &LogrusLogger{entry: logrus.NewEntry(base), includeCaller: true}
}

// NewDefaultLogger создает logger с выводом в stdout в текстовом формате
func NewDefaultLogger() *LogrusLogger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetLevel(logrus.InfoLevel)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	return NewLogrusLogger(base)
}

// NewWriterLogger создает logger, пишущий в w (удобно для тестов)
func NewWriterLogger(w io.Writer, level LogLevel, json bool) *LogrusLogger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetLevel(level.toLogrus())
	if json {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	}
	l := NewLogrusLogger(base)
	l.includeCaller = false
	return l
}

// SetLevel устанавливает минимальный уровень логирования
func (l *LogrusLogger) SetLevel(level LogLevel) {
	l.entry.Logger.SetLevel(level.toLogrus())
}

// IsEnabled проверяет, включен ли уровень логирования
func (l *LogrusLogger) IsEnabled(level LogLevel) bool {
	return l.entry.Logger.IsLevelEnabled(level.toLogrus())
}

// WithComponent создает logger с указанным компонентом
func (l *LogrusLogger) WithComponent(component string) StructuredLogger {
	return &LogrusLogger{
		entry:         l.entry.WithField("component", component),
		includeCaller: l.includeCaller,
	}
}

// WithFields создает logger с дополнительными полями
func (l *LogrusLogger) WithFields(fields ...Field) StructuredLogger {
	return &LogrusLogger{
		entry:         l.entry.WithFields(toLogrusFields(fields)),
		includeCaller: l.includeCaller,
	}
}

func (l *LogrusLogger) Trace(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelTrace, msg, fields...)
}

func (l *LogrusLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelDebug, msg, fields...)
}

func (l *LogrusLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelInfo, msg, fields...)
}

func (l *LogrusLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelWarn, msg, fields...)
}

func (l *LogrusLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelError, msg, fields...)
}

// LogError логирует ошибку с дополнительной информацией
func (l *LogrusLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	if err == nil {
		l.Error(ctx, msg, fields...)
		return
	}

	errorFields := append(fields, Err(err))

	// Структурированные ошибки отдают свои поля
	if de, ok := err.(ErrorDetails); ok {
		for k, v := range de.LogFields() {
			errorFields = append(errorFields, Any(k, v))
		}
	}

	l.log(ctx, LogLevelError, msg, errorFields...)
}

// log основной метод логирования
func (l *LogrusLogger) log(ctx context.Context, level LogLevel, msg string, fields ...Field) {
	if !l.IsEnabled(level) {
		return
	}

	entry := l.entry
	if len(fields) > 0 {
		entry = entry.WithFields(toLogrusFields(fields))
	}
	entry = withContextInfo(ctx, entry)

	if l.includeCaller {
		if file, line, ok := callerInfo(); ok {
			entry = entry.WithField("caller", fmt.Sprintf("%s:%d", file, line))
		}
	}

	entry.Log(level.toLogrus(), msg)
}

// withContextInfo извлекает идентификаторы из контекста
func withContextInfo(ctx context.Context, entry *logrus.Entry) *logrus.Entry {
	if ctx == nil {
		return entry
	}
	if id, ok := ctx.Value(ctxChannelUUID).(string); ok && id != "" {
		entry = entry.WithField(string(ctxChannelUUID), id)
	}
	if id, ok := ctx.Value(ctxCallID).(string); ok && id != "" {
		entry = entry.WithField(string(ctxCallID), id)
	}
	return entry
}

// callerInfo пропускает фреймы logger'а для получения реального caller'а
func callerInfo() (string, int, bool) {
	_, file, line, ok := runtime.Caller(3)
	if !ok {
		return "", 0, false
	}
	return shortenFilePath(file), line, true
}

func toLogrusFields(fields []Field) logrus.Fields {
	out := make(logrus.Fields, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok && err != nil {
			out[f.Key] = err.Error()
			continue
		}
		out[f.Key] = f.Value
	}
	return out
}

func shortenFilePath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) > 2 {
		return strings.Join(parts[len(parts)-2:], "/")
	}
	return path
}

// NoOpLogger логгер-заглушка для тестов
type NoOpLogger struct{}

func (NoOpLogger) Trace(ctx context.Context, msg string, fields ...Field)                {}
func (NoOpLogger) Debug(ctx context.Context, msg string, fields ...Field)                {}
func (NoOpLogger) Info(ctx context.Context, msg string, fields ...Field)                 {}
func (NoOpLogger) Warn(ctx context.Context, msg string, fields ...Field)                 {}
func (NoOpLogger) Error(ctx context.Context, msg string, fields ...Field)                {}
func (NoOpLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {}
func (NoOpLogger) WithComponent(component string) StructuredLogger                      { return NoOpLogger{} }
func (NoOpLogger) WithFields(fields ...Field) StructuredLogger                          { return NoOpLogger{} }
func (NoOpLogger) SetLevel(level LogLevel)                                              {}
func (NoOpLogger) IsEnabled(level LogLevel) bool                                        { return false }
