package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LogLevel уровни логирования
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var logLevelNames = map[LogLevel]string{
	LogLevelTrace: "TRACE",
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// LogEntry структура записи лога
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Component string    `json:"component,omitempty"`

	// Контекст вызова
	CallID   string `json:"call_id,omitempty"`
	ClientID uint32 `json:"client_id,omitempty"`
	State    string `json:"state,omitempty"`

	// Техническая информация
	File string `json:"file,omitempty"`
	Line int    `json:"line,omitempty"`

	// Произвольные поля
	Fields map[string]interface{} `json:"fields,omitempty"`

	// Ошибка (если есть)
	Error string `json:"error,omitempty"`
}

// StructuredLogger интерфейс для структурированного логирования
type StructuredLogger interface {
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
func Uint64(key string, value uint64) Field          { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Any(key string, value interface{}) Field        { return Field{key, value} }
func Err(err error) Field                            { return Field{"error", err} }

// DefaultLogger реализация StructuredLogger
type DefaultLogger struct {
	mu        sync.RWMutex
	level     LogLevel
	output    io.Writer
	component string
	fields    map[string]interface{}

	includeCaller bool
}

// NewDefaultLogger создает новый logger с настройками по умолчанию
func NewDefaultLogger() *DefaultLogger {
	return &DefaultLogger{
		level:         LogLevelInfo,
		output:        os.Stdout,
		fields:        make(map[string]interface{}),
		includeCaller: true,
	}
}

// NewTestLogger создает logger, пишущий в заданный writer (для тестов)
func NewTestLogger(w io.Writer) *DefaultLogger {
	return &DefaultLogger{
		level:  LogLevelTrace,
		output: w,
		fields: make(map[string]interface{}),
	}
}

// SetLevel устанавливает минимальный уровень логирования
func (l *DefaultLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// IsEnabled проверяет, включен ли уровень логирования
func (l *DefaultLogger) IsEnabled(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

// WithComponent создает logger с указанным компонентом
func (l *DefaultLogger) WithComponent(component string) StructuredLogger {
	return &DefaultLogger{
		level:         l.level,
		output:        l.output,
		component:     component,
		fields:        copyFields(l.fields),
		includeCaller: l.includeCaller,
	}
}

// WithFields создает logger с дополнительными полями
func (l *DefaultLogger) WithFields(fields ...Field) StructuredLogger {
	newFields := copyFields(l.fields)
	for _, field := range fields {
		newFields[field.Key] = field.Value
	}

	return &DefaultLogger{
		level:         l.level,
		output:        l.output,
		component:     l.component,
		fields:        newFields,
		includeCaller: l.includeCaller,
	}
}

func (l *DefaultLogger) Trace(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelTrace, msg, nil, fields...)
}

func (l *DefaultLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelDebug, msg, nil, fields...)
}

func (l *DefaultLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelInfo, msg, nil, fields...)
}

func (l *DefaultLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelWarn, msg, nil, fields...)
}

func (l *DefaultLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelError, msg, nil, fields...)
}

// LogError логирует ошибку с дополнительной информацией
func (l *DefaultLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	if err == nil {
		l.Error(ctx, msg, fields...)
		return
	}
	l.log(ctx, LogLevelError, msg, err, append(fields, Err(err))...)
}

// log основной метод логирования
func (l *DefaultLogger) log(ctx context.Context, level LogLevel, msg string, err error, fields ...Field) {
	if !l.IsEnabled(level) {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   msg,
		Component: l.component,
		Fields:    make(map[string]interface{}),
	}

	// Копируем базовые поля
	for k, v := range l.fields {
		entry.Fields[k] = v
	}

	// Добавляем поля из параметров
	for _, field := range fields {
		entry.Fields[field.Key] = field.Value
	}

	l.extractContextInfo(ctx, &entry)

	if l.includeCaller {
		l.addCallerInfo(&entry)
	}

	if err != nil {
		entry.Error = err.Error()
	}

	l.writeEntry(&entry)
}

// extractContextInfo извлекает информацию из контекста
func (l *DefaultLogger) extractContextInfo(ctx context.Context, entry *LogEntry) {
	if ctx == nil {
		return
	}

	if callID := ctx.Value(ctxKeyCallID{}); callID != nil {
		if id, ok := callID.(string); ok {
			entry.CallID = id
		}
	}
}

type ctxKeyCallID struct{}

// ContextWithCallID добавляет call id в контекст для логирования
func ContextWithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, ctxKeyCallID{}, callID)
}

// addCallerInfo добавляет информацию о caller'е
func (l *DefaultLogger) addCallerInfo(entry *LogEntry) {
	// Пропускаем фреймы logger'а для получения реального caller'а
	_, file, line, ok := runtime.Caller(3)
	if !ok {
		return
	}

	entry.File = shortenFilePath(file)
	entry.Line = line
}

// writeEntry форматирует и выводит запись
func (l *DefaultLogger) writeEntry(entry *LogEntry) {
	if len(entry.Fields) == 0 {
		entry.Fields = nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		// Fallback на простой текстовый вывод
		fmt.Fprintf(l.output, "%s [%s] %s (marshal error: %v)\n",
			entry.Timestamp.Format(time.RFC3339), entry.Level, entry.Message, err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.output.Write(append(data, '\n'))
}

// shortenFilePath сокращает путь до последних двух элементов
func shortenFilePath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) <= 2 {
		return path
	}
	return strings.Join(parts[len(parts)-2:], "/")
}

func copyFields(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

var (
	defaultLogger     StructuredLogger
	defaultLoggerOnce sync.Once
)

// GetDefaultLogger возвращает глобальный logger (инициализация ровно один раз)
func GetDefaultLogger() StructuredLogger {
	defaultLoggerOnce.Do(func() {
		defaultLogger = NewDefaultLogger()
	})
	return defaultLogger
}

// NopLogger логгер, отбрасывающий все записи
type NopLogger struct{}

func (NopLogger) Trace(context.Context, string, ...Field)           {}
func (NopLogger) Debug(context.Context, string, ...Field)           {}
func (NopLogger) Info(context.Context, string, ...Field)            {}
func (NopLogger) Warn(context.Context, string, ...Field)            {}
func (NopLogger) Error(context.Context, string, ...Field)           {}
func (NopLogger) LogError(context.Context, error, string, ...Field) {}
func (n NopLogger) WithComponent(string) StructuredLogger           { return n }
func (n NopLogger) WithFields(...Field) StructuredLogger            { return n }
func (NopLogger) SetLevel(LogLevel)                                 {}
func (NopLogger) IsEnabled(LogLevel) bool                           { return false }
