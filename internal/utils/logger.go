// internal/utils/logger.go
package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the logging level
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARNING
	ERROR
)

// LogFormat 输出格式
type LogFormat string

const (
	FormatText LogFormat = "text"
	FormatJSON LogFormat = "json"
)

// LogEntry represents a log entry
type LogEntry struct {
	Level     string                 `json:"level"`
	Timestamp time.Time              `json:"timestamp"`
	Message   string                 `json:"message"`
	Caller    string                 `json:"caller"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// sink 所有派生 logger 共享的输出目标
type sink struct {
	mu      sync.Mutex
	file    *os.File
	out     io.Writer
	level   LogLevel
	format  LogFormat
	enabled bool
}

// Logger 结构化日志；With 派生的 logger 带固定字段，共享同一个输出
type Logger struct {
	sink   *sink
	fields map[string]interface{}
}

var (
	globalLogger *Logger
	loggerOnce   sync.Once
)

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	loggerOnce.Do(func() {
		globalLogger = &Logger{sink: &sink{
			out:     os.Stdout,
			level:   INFO,
			format:  FormatText,
			enabled: true,
		}}
	})
	return globalLogger
}

// InitLogger 追加写入日志文件，替换之前打开的文件
func InitLogger(logFile string) error {
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	s := GetLogger().sink
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		s.file.Close()
	}
	s.file = file
	return nil
}

// ParseLogLevel maps a level name to a LogLevel, defaulting to INFO
func ParseLogLevel(name string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARNING
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// ParseLogFormat 未知格式按 text 处理
func ParseLogFormat(name string) LogFormat {
	if strings.EqualFold(strings.TrimSpace(name), string(FormatJSON)) {
		return FormatJSON
	}
	return FormatText
}

// With 返回带附加字段的 logger，字段与调用时传入的字段合并，后者优先
func (l *Logger) With(fields map[string]interface{}) *Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{sink: l.sink, fields: merged}
}

// SetOutput redirects the console sink; nil disables it
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.out = w
}

// SetLogLevel sets the minimum level for logging
func (l *Logger) SetLogLevel(level LogLevel) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = level
}

// SetFormat 切换 text / json 输出
func (l *Logger) SetFormat(format LogFormat) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.format = format
}

// Enable enables or disables logging
func (l *Logger) Enable(enabled bool) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.enabled = enabled
}

func (l *Logger) log(level LogLevel, message string, fields map[string]interface{}) {
	s := l.sink
	s.mu.Lock()
	skip := !s.enabled || level < s.level
	format := s.format
	s.mu.Unlock()
	if skip {
		return
	}

	entry := LogEntry{
		Level:     levelName(level),
		Timestamp: time.Now(),
		Message:   message,
		Caller:    caller(3),
		Fields:    l.mergeFields(fields),
	}

	var line string
	if format == FormatJSON {
		data, err := json.Marshal(entry)
		if err != nil {
			data, _ = json.Marshal(LogEntry{Level: entry.Level, Timestamp: entry.Timestamp, Message: message, Caller: entry.Caller})
		}
		line = string(data) + "\n"
	} else {
		line = formatText(entry)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		s.file.WriteString(line)
	}
	if s.out != nil {
		io.WriteString(s.out, line)
	}
}

func (l *Logger) mergeFields(fields map[string]interface{}) map[string]interface{} {
	if len(l.fields) == 0 {
		return fields
	}
	if len(fields) == 0 {
		return l.fields
	}
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}

// caller 返回 file.go:line:pkg.Func
func caller(skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "?"
	}
	funcName := ""
	if fn := runtime.FuncForPC(pc); fn != nil {
		funcName = fn.Name()
		if idx := strings.LastIndex(funcName, "/"); idx >= 0 {
			funcName = funcName[idx+1:]
		}
	}
	return fmt.Sprintf("%s:%d:%s", filepath.Base(file), line, funcName)
}

// formatText [LEVEL] 时间 调用位置 - 消息 | k=v，字段按 key 排序
func formatText(entry LogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s - %s",
		entry.Level,
		entry.Timestamp.Format("2006-01-02 15:04:05.000"),
		entry.Caller,
		entry.Message)

	if len(entry.Fields) > 0 {
		keys := make([]string, 0, len(entry.Fields))
		for key := range entry.Fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		b.WriteString(" |")
		for _, key := range keys {
			fmt.Fprintf(&b, " %s=%v", key, entry.Fields[key])
		}
	}
	b.WriteByte('\n')
	return b.String()
}

func levelName(level LogLevel) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARNING:
		return "WARNING"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields map[string]interface{}) {
	l.log(DEBUG, message, fields)
}

// Info logs an info message
func (l *Logger) Info(message string, fields map[string]interface{}) {
	l.log(INFO, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields map[string]interface{}) {
	l.log(WARNING, message, fields)
}

// Error logs an error message
func (l *Logger) Error(message string, fields map[string]interface{}) {
	l.log(ERROR, message, fields)
}
