// Package logging provides config-driven categorized file-based logging for
// capsmith. Logs are written to the data directory with separate files per
// category. When debug mode is off the whole package is a silent no-op, so
// call sites never need to guard their log statements.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/system.
type Category string

const (
	CategoryBoot     Category = "boot"     // startup and wiring
	CategoryGovernor Category = "governor" // permits, windows, back-pressure
	CategoryBreaker  Category = "breaker"  // circuit state transitions
	CategoryGraph    Category = "graph"    // decomposition and DAG building
	CategoryRouter   Category = "router"   // tier routing decisions
	CategoryExecutor Category = "executor" // task pipeline stages
	CategoryWorkflow Category = "workflow" // engine state machine and events
	CategoryCapsule  Category = "capsule"  // assembly, signing, packaging
	CategoryDelivery Category = "delivery" // VCS hand-off
	CategoryStore    Category = "store"    // SQLite system of record
	CategoryProvider Category = "provider" // LLM provider calls
	CategorySandbox  Category = "sandbox"  // sandbox executions
	CategoryMemory   Category = "memory"   // memory store search/record
	CategoryAPI      Category = "api"      // HTTP surface
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Settings controls the logging subsystem. It mirrors config.LoggingConfig
// to avoid a circular import.
type Settings struct {
	DebugMode  bool
	Level      string
	Categories map[string]bool
	JSONFormat bool
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

// StructuredEntry is the JSON log record shape.
type StructuredEntry struct {
	Timestamp int64          `json:"ts"` // unix milliseconds
	Category  string         `json:"cat"`
	Level     string         `json:"lvl"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	settings  Settings
	setMu     sync.RWMutex
	logLevel  int
)

// Initialize sets up the logging directory and applies settings. Call once
// at startup; Reconfigure may be called later (e.g. from the config
// watcher).
func Initialize(dataDir string, s Settings) error {
	if dataDir == "" {
		return fmt.Errorf("data directory required")
	}
	logsDir = filepath.Join(dataDir, "logs")
	Reconfigure(s)

	if !s.DebugMode {
		return nil
	}
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== capsmith logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", s.Level)
	return nil
}

// Reconfigure swaps the active settings. Open files are kept; disabled
// categories simply stop receiving writes.
func Reconfigure(s Settings) {
	setMu.Lock()
	defer setMu.Unlock()
	settings = s
	switch s.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
}

// IsDebugMode returns whether debug logging is enabled.
func IsDebugMode() bool {
	setMu.RLock()
	defer setMu.RUnlock()
	return settings.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	setMu.RLock()
	defer setMu.RUnlock()
	if !settings.DebugMode {
		return false
	}
	if settings.Categories == nil {
		return true
	}
	enabled, exists := settings.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category. Returns a no-op
// logger when the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) || logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) logJSON(level, msg string) {
	entry := StructuredEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

func (l *Logger) write(level int, tag, format string, args ...any) {
	if l.logger == nil || logLevel > level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	setMu.RLock()
	jsonFmt := settings.JSONFormat
	setMu.RUnlock()
	if jsonFmt {
		l.logJSON(tag, msg)
	} else {
		l.logger.Printf("[%s] %s", tag, msg)
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...any) { l.write(LevelDebug, "DEBUG", format, args...) }

// Info logs an informational message.
func (l *Logger) Info(format string, args ...any) { l.write(LevelInfo, "INFO", format, args...) }

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...any) { l.write(LevelWarn, "WARN", format, args...) }

// Error logs an error message.
func (l *Logger) Error(format string, args ...any) { l.write(LevelError, "ERROR", format, args...) }

// CloseAll closes all open log files (call at shutdown).
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Convenience functions: quick logging without getting a logger first.
// No-ops when the category is disabled.

func Governor(format string, args ...any)      { Get(CategoryGovernor).Info(format, args...) }
func GovernorDebug(format string, args ...any) { Get(CategoryGovernor).Debug(format, args...) }
func Breaker(format string, args ...any)       { Get(CategoryBreaker).Info(format, args...) }
func BreakerDebug(format string, args ...any)  { Get(CategoryBreaker).Debug(format, args...) }
func Graph(format string, args ...any)         { Get(CategoryGraph).Info(format, args...) }
func GraphDebug(format string, args ...any)    { Get(CategoryGraph).Debug(format, args...) }
func Router(format string, args ...any)        { Get(CategoryRouter).Info(format, args...) }
func RouterDebug(format string, args ...any)   { Get(CategoryRouter).Debug(format, args...) }
func Executor(format string, args ...any)      { Get(CategoryExecutor).Info(format, args...) }
func ExecutorDebug(format string, args ...any) { Get(CategoryExecutor).Debug(format, args...) }
func ExecutorWarn(format string, args ...any)  { Get(CategoryExecutor).Warn(format, args...) }
func Workflow(format string, args ...any)      { Get(CategoryWorkflow).Info(format, args...) }
func WorkflowDebug(format string, args ...any) { Get(CategoryWorkflow).Debug(format, args...) }
func WorkflowWarn(format string, args ...any)  { Get(CategoryWorkflow).Warn(format, args...) }
func Capsule(format string, args ...any)       { Get(CategoryCapsule).Info(format, args...) }
func CapsuleDebug(format string, args ...any)  { Get(CategoryCapsule).Debug(format, args...) }
func Delivery(format string, args ...any)      { Get(CategoryDelivery).Info(format, args...) }
func DeliveryWarn(format string, args ...any)  { Get(CategoryDelivery).Warn(format, args...) }
func Store(format string, args ...any)         { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...any)    { Get(CategoryStore).Debug(format, args...) }
func Provider(format string, args ...any)      { Get(CategoryProvider).Info(format, args...) }
func ProviderDebug(format string, args ...any) { Get(CategoryProvider).Debug(format, args...) }
func Sandbox(format string, args ...any)       { Get(CategorySandbox).Info(format, args...) }
func SandboxDebug(format string, args ...any)  { Get(CategorySandbox).Debug(format, args...) }
func Memory(format string, args ...any)        { Get(CategoryMemory).Info(format, args...) }
func MemoryDebug(format string, args ...any)   { Get(CategoryMemory).Debug(format, args...) }
func API(format string, args ...any)           { Get(CategoryAPI).Info(format, args...) }
func APIDebug(format string, args ...any)      { Get(CategoryAPI).Debug(format, args...) }
func Boot(format string, args ...any)          { Get(CategoryBoot).Info(format, args...) }

// Timer helps measure operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level.
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}
