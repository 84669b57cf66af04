// Package logx provides leveled, component-tagged logging with an in-memory buffer of recent entries.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// Logger writes lines tagged with a component context string.
type Logger struct {
	component string
}

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

func (l Level) rank() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

// ParseLevel maps "debug", "info", "warn"/"warning" and "error" to a Level.
// Unknown values fall back to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// LogEntry is a structured copy of one emitted line.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Domain    string `json:"domain,omitempty"`
}

// InMemoryLogBuffer stores recent log entries.
type InMemoryLogBuffer struct {
	entries []LogEntry
	mutex   sync.RWMutex
	maxSize int
}

//nolint:gochecknoglobals // process-wide logging configuration
var (
	minLevel      = LevelInfo
	debugDoms     map[string]bool
	configMu      sync.RWMutex
	logWriter     io.Writer
	logWriterLock sync.Mutex

	logBuffer = &InMemoryLogBuffer{
		entries: make([]LogEntry, 0),
		maxSize: 1000,
	}
)

func init() { //nolint:gochecknoinits // env driven defaults
	initFromEnv()
}

func initFromEnv() {
	configMu.Lock()
	defer configMu.Unlock()

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		minLevel = ParseLevel(lvl)
	}
	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		minLevel = LevelDebug
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugDoms = make(map[string]bool)
		for _, d := range strings.Split(domains, ",") {
			debugDoms[strings.TrimSpace(d)] = true
		}
	}
}

// NewLogger returns a logger tagged with component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// SetLevel sets the global minimum level. Lines below it are dropped.
func SetLevel(level Level) {
	configMu.Lock()
	defer configMu.Unlock()
	minLevel = level
}

// GetLevel returns the global minimum level.
func GetLevel() Level {
	configMu.RLock()
	defer configMu.RUnlock()
	return minLevel
}

// SetDebugDomains restricts domain debug output to the named domains. Empty enables all.
func SetDebugDomains(domains []string) {
	configMu.Lock()
	defer configMu.Unlock()

	if len(domains) == 0 {
		debugDoms = nil
		return
	}
	debugDoms = make(map[string]bool)
	for _, d := range domains {
		debugDoms[strings.TrimSpace(d)] = true
	}
}

// SetOutput redirects log lines. nil restores stderr.
func SetOutput(w io.Writer) {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	logWriter = w
}

// IsEnabled reports whether level passes the global minimum.
func IsEnabled(level Level) bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return level.rank() >= minLevel.rank()
}

// IsDebugEnabledForDomain reports whether domain debug lines are emitted.
func IsDebugEnabledForDomain(domain string) bool {
	if !IsEnabled(LevelDebug) {
		return false
	}
	configMu.RLock()
	defer configMu.RUnlock()
	if debugDoms == nil {
		return true
	}
	return debugDoms[domain]
}

// AddLogEntry appends an entry, keeping only the newest maxSize.
func (b *InMemoryLogBuffer) AddLogEntry(entry *LogEntry) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.entries = append(b.entries, *entry)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

// GetLogEntries returns a filtered copy. Empty component or level matches everything.
func (b *InMemoryLogBuffer) GetLogEntries(component string, level Level, since time.Time) []LogEntry {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	filtered := make([]LogEntry, 0, len(b.entries))
	for i := range b.entries {
		entry := &b.entries[i]
		if component != "" && !strings.EqualFold(entry.Component, component) {
			continue
		}
		if level != "" && entry.Level != string(level) {
			continue
		}
		if !since.IsZero() {
			ts, err := time.Parse(timestampFormat, entry.Timestamp)
			if err != nil || ts.Before(since.Truncate(time.Millisecond)) {
				continue
			}
		}
		filtered = append(filtered, *entry)
	}
	return filtered
}

// GetRecentLogEntries returns buffered entries matching component, level and since.
func GetRecentLogEntries(component string, level Level, since time.Time) []LogEntry {
	return logBuffer.GetLogEntries(component, level, since)
}

func write(line string) {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	w := logWriter
	if w == nil {
		w = os.Stderr
	}
	_, _ = fmt.Fprintln(w, line)
}

func emit(component, domain string, level Level, message string) {
	timestamp := time.Now().UTC().Format(timestampFormat)
	if domain != "" {
		write(fmt.Sprintf("[%s] [%s] %s: [%s] %s", timestamp, component, level, domain, message))
	} else {
		write(fmt.Sprintf("[%s] [%s] %s: %s", timestamp, component, level, message))
	}
	logBuffer.AddLogEntry(&LogEntry{
		Timestamp: timestamp,
		Component: component,
		Level:     string(level),
		Message:   message,
		Domain:    domain,
	})
}

func (l *Logger) log(level Level, format string, args ...any) {
	if !IsEnabled(level) {
		return
	}
	emit(l.component, "", level, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }

func (l *Logger) Info(format string, args ...any) { l.log(LevelInfo, format, args...) }

func (l *Logger) Warn(format string, args ...any) { l.log(LevelWarn, format, args...) }

func (l *Logger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

// Component returns the context string this logger tags lines with.
func (l *Logger) Component() string {
	return l.component
}

// WithComponent returns a logger for a sub-component, e.g. "providers/anthropic".
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: component}
}

type ctxKey struct{}

// WithRequestID stores a request ID that Debug picks up as its component.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, requestID)
}

// RequestIDFrom returns the request ID stored by WithRequestID.
func RequestIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// Debug logs a domain-filtered debug line tagged with the request ID from ctx.
//
//	DEBUG=1                          # debug for every domain
//	DEBUG=1 DEBUG_DOMAINS=providers  # debug only for providers
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	component := RequestIDFrom(ctx)
	if component == "" {
		component = "unknown"
	}
	emit(component, domain, LevelDebug, fmt.Sprintf(format, args...))
}

// DebugFlow logs a workflow step for domain.
func DebugFlow(ctx context.Context, domain, step, status string, extra ...string) {
	extraInfo := ""
	if len(extra) > 0 {
		extraInfo = " - " + extra[0]
	}
	Debug(ctx, domain, "Flow %s: %s%s", step, status, extraInfo)
}

var defaultLogger = NewLogger("system") //nolint:gochecknoglobals

func Infof(format string, args ...any) { defaultLogger.Info(format, args...) }

func Warnf(format string, args ...any) { defaultLogger.Warn(format, args...) }

// Errorf logs and returns the formatted error:
//
//	err := logx.Errorf("setup failed: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
