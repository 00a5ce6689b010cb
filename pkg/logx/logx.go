// Package logx provides levelled printf-style logging with classification tags,
// an in-memory buffer of recent entries, and per-scope replayable log streams.
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Classification tag keys.
const (
	TagNamespace = "namespace"
	TagSession   = "session"
	TagAgent     = "agent"
	TagSensitive = "sensitive"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// Tag is one key/value classification attached to a logger.
type Tag struct {
	Key   string
	Value string
}

// Logger writes tagged log lines for one component.
type Logger struct {
	component string
	tags      []Tag
	sensitive bool
	buffers   []*Buffer
}

// LogEntry represents a structured log entry kept in the recent-entries buffer.
type LogEntry struct {
	Timestamp string            `json:"timestamp"`
	Component string            `json:"component"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// InMemoryLogBuffer stores recent log entries.
type InMemoryLogBuffer struct {
	entries []LogEntry
	mutex   sync.RWMutex
	maxSize int
}

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Enabled bool
	Domains map[string]bool // nil enables every domain
}

var (
	debugConfig = &DebugConfig{}
	debugMutex  sync.RWMutex

	logBuffer = &InMemoryLogBuffer{
		entries: make([]LogEntry, 0),
		maxSize: 1000,
	}

	logWriter     io.Writer
	logWriterLock sync.Mutex
	colorEnabled  bool

	levelColors = map[Level]*color.Color{
		LevelDebug: color.New(color.FgHiBlack),
		LevelInfo:  color.New(color.FgCyan),
		LevelWarn:  color.New(color.FgYellow),
		LevelError: color.New(color.FgRed, color.Bold),
	}
)

func init() { //nolint:gochecknoinits // env-driven defaults
	initDebugFromEnv()
}

func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.Enabled = true
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = make(map[string]bool)
		for _, domain := range strings.Split(domains, ",") {
			debugConfig.Domains[strings.TrimSpace(domain)] = true
		}
	}
}

// NewLogger creates a logger for a component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// SetOutput redirects every logger. A nil writer restores stderr.
func SetOutput(w io.Writer) {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	logWriter = w
}

// ConfigureColor enables level colouring. With auto set, colour is used only
// when stderr is a terminal.
func ConfigureColor(enabled, auto bool) {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	if auto {
		enabled = term.IsTerminal(int(os.Stderr.Fd()))
	}
	colorEnabled = enabled
	for _, c := range levelColors {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
}

// SetDebugConfig toggles debug output.
func SetDebugConfig(enabled bool) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugConfig.Enabled = enabled
}

// SetDebugDomains restricts debug output to the named components.
func SetDebugDomains(domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if len(domains) == 0 {
		debugConfig.Domains = nil
		return
	}
	debugConfig.Domains = make(map[string]bool)
	for _, domain := range domains {
		debugConfig.Domains[strings.TrimSpace(domain)] = true
	}
}

// IsDebugEnabledForDomain returns whether debug logging is enabled for a component.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[domain]
}

// AddLogEntry adds a log entry to the in-memory buffer.
func (b *InMemoryLogBuffer) AddLogEntry(entry *LogEntry) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.entries = append(b.entries, *entry)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

// GetLogEntries returns a copy of current log entries, optionally filtered by
// component and start time.
func (b *InMemoryLogBuffer) GetLogEntries(component string, since time.Time) []LogEntry {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	filtered := make([]LogEntry, 0, len(b.entries))
	for i := range b.entries {
		entry := &b.entries[i]
		if component != "" && !strings.EqualFold(entry.Component, component) {
			continue
		}
		if !since.IsZero() {
			entryTime, err := time.Parse(timestampFormat, entry.Timestamp)
			if err != nil || entryTime.Before(since) {
				continue
			}
		}
		filtered = append(filtered, *entry)
	}
	return filtered
}

// GetRecentLogEntries returns recent process-wide log entries.
func GetRecentLogEntries(component string, since time.Time) []LogEntry {
	return logBuffer.GetLogEntries(component, since)
}

func (l *Logger) clone() *Logger {
	c := *l
	c.tags = append([]Tag(nil), l.tags...)
	c.buffers = append([]*Buffer(nil), l.buffers...)
	return &c
}

func (l *Logger) withTag(key, value string) *Logger {
	c := l.clone()
	for i := range c.tags {
		if c.tags[i].Key == key {
			c.tags[i].Value = value
			return c
		}
	}
	c.tags = append(c.tags, Tag{Key: key, Value: value})
	return c
}

// WithNamespace tags entries with a namespace.
func (l *Logger) WithNamespace(namespace string) *Logger { return l.withTag(TagNamespace, namespace) }

// WithSession tags entries with a session ID.
func (l *Logger) WithSession(sessionID string) *Logger { return l.withTag(TagSession, sessionID) }

// WithAgent tags entries with an agent name.
func (l *Logger) WithAgent(agent string) *Logger { return l.withTag(TagAgent, agent) }

// WithComponent returns a copy logging under a different component name.
func (l *Logger) WithComponent(component string) *Logger {
	c := l.clone()
	c.component = component
	return c
}

// Sensitive marks entries as sensitive. Sensitive entries are written to the
// output but never published to buffers.
func (l *Logger) Sensitive() *Logger {
	c := l.clone()
	c.sensitive = true
	return c
}

// WithBuffer additionally publishes entries to b.
func (l *Logger) WithBuffer(b *Buffer) *Logger {
	if b == nil {
		return l
	}
	c := l.clone()
	c.buffers = append(c.buffers, b)
	return c
}

// Component returns the logger's component name.
func (l *Logger) Component() string {
	return l.component
}

// Tags returns the attached classification tags.
func (l *Logger) Tags() map[string]string {
	out := make(map[string]string, len(l.tags)+1)
	for _, t := range l.tags {
		out[t.Key] = t.Value
	}
	if l.sensitive {
		out[TagSensitive] = "true"
	}
	return out
}

func (l *Logger) log(level Level, format string, args ...any) {
	now := time.Now().UTC()
	timestamp := now.Format(timestampFormat)
	message := fmt.Sprintf(format, args...)

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] [%s] %s: %s", timestamp, l.component, l.levelLabel(level), message)
	for _, t := range l.tags {
		fmt.Fprintf(&sb, " %s=%s", t.Key, t.Value)
	}
	if l.sensitive {
		sb.WriteString(" sensitive=true")
	}
	sb.WriteByte('\n')

	logWriterLock.Lock()
	w := logWriter
	if w == nil {
		w = os.Stderr
	}
	_, _ = io.WriteString(w, sb.String())
	logWriterLock.Unlock()

	if l.sensitive {
		return
	}

	tags := l.Tags()
	logBuffer.AddLogEntry(&LogEntry{
		Timestamp: timestamp,
		Component: l.component,
		Level:     string(level),
		Message:   message,
		Tags:      tags,
	})
	for _, b := range l.buffers {
		b.publish(Entry{
			Time:      now,
			Component: l.component,
			Level:     level,
			Message:   message,
			Tags:      tags,
		})
	}
}

func (l *Logger) levelLabel(level Level) string {
	logWriterLock.Lock()
	enabled := colorEnabled
	logWriterLock.Unlock()
	if !enabled {
		return string(level)
	}
	if c, ok := levelColors[level]; ok {
		return c.Sprint(string(level))
	}
	return string(level)
}

// Debug logs when debug output is enabled for the logger's component.
func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabledForDomain(l.component) {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

var defaultLogger = NewLogger("system")

// Errorf logs and returns the formatted error.
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
