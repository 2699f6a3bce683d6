package models

import "time"

// LogLevel classifies a job log line for viewer rendering
type LogLevel string

const (
	LogLevelInfo     LogLevel = "info"
	LogLevelSuccess  LogLevel = "success"
	LogLevelWarning  LogLevel = "warning"
	LogLevelError    LogLevel = "error"
	LogLevelProgress LogLevel = "progress"
)

// JobLogEntry is a single structured progress line on a job's live stream.
// Entries are ephemeral and scoped to one job; they are not persisted, and a
// viewer that attaches late sees only subsequent entries.
type JobLogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// NewLogEntry creates a log entry stamped with the current time. Details may
// be nil for plain messages.
func NewLogEntry(level LogLevel, message string, details map[string]interface{}) JobLogEntry {
	return JobLogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		Details:   details,
	}
}
