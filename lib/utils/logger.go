package utils

import (
	"fmt"
	"log"

	"github.com/fatih/color"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// DEBUG level for verbose development messages
	DEBUG LogLevel = iota
	// INFO level for general information
	INFO
	// WARNING level for important but non-critical messages
	WARNING
	// ERROR level for critical issues
	ERROR
)

var levelTags = map[LogLevel]string{
	DEBUG:   color.New(color.FgCyan).Sprint("DEBUG"),
	INFO:    color.New(color.FgGreen).Sprint("INFO"),
	WARNING: color.New(color.FgYellow).Sprint("WARN"),
	ERROR:   color.New(color.FgRed).Sprint("ERROR"),
}

// Logger provides a leveled logging interface with component tracking
type Logger struct {
	Component string
	Level     LogLevel
}

// NewLogger creates a new logger for a specific component
func NewLogger(component string) *Logger {
	return &Logger{
		Component: component,
		Level:     INFO, // Default to INFO level
	}
}

// SetLevel sets the minimum log level for this logger
func (l *Logger) SetLevel(level LogLevel) {
	l.Level = level
}

// formatMessage formats a log message with the component and level prefix
func (l *Logger) formatMessage(level LogLevel, format string, args ...interface{}) string {
	var message string
	if len(args) > 0 {
		message = fmt.Sprintf(format, args...)
	} else {
		message = format
	}

	return fmt.Sprintf("[%s:%s] %s", l.Component, levelTags[level], message)
}

// Debug logs a message at DEBUG level
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.Level <= DEBUG {
		log.Print(l.formatMessage(DEBUG, format, args...))
	}
}

// Info logs a message at INFO level
func (l *Logger) Info(format string, args ...interface{}) {
	if l.Level <= INFO {
		log.Print(l.formatMessage(INFO, format, args...))
	}
}

// Warn logs a message at WARNING level
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.Level <= WARNING {
		log.Print(l.formatMessage(WARNING, format, args...))
	}
}

// Error logs a message at ERROR level
func (l *Logger) Error(format string, args ...interface{}) {
	if l.Level <= ERROR {
		log.Print(l.formatMessage(ERROR, format, args...))
	}
}
