package logging

import (
	"log"
	"sync/atomic"
)

const (
	// TraceLevel indicates a log message's level of criticality
	TraceLevel = iota
	// DebugLevel indicates a log message's level of criticality
	DebugLevel
	// InfoLevel indicates a log message's level of criticality
	InfoLevel
	// WarnLevel indicates a log message's level of criticality
	WarnLevel
	// ErrorLevel indicates a log message's level of criticality
	ErrorLevel
	// FatalLevel indicates a log message's level of criticality
	FatalLevel
)

var currentLevel int32 = InfoLevel

// SetLevel sets the minimum level of criticality which will be logged
func SetLevel(level int) {
	atomic.StoreInt32(&currentLevel, int32(level))
}

// Level returns the minimum level of criticality which will be logged
func Level() int {
	return int(atomic.LoadInt32(&currentLevel))
}

// LogLevelToString translates a log level enum to a string representation
func LogLevelToString(level int) string {
	switch level {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "TRACE"
	}
}

func logf(level int, format string, args ...interface{}) {
	if level < Level() {
		return
	}
	log.Printf("["+LogLevelToString(level)+"] "+format, args...)
}

// Tracef logs a formatted message at TraceLevel
func Tracef(format string, args ...interface{}) {
	logf(TraceLevel, format, args...)
}

// Debugf logs a formatted message at DebugLevel
func Debugf(format string, args ...interface{}) {
	logf(DebugLevel, format, args...)
}

// Infof logs a formatted message at InfoLevel
func Infof(format string, args ...interface{}) {
	logf(InfoLevel, format, args...)
}

// Warnf logs a formatted message at WarnLevel
func Warnf(format string, args ...interface{}) {
	logf(WarnLevel, format, args...)
}

// Errorf logs a formatted message at ErrorLevel
func Errorf(format string, args ...interface{}) {
	logf(ErrorLevel, format, args...)
}

// Fatalf logs a formatted message and exits
func Fatalf(format string, args ...interface{}) {
	log.Fatalf("["+LogLevelToString(FatalLevel)+"] "+format, args...)
}
