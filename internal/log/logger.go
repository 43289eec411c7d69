// Package log provides a global logger with configurable logging level. Output is written to
// stderr through a zap console encoder.

package log

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level int

const (
	LevelNone    Level = iota // Disables logging.
	LevelError                // Logs anomalies that are not expected to occur during normal use.
	LevelWarning              // Logs anomalies that are expected to occur occasionally, e.g. upstream timeouts.
	LevelInfo                 // Logs major events.
	LevelDebug                // Logs detailed IO
)

var (
	globalLogLevel = LevelInfo
	logMutex       sync.Mutex
	sink           = newSink(zapcore.Lock(os.Stderr))
)

var zapLevels = map[Level]zapcore.Level{
	LevelDebug:   zapcore.DebugLevel,
	LevelInfo:    zapcore.InfoLevel,
	LevelWarning: zapcore.WarnLevel,
	LevelError:   zapcore.ErrorLevel,
}

func newSink(w zapcore.WriteSyncer) *zap.SugaredLogger {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.RFC3339TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), w, zapcore.DebugLevel)
	return zap.New(core).Sugar()
}

func SetLevel(level Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	globalLogLevel = level
}

// SetOutput redirects log output to w. Tests use it to capture log lines.
func SetOutput(w zapcore.WriteSyncer) {
	logMutex.Lock()
	defer logMutex.Unlock()
	sink = newSink(w)
}

// Sync flushes buffered log entries.
func Sync() error {
	logMutex.Lock()
	s := sink
	logMutex.Unlock()
	return s.Sync()
}

func logLevel() (Level, *zap.SugaredLogger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	return globalLogLevel, sink
}

func log(level Level, format string, a ...interface{}) {
	current, s := logLevel()
	if level > current {
		return
	}
	s.Logf(zapLevels[level], "%s", fmt.Sprintf(format, a...))
}

func Debug(format string, a ...interface{}) {
	log(LevelDebug, format, a...)
}
func Info(format string, a ...interface{}) {
	log(LevelInfo, format, a...)
}
func Warning(format string, a ...interface{}) {
	log(LevelWarning, format, a...)
}
func Error(format string, a ...interface{}) {
	log(LevelError, format, a...)
}
