package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var (
	logger     *slog.Logger
	loggerOnce sync.Once
	levelVar   slog.LevelVar
)

// initLogger initializes the global logger to write colored lines to stderr.
func initLogger() {
	loggerOnce.Do(func() {
		levelVar.Set(slog.LevelInfo)
		logger = newLogger(os.Stderr)
	})
}

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      &levelVar,
		TimeFormat: time.RFC3339,
	}))
}

// SetOutput redirects log output. Tests use it to silence or capture logs.
func SetOutput(w io.Writer) {
	initLogger()
	logger = newLogger(w)
}

func SetLevel(l Level) {
	initLogger()
	switch l {
	case LevelDebug:
		levelVar.Set(slog.LevelDebug)
	case LevelWarn:
		levelVar.Set(slog.LevelWarn)
	case LevelError:
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

// ParseLevel maps a config string (debug, info, warn, error) to a Level.
// Unknown values map to LevelInfo.
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

// Logger returns the underlying slog logger for libraries that want one.
func Logger() *slog.Logger {
	initLogger()
	return logger
}

func Debug(msg string, kv ...any) {
	initLogger()
	logger.Debug(msg, kv...)
}

func Info(msg string, kv ...any) {
	initLogger()
	logger.Info(msg, kv...)
}

func Warn(msg string, kv ...any) {
	initLogger()
	logger.Warn(msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	initLogger()
	// Prepend error into key-value list.
	extended := append([]any{tint.Err(err)}, kv...)
	logger.Error(msg, extended...)
}
