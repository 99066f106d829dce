// Package log provides structured logging for usibridge.
// It keeps a small category-tagged API over logrus and republishes
// every entry on a pub/sub broker so diagnostic streams can observe
// the log without touching the output file.
package log

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kifulab/usibridge/internal/pubsub"
)

// Category groups related log messages.
type Category string

const (
	CatConfig  Category = "config"  // Configuration loading and validation
	CatEngine  Category = "engine"  // Engine process lifecycle and protocol traffic
	CatQueue   Category = "queue"   // Serial dispatcher activity
	CatServer  Category = "server"  // HTTP API and streaming
	CatHistory Category = "history" // Analysis history persistence
	CatCache   Category = "cache"   // Result cache operations
)

// Logger wraps a logrus logger with a broadcast broker.
type Logger struct {
	log    *logrus.Logger
	broker *pubsub.Broker[string]
}

var (
	defaultLogger *Logger
	mu            sync.Mutex
)

// Init routes log output to the given writer (typically os.Stderr or a
// file) at the given level. Returns a cleanup function that closes the
// broker. Later calls replace the sink.
func Init(w io.Writer, level logrus.Level) func() {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05",
	})

	logger := &Logger{log: l, broker: pubsub.NewBroker[string]()}

	mu.Lock()
	defaultLogger = logger
	mu.Unlock()

	return func() { logger.broker.Close() }
}

// InitFile opens path for appending and routes log output there.
func InitFile(path string, level logrus.Level) (func(), error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	cleanup := Init(f, level)
	return func() {
		cleanup()
		_ = f.Close()
	}, nil
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	emit(logrus.DebugLevel, cat, msg, fields...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	emit(logrus.InfoLevel, cat, msg, fields...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	emit(logrus.WarnLevel, cat, msg, fields...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	emit(logrus.ErrorLevel, cat, msg, fields...)
}

// ErrorErr logs an error with the error value attached.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	emit(logrus.ErrorLevel, cat, msg, fields...)
}

// Subscribe returns a channel of formatted log entries. The channel is
// closed when ctx is cancelled. Returns nil before Init.
func Subscribe(ctx context.Context) <-chan pubsub.Event[string] {
	mu.Lock()
	logger := defaultLogger
	mu.Unlock()
	if logger == nil {
		return nil
	}
	return logger.broker.Subscribe(ctx)
}

func emit(level logrus.Level, cat Category, msg string, fields ...any) {
	mu.Lock()
	logger := defaultLogger
	mu.Unlock()
	if logger == nil {
		return
	}

	entryFields := logrus.Fields{"category": string(cat)}
	for i := 0; i+1 < len(fields); i += 2 {
		if key, ok := fields[i].(string); ok {
			entryFields[key] = fields[i+1]
		}
	}
	// Odd trailing key gets a placeholder rather than being dropped.
	if len(fields)%2 != 0 {
		if key, ok := fields[len(fields)-1].(string); ok {
			entryFields[key] = "<missing>"
		}
	}

	entry := logger.log.WithFields(entryFields)
	switch level {
	case logrus.DebugLevel:
		entry.Debug(msg)
	case logrus.InfoLevel:
		entry.Info(msg)
	case logrus.WarnLevel:
		entry.Warn(msg)
	default:
		entry.Error(msg)
	}

	if logger.log.IsLevelEnabled(level) {
		logger.broker.Publish(pubsub.EventLogEntry, msg)
	}
}
