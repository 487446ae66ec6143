// Package log provides structured logging for omx. Entries carry a level,
// a category, and key=value fields, land in a debug log file, and fan out
// through a pubsub broker so `omx logs` can follow them live. Logging is
// enabled via --debug or OMX_DEBUG.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/omx-dev/omx/internal/pubsub"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Category groups related log messages.
type Category string

const (
	CatConfig    Category = "config"    // Configuration loading/saving
	CatState     Category = "state"     // Team state store reads/writes
	CatTask      Category = "task"      // Task lifecycle and claims
	CatMailbox   Category = "mailbox"   // Mailbox appends and flushes
	CatTmux      Category = "tmux"      // Multiplexer adapter calls
	CatBootstrap Category = "bootstrap" // Worker pane bootstrap
	CatMonitor   Category = "monitor"   // Team monitor passes
	CatShutdown  Category = "shutdown"  // Shutdown sequencing
	CatOverlay   Category = "overlay"   // Runtime overlay rendering
	CatMCP       Category = "mcp"       // Tool server and protocol traffic
	CatSession   Category = "session"   // Session hooks and leader lock
	CatWatcher   Category = "watcher"   // File watcher events
	CatCache     Category = "cache"     // Cache operations
	CatDB        Category = "db"        // History database operations
	CatTrace     Category = "trace"     // Tracing provider lifecycle
)

// Logger provides structured logging.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	writer   io.Writer
	enabled  bool
	minLevel Level
	broker   *pubsub.Broker[string]
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the global logger writing to path.
// Returns a cleanup function that closes the log file.
func Init(path string) (func(), error) {
	var initErr error
	once.Do(func() {
		defaultLogger, initErr = newLogger(path)
	})
	if initErr != nil {
		return nil, initErr
	}
	if defaultLogger == nil {
		return nil, fmt.Errorf("logger initialization failed or already attempted")
	}
	return func() {
		if defaultLogger != nil && defaultLogger.file != nil {
			_ = defaultLogger.file.Close()
		}
	}, nil
}

func newLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G304: path is user-controlled debug log path
	if err != nil {
		return nil, err
	}

	return &Logger{
		file:     f,
		writer:   f,
		enabled:  true,
		minLevel: LevelDebug,
		broker:   pubsub.NewBroker[string](),
	}, nil
}

// SetEnabled toggles logging on/off.
func SetEnabled(enabled bool) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.enabled = enabled
		defaultLogger.mu.Unlock()
	}
}

// SetMinLevel sets the minimum log level.
func SetMinLevel(level Level) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.minLevel = level
		defaultLogger.mu.Unlock()
	}
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	log(LevelDebug, cat, msg, fields...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	log(LevelInfo, cat, msg, fields...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	log(LevelWarn, cat, msg, fields...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	log(LevelError, cat, msg, fields...)
}

// ErrorErr logs an error with the error value.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	log(LevelError, cat, msg, fields...)
}

func log(level Level, cat Category, msg string, fields ...any) {
	if defaultLogger == nil || !defaultLogger.enabled {
		return
	}
	if level < defaultLogger.minLevel {
		return
	}

	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	// Format: 2025-12-06T10:45:00 [ERROR] [task] message key=value key2=value2
	timestamp := time.Now().Format("2006-01-02T15:04:05")
	entry := fmt.Sprintf("%s [%s] [%s] %s", timestamp, level, cat, msg)

	for i := 0; i+1 < len(fields); i += 2 {
		entry += fmt.Sprintf(" %v=%v", fields[i], fields[i+1])
	}
	if len(fields)%2 != 0 {
		entry += fmt.Sprintf(" %v=<missing>", fields[len(fields)-1])
	}
	entry += "\n"

	if defaultLogger.writer != nil {
		_, _ = defaultLogger.writer.Write([]byte(entry))
	}

	if defaultLogger.broker != nil {
		defaultLogger.broker.Publish(pubsub.CreatedEvent, entry)
	}
}

// LogEvent is a pubsub event containing a formatted log entry.
type LogEvent = pubsub.Event[string]

// Subscribe returns a channel of log entries, closed when ctx is cancelled.
// Returns nil when the logger was never initialized.
func Subscribe(ctx context.Context) <-chan LogEvent {
	if defaultLogger == nil || defaultLogger.broker == nil {
		return nil
	}
	return defaultLogger.broker.Subscribe(ctx)
}
