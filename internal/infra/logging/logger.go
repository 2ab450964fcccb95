// Package logging provides the engine logger for crewd.
// Entries go to a logrus logger (stderr by default) and, when a log
// directory is configured, to a global log file (crewd.log) and
// task-specific log files (task-<scope>-<name>.log).
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/runoshun/crewd/internal/domain"
	"github.com/sirupsen/logrus"
)

// Ensure Logger implements domain.Logger interface.
var _ domain.Logger = (*Logger)(nil)

// Entry field names.
const (
	fieldTask     = "task"
	fieldCategory = "category"
)

// Logger wraps logrus.Logger with file-based output support.
type Logger struct {
	base  *logrus.Logger
	files *fileHook
}

// Options configures a Logger.
type Options struct {
	Out    io.Writer // Console output (default os.Stderr)
	Dir    string    // Log file directory (empty = no files)
	Format string    // "text" or "json"
	Level  logrus.Level
}

// New creates a new Logger.
func New(opts Options) *Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	base := logrus.New()
	base.SetOutput(out)
	base.SetLevel(opts.Level)
	if opts.Format == "json" {
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		})
	} else {
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	l := &Logger{base: base}
	if opts.Dir != "" {
		l.files = newFileHook(opts.Dir)
		base.AddHook(l.files)
	}
	return l
}

// ParseLevel parses a log level string. Unknown values map to info.
func ParseLevel(levelStr string) logrus.Level {
	level, err := logrus.ParseLevel(strings.TrimSpace(levelStr))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// Base returns the underlying logrus logger.
func (l *Logger) Base() *logrus.Logger {
	return l.base
}

// Close closes all open log files.
func (l *Logger) Close() error {
	if l.files == nil {
		return nil
	}
	return l.files.close()
}

func (l *Logger) entry(task domain.TaskKey, category string) *logrus.Entry {
	fields := logrus.Fields{fieldCategory: category}
	if !task.IsZero() {
		fields[fieldTask] = task.String()
	}
	return l.base.WithFields(fields)
}

// Info logs an info message.
func (l *Logger) Info(task domain.TaskKey, category, msg string) {
	l.entry(task, category).Info(msg)
}

// Debug logs a debug message.
func (l *Logger) Debug(task domain.TaskKey, category, msg string) {
	l.entry(task, category).Debug(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(task domain.TaskKey, category, msg string) {
	l.entry(task, category).Warn(msg)
}

// Error logs an error message.
func (l *Logger) Error(task domain.TaskKey, category, msg string) {
	l.entry(task, category).Error(msg)
}

// fileHook appends every entry to the global log file and, for entries
// carrying a task, to that task's log file.
// Fields are ordered to minimize memory padding.
type fileHook struct {
	globalFile *os.File
	taskFiles  map[string]*os.File
	dir        string
	mu         sync.Mutex
}

var _ logrus.Hook = (*fileHook)(nil)

func newFileHook(dir string) *fileHook {
	return &fileHook{
		dir:       dir,
		taskFiles: make(map[string]*os.File),
	}
}

// Levels implements logrus.Hook.
func (h *fileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (h *fileHook) Fire(e *logrus.Entry) error {
	category, _ := e.Data[fieldCategory].(string)
	task, _ := e.Data[fieldTask].(string)
	line := formatLog(e.Time, e.Level, task, category, e.Message)

	h.mu.Lock()
	defer h.mu.Unlock()

	gf, err := h.ensureGlobalFile()
	if err != nil {
		return err
	}
	_, _ = io.WriteString(gf, line)

	if task == "" {
		return nil
	}
	tf, err := h.ensureTaskFile(task)
	if err != nil {
		return err
	}
	_, _ = io.WriteString(tf, line)
	return nil
}

// ensureGlobalFile opens or returns the global log file. Caller holds mu.
func (h *fileHook) ensureGlobalFile() (*os.File, error) {
	if h.globalFile != nil {
		return h.globalFile, nil
	}
	if err := os.MkdirAll(h.dir, 0o750); err != nil {
		return nil, fmt.Errorf("create logs directory: %w", err)
	}
	f, err := openAppend(domain.GlobalLogPath(h.dir))
	if err != nil {
		return nil, fmt.Errorf("open global log file: %w", err)
	}
	h.globalFile = f
	return f, nil
}

// ensureTaskFile opens or returns the task log file. Caller holds mu.
func (h *fileHook) ensureTaskFile(task string) (*os.File, error) {
	if f, ok := h.taskFiles[task]; ok {
		return f, nil
	}
	key, err := domain.ParseTaskKey(task)
	if err != nil {
		return nil, err
	}
	f, err := openAppend(domain.TaskLogPath(h.dir, key))
	if err != nil {
		return nil, fmt.Errorf("open task log file: %w", err)
	}
	h.taskFiles[task] = f
	return f, nil
}

func (h *fileHook) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var lastErr error
	if h.globalFile != nil {
		if err := h.globalFile.Close(); err != nil {
			lastErr = err
		}
		h.globalFile = nil
	}
	for key, f := range h.taskFiles {
		if err := f.Close(); err != nil {
			lastErr = err
		}
		delete(h.taskFiles, key)
	}
	return lastErr
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) //nolint:gosec // Log file readable by owner and group
}

// formatLog formats a log file entry.
// Format: [2026-03-01 09:32:51] [INFO] [payments/fix-flaky] [reconciler] message
func formatLog(t time.Time, level logrus.Level, task, category, msg string) string {
	if task == "" {
		task = "global"
	}
	return fmt.Sprintf("[%s] [%s] [%s] [%s] %s\n",
		t.Format("2006-01-02 15:04:05"),
		strings.ToUpper(level.String()),
		task,
		category,
		msg,
	)
}
