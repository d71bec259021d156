// Package logger provides structured logging for the control plane and
// worker processes, including run/step/user id propagation via context.
package logger

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried through the engine and worker.
type ContextKey string

const (
	// RunIDKey is the context key for the current run id.
	RunIDKey ContextKey = "run_id"
	// StepIDKey is the context key for the current step id.
	StepIDKey ContextKey = "step_id"
	// UserIDKey is the context key for the authenticated user id.
	UserIDKey ContextKey = "user_id"
)

// Logger is a wrapper around logrus.Logger
type Logger struct {
	*logrus.Logger
	component string
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePrefix string `mapstructure:"file_prefix"`
}

// New creates a new logger instance
func New(cfg LoggingConfig) *Logger {
	// Create logger
	logger := logrus.New()

	// Set log level
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Set log format
	switch strings.ToLower(cfg.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	// Set log output
	switch strings.ToLower(cfg.Output) {
	case "file":
		if cfg.FilePrefix == "" {
			cfg.FilePrefix = "service_layer"
		}
		// Ensure the logs directory exists
		logDir := "logs"
		err := os.MkdirAll(logDir, 0755)
		if err != nil {
			logger.Errorf("Failed to create logs directory: %v", err)
		} else {
			logPath := filepath.Join(logDir, cfg.FilePrefix+".log")
			file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				logger.Errorf("Failed to open log file: %v", err)
			} else {
				logger.SetOutput(io.MultiWriter(os.Stdout, file))
			}
		}
	default:
		// Use stdout by default
		logger.SetOutput(os.Stdout)
	}

	return &Logger{
		Logger: logger,
	}
}

// NewDefault creates a new logger instance with default configuration
func NewDefault(name string) *Logger {
	// Create logger with default configuration
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetOutput(os.Stdout)

	return &Logger{
		Logger: logger,
	}
}

// WithField returns a new log entry with a field
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a new log entry with multiple fields
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}

// NewFromEnv builds a logger using LOG_LEVEL/LOG_FORMAT, defaulting to info/json.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	log := New(LoggingConfig{Level: level, Format: format, Output: "stdout"})
	return log.WithComponent(component)
}

// WithComponent returns a logger whose entries always carry a component field.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.Logger, component: component}
}

// WithContext creates an entry carrying run/step/user ids found in ctx, plus
// the logger's component field when set.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{}
	if l.component != "" {
		fields["component"] = l.component
	}
	if v := ctx.Value(RunIDKey); v != nil {
		fields["run_id"] = v
	}
	if v := ctx.Value(StepIDKey); v != nil {
		fields["step_id"] = v
	}
	if v := ctx.Value(UserIDKey); v != nil {
		fields["user_id"] = v
	}
	return l.Logger.WithFields(fields)
}

// WithRun returns a context carrying run_id and, if non-empty, step_id for
// downstream logging.
func WithRun(ctx context.Context, runID, stepID string) context.Context {
	ctx = context.WithValue(ctx, RunIDKey, runID)
	if stepID != "" {
		ctx = context.WithValue(ctx, StepIDKey, stepID)
	}
	return ctx
}

// WithUser returns a context carrying the authenticated user id.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

var defaultLogger *Logger

// InitDefault initializes the package-level default logger.
func InitDefault(component, level, format string) {
	log := New(LoggingConfig{Level: level, Format: format, Output: "stdout"})
	defaultLogger = log.WithComponent(component)
}

// Default returns the package-level default logger, lazily creating one.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = NewFromEnv("runcontrol")
	}
	return defaultLogger
}
