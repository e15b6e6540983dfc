package utils

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLogLevel parses a string log level. WARNING is accepted as an alias
// for WARN.
func ParseLogLevel(level string) (logrus.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return logrus.DebugLevel, nil
	case "INFO", "":
		return logrus.InfoLevel, nil
	case "WARN", "WARNING":
		return logrus.WarnLevel, nil
	case "ERROR":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// LogFormat selects the logrus formatter.
type LogFormat string

const (
	FormatText LogFormat = "text"
	FormatJSON LogFormat = "json"
)

// LogOptions configures NewLogger.
type LogOptions struct {
	Level  string
	File   string
	Format LogFormat
	// Rotation of File. MaxSizeMB zero means lumberjack's default of 100.
	MaxSizeMB  int64
	MaxBackups int
	Compress   bool
}

// SetupLogging creates a logger writing to logFile, or stderr when logFile
// is empty.
func SetupLogging(levelStr, logFile string, format LogFormat) (*logrus.Logger, error) {
	return NewLogger(LogOptions{Level: levelStr, File: logFile, Format: format})
}

// NewLogger creates a logrus logger from opts. A file output rotates by
// size through lumberjack.
func NewLogger(opts LogOptions) (*logrus.Logger, error) {
	level, err := ParseLogLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var output io.Writer = os.Stderr
	if opts.File != "" {
		if err := primeLogFile(opts.File); err != nil {
			return nil, err
		}
		output = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    int(opts.MaxSizeMB),
			MaxBackups: opts.MaxBackups,
			Compress:   opts.Compress,
		}
	}

	logger := logrus.New()
	logger.SetOutput(output)
	logger.SetLevel(level)
	if opts.Format == FormatJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// primeLogFile creates the log file so that NewLogger reports a bad path.
func primeLogFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	return f.Close()
}

// DiscardLogger returns a logger that drops everything. Used as the default
// when a component is built without one.
func DiscardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
