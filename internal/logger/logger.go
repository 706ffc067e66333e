package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
)

func init() {
	// Silence the default charmbracelet/log logger
	// All logging should go through our custom logger instance
	log.SetLevel(log.FatalLevel)
}

var (
	// Log is the global logger instance
	Log *log.Logger

	// logFile is the file handle for the optional log file
	logFile *os.File
)

// Options controls how Init builds the global logger
type Options struct {
	Verbose bool
	// Format is one of text, json or logfmt
	Format string
	// File is an optional path that receives a copy of every record
	File string
}

// Init initializes the global logger
// Records always go to stderr; when File is set they are also appended there
func Init(opts Options) error {
	formatter, err := parseFormat(opts.Format)
	if err != nil {
		return err
	}

	var output io.Writer = os.Stderr
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile, err = os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		output = io.MultiWriter(logFile, os.Stderr)
	}

	Log = log.NewWithOptions(output, log.Options{
		ReportTimestamp: true,
		Formatter:       formatter,
	})

	if opts.Verbose {
		Log.SetLevel(log.DebugLevel)
	} else {
		Log.SetLevel(log.InfoLevel)
	}

	return nil
}

// Get returns the global logger, building a stderr logger if Init was never called
func Get() *log.Logger {
	if Log == nil {
		Log = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	}
	return Log
}

// Close closes the log file
func Close() {
	if logFile != nil {
		_ = logFile.Close()
	}
}

func parseFormat(format string) (log.Formatter, error) {
	switch strings.ToLower(format) {
	case "", "text":
		return log.TextFormatter, nil
	case "json":
		return log.JSONFormatter, nil
	case "logfmt":
		return log.LogfmtFormatter, nil
	default:
		return log.TextFormatter, fmt.Errorf("unknown log format %q", format)
	}
}

// Convenience functions that use the global logger

func Debug(msg interface{}, keyvals ...interface{}) {
	Get().Debug(msg, keyvals...)
}

func Info(msg interface{}, keyvals ...interface{}) {
	Get().Info(msg, keyvals...)
}

func Warn(msg interface{}, keyvals ...interface{}) {
	Get().Warn(msg, keyvals...)
}

func Error(msg interface{}, keyvals ...interface{}) {
	Get().Error(msg, keyvals...)
}
