package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer

	// LogDir enables rolling daily files when non-empty. Info-and-above
	// goes to kapp.log (14-day retention), errors additionally to
	// kapp-error.log (30-day retention).
	LogDir string
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	if cfg.LogDir != "" {
		info := &lumberjack.Logger{
			Filename: cfg.LogDir + "/kapp.log",
			MaxAge:   14,
			Compress: true,
		}
		errs := &lumberjack.Logger{
			Filename: cfg.LogDir + "/kapp-error.log",
			MaxAge:   30,
			Compress: true,
		}
		output = zerolog.MultiLevelWriter(output, info, errorWriter{errs})
	}

	Logger = zerolog.New(output).With().
		Timestamp().
		Str("service", "kapp").
		Logger()
}

// errorWriter forwards only error-and-above records to the wrapped writer
type errorWriter struct {
	w io.Writer
}

func (e errorWriter) Write(p []byte) (int, error) {
	// Non-leveled writes stay out of the error stream.
	return len(p), nil
}

func (e errorWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < zerolog.ErrorLevel {
		return len(p), nil
	}
	return e.w.Write(p)
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithAssetID creates a child logger with asset_id field
func WithAssetID(assetID int64) zerolog.Logger {
	return Logger.With().Int64("asset_id", assetID).Logger()
}

// WithWorkerID creates a child logger with worker_id field
func WithWorkerID(workerID string) zerolog.Logger {
	return Logger.With().Str("worker_id", workerID).Logger()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
