package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gammadia/gridscale/server/flags"
	"github.com/spf13/viper"
)

// Kept in its own package so that editors do not confuse it with the standard library log.

// Base is a bare logger without attributes, handed to the components
var Base *slog.Logger

// logger is the daemon logger with default attributes
var logger *slog.Logger

// Init builds the loggers from the log flags. Logs go to stderr.
func Init() error {
	return InitWriter(os.Stderr)
}

func InitWriter(w io.Writer) error {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(viper.GetString(flags.LogLevel))); err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	options := slog.HandlerOptions{
		AddSource: viper.GetBool(flags.LogSource),
		Level:     logLevel,
	}

	switch format := viper.GetString(flags.LogFormat); format {
	case "json":
		Base = slog.New(slog.NewJSONHandler(w, &options))
	case "text":
		Base = slog.New(slog.NewTextHandler(w, &options))
	default:
		return fmt.Errorf("unknown log format '%s'", format)
	}

	logger = Base.With("component", "gridscaled")
	return nil
}

func Debug(msg string, args ...any) {
	logger.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	logger.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	logger.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	logger.Error(msg, args...)
}

func With(args ...any) *slog.Logger {
	return logger.With(args...)
}
