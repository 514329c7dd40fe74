package sglog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var Zero = NewZeroLogger("", "info", true)

// NewZeroLogger builds the process logger. An empty filepath means stdout.
// Console output is human readable, otherwise zerolog emits JSON lines.
func NewZeroLogger(filepath string, level string, console bool) *zerolog.Logger {
	_, writer, err := newWriter(filepath)
	if err != nil {
		writer = os.Stdout
	}

	var out io.Writer = writer
	if console {
		out = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).With().Timestamp().Logger().Level(parseLevel(level))
	return &logger
}

func UpdateZeroLogLevel(logLevel string) error {
	level := parseLevel(logLevel)
	zeroLogger := Zero.With().Logger().Level(level)
	Zero = &zeroLogger
	return nil
}

// ReloadLogger reopens the logger on a new file, keeping the current level.
func ReloadLogger(filepath string, console bool) {
	if filepath == "" {
		return
	}
	level := Zero.GetLevel()
	Zero = NewZeroLogger(filepath, level.String(), console)
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warning", "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
