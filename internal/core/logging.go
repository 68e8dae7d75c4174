package core

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// LogLevel is shared by the default logger so a config reload can change the
// level without replacing the handler.
var LogLevel = new(slog.LevelVar)

// SetupLogging installs a tint handler on w as the default slog logger.
// Colour is only used when w is a terminal.
func SetupLogging(w io.Writer, level slog.Level) *slog.Logger {
	LogLevel.Set(level)

	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !term.IsTerminal(int(f.Fd()))
	}

	handler := tint.NewHandler(w, &tint.Options{
		Level:      LogLevel,
		TimeFormat: time.DateTime,
		NoColor:    noColor,
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// VerbosityLevel maps the -v count onto a level, falling back to the
// configured one when no flag was given.
func VerbosityLevel(verbose int, configured slog.Level) slog.Level {
	switch {
	case verbose >= 2:
		return slog.LevelDebug - 4
	case verbose == 1:
		return slog.LevelDebug
	}
	return configured
}
