package config

import (
	"fmt"
	"log"
	"os"
)

// Logger is a thin formatter over the standard library's log.Logger,
// configured by the ConfigureLogger action (level/origin/options). No
// pack example reaches for a structured logging library for a VMM's own
// internals, so this stays on stdlib log rather than adding a dependency.
type Logger struct {
	base       *log.Logger
	level      string
	showLevel  bool
	showOrigin bool
}

// NewLogger opens logPath (creating it if needed, appending to existing
// content) and returns a Logger
// writing to it, or stderr if logPath is empty.
func NewLogger(cfg ConfigureLoggerConfig) (*Logger, error) {
	out := os.Stderr

	if cfg.LogPath != "" {
		f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log path %q: %w", cfg.LogPath, err)
		}

		out = f
	}

	return &Logger{
		base:       log.New(out, "", log.LstdFlags),
		level:      cfg.Level,
		showLevel:  cfg.ShowLevel,
		showOrigin: cfg.ShowOrigin,
	}, nil
}

// ConfigureLoggerConfig mirrors the ConfigureLogger action's fields.
type ConfigureLoggerConfig struct {
	LogPath    string
	Level      string
	ShowLevel  bool
	ShowOrigin bool
	Options    []string
}

// Printf writes a formatted line, prefixing level/origin per configuration.
func (l *Logger) Printf(level, origin, format string, args ...interface{}) {
	prefix := ""

	if l.showLevel {
		prefix += "[" + level + "] "
	}

	if l.showOrigin {
		prefix += origin + ": "
	}

	l.base.Printf(prefix+format, args...)
}
