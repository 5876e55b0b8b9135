// Package logger covers the two logging surfaces of the daemon: rotating
// capture files for child stderr streams, and the daemon's own slog console
// output.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults, lumberjack semantics.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes the stderr capture destination for one service. Children
// keep stdout for the line-JSON protocol, so only stderr is written to disk.
// An explicit Path wins over Dir; with neither set, capture is disabled.
type Config struct {
	Dir        string `json:"dir" mapstructure:"dir"`
	Path       string `json:"path" mapstructure:"path"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// Writer returns the rotating capture writer for the named service, or
// (nil, nil) when capture is disabled.
func (c Config) Writer(name string) (io.WriteCloser, error) {
	path := c.Path
	if path == "" && c.Dir != "" {
		path = filepath.Join(c.Dir, name+".stderr.log")
	}
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}, nil
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the daemon's console logger. Color is suppressed when the
// environment sets NO_COLOR, regardless of the flag.
func New(w io.Writer, level string, color bool) *slog.Logger {
	if _, off := os.LookupEnv("NO_COLOR"); off {
		color = false
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if !color {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(NewColorHandler(w, opts))
}
