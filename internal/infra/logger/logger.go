// Package logger builds the process-wide structured logger from
// configuration.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"maestro/internal/infra/config"
)

// serviceName is stamped on every record so aggregated logs from agents,
// workflows, and schedulers can be traced back to this process.
const serviceName = "maestro"

// New builds a logger from cfg. The returned closer must be deferred; it
// closes a file-backed output and is a no-op for the process streams.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	out, err := newSink(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	log := slog.New(handler).With("service", serviceName)
	return log, out.Close, nil
}

// parseLevel maps a config string to a slog level. Unknown strings fall
// back to info rather than erroring so a typo never silences the process.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// sink is a log destination with an optional close step.
type sink struct {
	io.Writer
	closeFn func() error
}

func (s *sink) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// newSink resolves the output target. "stdout" and "stderr" name the
// process streams; anything else is treated as a file path and opened in
// append mode. Empty means stderr.
func newSink(target string) (*sink, error) {
	switch strings.ToLower(target) {
	case "stdout":
		return &sink{Writer: os.Stdout}, nil
	case "stderr", "":
		return &sink{Writer: os.Stderr}, nil
	default:
		f, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, err
		}
		return &sink{Writer: f, closeFn: f.Close}, nil
	}
}
