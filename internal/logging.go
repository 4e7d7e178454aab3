package internal

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// SetupLogging configures the standard logrus logger. If a log file is
// configured it is opened for appending and returned so the caller can
// close it; otherwise logs go to fallback.
func SetupLogging(cfg LogSection, fallback io.Writer) (io.Closer, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(level)

	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	if cfg.File == "" {
		log.SetOutput(fallback)
		return nopCloser{}, nil
	}
	f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	log.SetOutput(f)
	return f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
