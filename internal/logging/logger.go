package logging

import (
	"context"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// Setup configures the standard logrus logger.
func Setup(level, format string, out io.Writer) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(lvl)
	if out != nil {
		log.SetOutput(out)
	}

	switch format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("log format %q: want text or json", format)
	}
	return nil
}

// FromContext returns a log entry carrying the context's request id.
func FromContext(ctx context.Context) *log.Entry {
	entry := log.NewEntry(log.StandardLogger())
	if id := GetRequestID(ctx); id != "" {
		entry = entry.WithField("request_id", id)
	}
	return entry
}
