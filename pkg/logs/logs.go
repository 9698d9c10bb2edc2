// Package logs builds the logrus loggers used by the host and client.
package logs

import (
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
)

// formatter prefixes each entry with the owning component.
type formatter struct {
	owner string
	lf    log.Formatter
}

func (f *formatter) Format(e *log.Entry) ([]byte, error) {
	e.Message = fmt.Sprintf("[%s] %s", f.owner, e.Message)
	return f.lf.Format(e)
}

// NewLogger returns a text logger tagged with owner.
func NewLogger(owner string) *log.Logger {
	logger := log.New()
	logger.SetFormatter(&formatter{
		owner: owner,
		lf: &log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.StampMilli,
		},
	})
	return logger
}

// Discard returns a logger that drops everything, for tests and embedding.
func Discard() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

// SetLevel parses level ("debug", "info", ...) onto logger. An empty level
// leaves the logger unchanged.
func SetLevel(logger *log.Logger, level string) error {
	if level == "" {
		return nil
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger.SetLevel(lvl)
	return nil
}
