package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// DefaultLevel is used when the configured level does not parse.
const DefaultLevel = logrus.InfoLevel

// New creates a text logger at the given level. A nil out writes to stderr.
func New(level string, out io.Writer) *logrus.Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = DefaultLevel
	}
	logger.SetLevel(logLevel)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	if out == nil {
		out = os.Stderr
	}
	logger.SetOutput(out)
	return logger
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	return New("panic", io.Discard)
}
