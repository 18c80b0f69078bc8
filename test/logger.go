package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	switch v {
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}

// NewLoggerWithHook returns a logger like NewLogger that also records every
// entry down to debug level, so tests can assert on what was logged.
func NewLoggerWithHook() (*logrus.Logger, *logtest.Hook) {
	l := NewLogger()
	if l.Level < logrus.DebugLevel {
		l.SetLevel(logrus.DebugLevel)
	}
	return l, logtest.NewLocal(l)
}
