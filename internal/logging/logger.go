// Package logging provides structured logging for the offline core.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// global logger instance
	global *logrus.Logger
	once   sync.Once
)

// Init initializes the global logger. Level accepts debug, info, warn,
// error; unknown values default to info. Subsequent calls are no-ops.
func Init(out io.Writer, level string) {
	once.Do(func() {
		l := logrus.New()
		l.SetOutput(out)
		l.SetFormatter(&logrus.JSONFormatter{})
		l.SetLevel(parseLevel(level))
		global = l
	})
}

// Get returns the global logger instance.
func Get() *logrus.Logger {
	if global == nil {
		Init(os.Stdout, "info")
	}
	return global
}

func parseLevel(level string) logrus.Level {
	switch level {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Convenience functions using the global logger. Context maps become
// structured fields on the entry.

func Debug(message string, context map[string]interface{}) {
	Get().WithFields(logrus.Fields(context)).Debug(message)
}

func Info(message string, context map[string]interface{}) {
	Get().WithFields(logrus.Fields(context)).Info(message)
}

func Warn(message string, context map[string]interface{}) {
	Get().WithFields(logrus.Fields(context)).Warn(message)
}

func Error(message string, err error, context map[string]interface{}) {
	entry := Get().WithFields(logrus.Fields(context))
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(message)
}
