package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var Log *logrus.Logger

// InitLogger configures the global logger: human-readable text at debug
// level, JSON at info level otherwise.
func InitLogger(debug bool) *logrus.Logger {
	Log = logrus.New()
	Log.Out = os.Stdout

	if debug {
		Log.SetLevel(logrus.DebugLevel)
		Log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	} else {
		Log.SetLevel(logrus.InfoLevel)
		Log.SetFormatter(&logrus.JSONFormatter{})
	}
	return Log
}

// Component returns the global logger tagged with a component name. It
// falls back to the standard logger before InitLogger runs.
func Component(name string) logrus.FieldLogger {
	if Log == nil {
		return logrus.StandardLogger().WithField("component", name)
	}
	return Log.WithField("component", name)
}
