// Package logging configures the process-wide logrus logger.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Log is the process-wide structured logger. Components pull fields onto
// it rather than constructing their own logger instances.
var Log *logrus.Logger

func init() {
	Log = logrus.New()
	Log.SetFormatter(&logrus.JSONFormatter{})
	Log.SetOutput(os.Stdout)
	Log.SetLevel(logrus.InfoLevel)
}

// Init configures the logger from LOG_LEVEL / APP_ENV. Call after loading
// .env / viper config.
func Init() {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	level := strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL")))

	switch {
	case level != "":
		setLevel(level)
	case env == "production" || env == "prod":
		Log.SetLevel(logrus.WarnLevel)
	case env == "development" || env == "dev":
		Log.SetLevel(logrus.DebugLevel)
		Log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		Log.SetLevel(logrus.InfoLevel)
	}
}

func setLevel(level string) {
	switch level {
	case "debug":
		Log.SetLevel(logrus.DebugLevel)
	case "info":
		Log.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		Log.SetLevel(logrus.WarnLevel)
	case "error":
		Log.SetLevel(logrus.ErrorLevel)
	default:
		Log.SetLevel(logrus.InfoLevel)
		Log.Warnf("unknown log level %q, defaulting to info", level)
	}
}

// ShortID truncates an identifier (typically a UUID) to 8 characters for
// compact log lines.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
