package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup configures the global logrus logger. Unknown levels fall back to info.
func Setup(level, format string) {
	logrus.SetOutput(os.Stdout)

	if strings.EqualFold(format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}
