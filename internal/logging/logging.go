// Package logging configures the structured logger the gateway and worker
// share, grounded on orbas1-Synnergy's use of github.com/sirupsen/logrus
// across its HTTP middleware and command entrypoints.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logrus.Logger configured with a JSON formatter and the
// given level name ("debug", "info", "warn", "error"; defaults to "info"
// on an unrecognised value).
func New(level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}
