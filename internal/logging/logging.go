// Package logging centralizes the logrus configuration used across
// journald-core. Every component gets its own scoped entry rather
// than logging through the global logrus instance directly.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return l
}

// SetLevel adjusts the verbosity of every component logger.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// For returns a logger scoped to component, the way daemon packages
// in the teacher scope their own logrus entries.
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}
