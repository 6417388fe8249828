// Package sadaklog provides package-scoped structured loggers shared by
// every SADAK component, wrapping logrus for structured diagnostic output.
package sadaklog

import "github.com/sirupsen/logrus"

// For returns a logger tagged with the given component name, used as a
// "component" field on every entry it emits.
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}

// SetLevel adjusts the package-wide log verbosity, exposed for
// internal/sadakcfg to apply the configured level at startup.
func SetLevel(level logrus.Level) {
	logrus.SetLevel(level)
}
