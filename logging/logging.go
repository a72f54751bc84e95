// Package logging builds the loggers injected into every component.
//
// Library code never reaches for a package-level logger: components accept a
// logrus.FieldLogger in their configuration and fall back to Nop.
package logging

import (
	"io"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
)

// Nop returns a logger that discards everything.
func Nop() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

// OrNop returns l, or Nop when l is nil.
func OrNop(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return Nop()
	}
	return l
}

// New returns a text logger at the named level ("debug", "info", ...).
func New(level string, out io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Annotatef(err, "log level %q", level)
	}
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l, nil
}
