// Package logging wraps logrus with the per-component conventions used
// throughout schlep: every line carries a "component" field, and
// connection-scoped lines additionally carry "session" and/or "remote_addr".
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var root = logrus.New()

func init() {
	root.SetOutput(os.Stderr)
	root.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	root.SetLevel(logrus.InfoLevel)
}

// SetLevel parses level (e.g. "debug", "info", "warn") and applies it to
// the root logger. An unrecognised level is treated as "info".
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	root.SetLevel(lvl)
}

// SetOutput redirects all logging output, mainly for tests.
func SetOutput(w io.Writer) {
	root.SetOutput(w)
}

// For returns a logger scoped to the named component (auth, sftpd,
// transport, vfs, ldapdir, cache, ...).
func For(component string) *logrus.Entry {
	return root.WithField("component", component)
}
