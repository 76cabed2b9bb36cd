// Package logging provides the leveled, object-tagged logging facade used
// throughout termweb: every call site names the subsystem object it
// concerns rather than relying on a bare package-global logger.
package logging

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Logger is the shared backend. Tests may swap it for one with a buffer.
var Logger = logrus.StandardLogger()

func init() {
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

func entry(o any) *logrus.Entry {
	if o == nil {
		return logrus.NewEntry(Logger)
	}
	return Logger.WithField("obj", fmt.Sprintf("%v", o))
}

// Errorf logs at error level, tagged with the object (panel id, transfer id, tab id, ...) it concerns.
func Errorf(o any, format string, args ...any) {
	entry(o).Errorf(format, args...)
}

// Logf logs at info level.
func Logf(o any, format string, args ...any) {
	entry(o).Infof(format, args...)
}

// Debugf logs at debug level.
func Debugf(o any, format string, args ...any) {
	entry(o).Debugf(format, args...)
}

// Infof is an alias of Logf kept for call sites that want to be explicit.
func Infof(o any, format string, args ...any) {
	entry(o).Infof(format, args...)
}
