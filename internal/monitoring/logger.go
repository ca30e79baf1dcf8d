package monitoring

import (
	"log"
	"strings"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// logfWriter forwards each formatted log line to the current Logf.
type logfWriter struct{}

func (logfWriter) Write(p []byte) (int, error) {
	Logf("%s", strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// NewLogger returns a *log.Logger for components that take an injected
// logger. Output follows Logf, so SetLogger redirects or mutes every
// component at once.
func NewLogger() *log.Logger {
	return log.New(logfWriter{}, "", 0)
}
