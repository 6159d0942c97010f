// Package logging provides the package-level zerolog.Logger every other
// package in this module logs through. It exists so that a logged-and-
// skipped failure carries structured fields (the descriptor, the
// operation, the error) instead of an unstructured fmt.Fprintf line,
// while keeping call sites a one-line Debug/Info/Warn/Error chain.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// Log is the shared logger that For scopes per component. It can be
// replaced via SetOutput.
var Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).
	With().
	Timestamp().
	Logger().
	Level(zerolog.InfoLevel)

// SetOutput replaces Log with w. Loggers already returned by For keep
// the logger they were scoped from; the packages of this module call For
// at package initialization, so their output is not redirected.
func SetOutput(w zerolog.Logger) {
	Log = w
}

// For returns Log scoped to a named component, e.g. logging.For("reactor").
func For(component string) zerolog.Logger {
	return Log.With().Str("component", component).Logger()
}
