// Package log builds the node's root zerolog.Logger from configuration.
package log

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a root logger at the given level, optionally in
// human-readable console mode.
func New(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var writer = os.Stdout
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
	return zerolog.New(writer).With().Timestamp().Logger()
}
