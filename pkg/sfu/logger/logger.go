// Package logger provides the default logr.Logger implementation used
// throughout the sfu-core packages, built on top of zerolog.
//
// Separating this from the go-logr/zerologr wiring keeps the sfu packages
// free of a hard dependency on any one backend: any logr.Logger works, this
// is just the one wired up by default.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Options configure a Logger returned from New.
type Options struct {
	Name       string
	Level      string // trace|debug|info|warn|error|fatal
	JSON       bool
	Output     io.Writer
}

// New returns a logr.Logger backed by zerolog, the same pairing the SFU
// package has always used internally.
func New(opts Options) logr.Logger {
	zerolog.TimeFieldFormat = timeFormat

	var out io.Writer = os.Stdout
	if opts.Output != nil {
		out = opts.Output
	}
	if !opts.JSON {
		cw := zerolog.ConsoleWriter{Out: out, NoColor: false}
		cw.FormatLevel = func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("[%-5s]", i))
		}
		out = cw
	}

	zl := zerolog.New(out).With().Timestamp().Logger()
	if lvl, err := zerolog.ParseLevel(opts.Level); err == nil {
		zl = zl.Level(lvl)
	} else {
		zl = zl.Level(zerolog.InfoLevel)
	}

	l := logr.New(zerologr.NewLogSink(&zl))
	if opts.Name != "" {
		l = l.WithName(opts.Name)
	}
	return l
}

// Noop returns a logger that discards everything, for tests that don't
// care about log output.
func Noop() logr.Logger {
	return logr.Discard()
}
