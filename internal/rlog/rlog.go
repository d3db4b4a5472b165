// Package rlog wraps zerolog with the component-tagged constructor
// shape the teacher's internal log package uses (log.New("database",
// path, "table", name)), so call sites elsewhere in basalt read the
// same way they would in go-ethereum.
package rlog

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	once sync.Once
	base zerolog.Logger
)

func root() zerolog.Logger {
	once.Do(func() {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
			With().Timestamp().Logger()
	})
	return base
}

// Logger is a leveled, component-tagged logger.
type Logger struct {
	z zerolog.Logger
}

// New builds a Logger tagged with the given alternating key/value
// pairs, mirroring log.New(ctx ...interface{}) from the teacher.
func New(ctx ...interface{}) Logger {
	l := root().With()
	for i := 0; i+1 < len(ctx); i += 2 {
		key, _ := ctx[i].(string)
		l = l.Interface(key, ctx[i+1])
	}
	return Logger{z: l.Logger()}
}

func (l Logger) Debug(msg string, ctx ...interface{}) { l.log(l.z.Debug(), msg, ctx) }
func (l Logger) Info(msg string, ctx ...interface{})  { l.log(l.z.Info(), msg, ctx) }
func (l Logger) Warn(msg string, ctx ...interface{})  { l.log(l.z.Warn(), msg, ctx) }
func (l Logger) Error(msg string, ctx ...interface{}) { l.log(l.z.Error(), msg, ctx) }

func (l Logger) log(e *zerolog.Event, msg string, ctx []interface{}) {
	for i := 0; i+1 < len(ctx); i += 2 {
		key, _ := ctx[i].(string)
		e = e.Interface(key, ctx[i+1])
	}
	e.Msg(msg)
}
