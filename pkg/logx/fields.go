package logx

import (
	"time"

	"github.com/rs/zerolog"
)

// Keys shared by every component, so one query finds a job across the
// relay, the poller and the notifier.
const (
	KeyComp   = "comp"
	KeyJobID  = "job_id"
	KeyUser   = "user"
	KeyEngine = "engine"
)

// Field mutates a zerolog event.
//
// Use helpers like String(), Int(), Any(), Err(), Duration(), ...
//
// Note: Fields are applied in-order.
// If you set the same key multiple times, later fields win.
type Field func(e *zerolog.Event)

func String(k, v string) Field  { return func(e *zerolog.Event) { e.Str(k, v) } }
func Strings(k string, v []string) Field {
	return func(e *zerolog.Event) { e.Strs(k, v) }
}
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Uint64(k string, v uint64) Field {
	return func(e *zerolog.Event) { e.Uint64(k, v) }
}
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

func Comp(name string) Field   { return String(KeyComp, name) }
func JobID(id string) Field    { return String(KeyJobID, id) }
func User(id string) Field     { return String(KeyUser, id) }
func Engine(kind string) Field { return String(KeyEngine, kind) }
