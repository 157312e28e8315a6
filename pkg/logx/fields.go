package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Keys shared by the alert formatter and the call sites.
const (
	AccountKey = "account"
	TaskKey    = "task"
	StackKey   = "stack"
)

// Field writes one key onto an event. Fields apply in order, so a repeated
// key keeps its last value in JSON and shows twice on the console.
type Field func(e *zerolog.Event)

func String(k, v string) Field {
	return func(e *zerolog.Event) { e.Str(k, v) }
}

func Int(k string, v int) Field {
	return func(e *zerolog.Event) { e.Int(k, v) }
}

func Int64(k string, v int64) Field {
	return func(e *zerolog.Event) { e.Int64(k, v) }
}

func Bool(k string, v bool) Field {
	return func(e *zerolog.Event) { e.Bool(k, v) }
}

func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}

func Time(k string, v time.Time) Field {
	return func(e *zerolog.Event) { e.Time(k, v) }
}

func Any(k string, v any) Field {
	return func(e *zerolog.Event) { e.Interface(k, v) }
}

// Err is a no-op for a nil error.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err == nil {
			return
		}
		e.Err(err)
	}
}

// Stack attaches a recovered goroutine stack. Blank stacks are skipped.
func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) == "" {
			return
		}
		e.Str(StackKey, stack)
	}
}

// Account tags an event with the account it concerns.
func Account(id int64) Field { return Int64(AccountKey, id) }

// Task tags an event with a task key like "update_village:12".
func Task(key string) Field { return String(TaskKey, key) }
