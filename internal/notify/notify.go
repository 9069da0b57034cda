// Package notify carries human-readable failure and status notices toward
// the user, fire-and-forget. The gateway forwards notices to the client as
// toast frames; Log is the fallback sink for contexts with no client.
package notify

import "log"

// Notice levels.
const (
	LevelInfo  = "info"
	LevelError = "error"
)

// Notifier receives one-line notices. Implementations must not block and
// have no return value the caller consumes.
type Notifier interface {
	Notify(level, text string)
}

// Log is a Notifier that writes notices to the process log.
type Log struct{}

func (Log) Notify(level, text string) {
	log.Printf("[notify] %s: %s", level, text)
}

// Func adapts a function to the Notifier interface.
type Func func(level, text string)

func (f Func) Notify(level, text string) { f(level, text) }
