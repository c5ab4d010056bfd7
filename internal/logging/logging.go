// Package logging centralizes a "component: message" log-line convention
// (log.Printf("instance %s: ...", ...), log.Printf("listening on %s",
// ...)) across planter's several concurrently active subsystems (store,
// worker manager, executor, sandbox adapter), attaching the prefix once per
// component instead of repeating it at every call site.
package logging

import (
	"log"
	"os"
)

// Logger prefixes every line with a component name.
type Logger struct {
	component string
	std       *log.Logger
}

// New returns a Logger for component, writing to stderr like the standard
// log package default.
func New(component string) *Logger {
	return &Logger{
		component: component,
		std:       log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (l *Logger) Printf(format string, args ...any) {
	l.std.Printf(l.component+": "+format, args...)
}

func (l *Logger) Println(args ...any) {
	l.std.Println(append([]any{l.component + ":"}, args...)...)
}

// With returns a child logger scoped to an additional sub-component, e.g.
// logging.New("workermgr").With("cell-1") -> "workermgr[cell-1]: ...".
func (l *Logger) With(sub string) *Logger {
	return &Logger{
		component: l.component + "[" + sub + "]",
		std:       l.std,
	}
}
