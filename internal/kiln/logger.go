package kiln

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/gookit/color"
	"golang.org/x/term"
)

// color helpers
var (
	colInfo    = color.Info // style provided by gookit/color
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)

// Logger prints the "-> message" lines used across kiln. Parallel build
// steps get their own Logger pointed at the step's build log, so the console
// stays readable.
type Logger struct {
	mu      *sync.Mutex
	out     io.Writer
	plain   bool
	Debug   bool
	Verbose bool
}

// NewLogger returns a Logger writing to out. Color codes are dropped when out
// is not a terminal.
func NewLogger(out io.Writer, debug, verbose bool) *Logger {
	if out == nil {
		out = io.Discard
	}
	return &Logger{
		mu:      new(sync.Mutex),
		out:     out,
		plain:   !isTerminal(out),
		Debug:   debug,
		Verbose: verbose,
	}
}

// WithOutput returns a Logger with the same switches writing to w.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	return NewLogger(w, l.Debug, l.Verbose)
}

// Writer returns the underlying writer, serialised with the log lines.
func (l *Logger) Writer() io.Writer { return lockedWriter{mu: l.mu, w: l.out} }

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (lw lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

// Infof logs an info level message.
func (l *Logger) Infof(format string, a ...any) {
	l.print(colArrow.Sprint("-> "), colSuccess.Sprintf(format, a...))
}

// Notef logs a message without the arrow prefix.
func (l *Logger) Notef(format string, a ...any) {
	l.print("", colInfo.Sprintf(format, a...))
}

// Warnf logs a warning.
func (l *Logger) Warnf(format string, a ...any) {
	l.print(colArrow.Sprint("-> "), colWarn.Sprintf(format, a...))
}

// Errorf logs an error. It does not return one.
func (l *Logger) Errorf(format string, a ...any) {
	l.print(colArrow.Sprint("-> "), colError.Sprintf(format, a...))
}

// Debugf prints only when debug output is enabled.
func (l *Logger) Debugf(format string, a ...any) {
	if !l.Debug {
		return
	}
	l.print("", fmt.Sprintf(format, a...))
}

func (l *Logger) print(prefix, msg string) {
	line := prefix + strings.TrimRight(msg, "\n") + "\n"
	if l.plain {
		line = color.ClearCode(line)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.out, line)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
