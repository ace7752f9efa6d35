// Package murmur is the boot chain's diagnostic logger. Output goes
// to whatever debug channel the machine offers (the firmware teletype
// during boot, stderr in host tools); levels are a mask so a caller
// can pick exactly what gets printed.
package murmur

import (
	"fmt"
	"io"
)

type MaskLevel int

const (
	Nothing   MaskLevel = 0x0
	ErrorMask MaskLevel = 0x1
	WarnMask  MaskLevel = 0x2
	InfoMask  MaskLevel = 0x4
	DebugMask MaskLevel = 0x8
	StatsMask MaskLevel = 0x10
	fatalMask MaskLevel = 0x80
)

// Logger writes leveled messages to a single destination. The zero
// value is silent; use New.
type Logger struct {
	out   io.Writer
	level MaskLevel
}

// New returns a logger writing to out with everything but debug
// enabled.
func New(out io.Writer) *Logger {
	return &Logger{out: out, level: fatalMask | ErrorMask | WarnMask | InfoMask}
}

// SetLevel replaces the mask and returns the previous one. Fatal
// output is not maskable.
func (l *Logger) SetLevel(mask MaskLevel) MaskLevel {
	prev := l.level &^ fatalMask
	l.level = (mask & 0x1f) | fatalMask
	return prev
}

func (l *Logger) Level() MaskLevel {
	return l.level &^ fatalMask
}

func (l *Logger) logf(mask MaskLevel, tag, format string, params ...interface{}) {
	if l == nil || l.out == nil || l.level&mask == 0 {
		return
	}
	if len(format) == 0 || format[len(format)-1] != '\n' {
		format += "\n"
	}
	fmt.Fprintf(l.out, tag+format, params...)
}

// Errorf logs at the error level.
func (l *Logger) Errorf(format string, params ...interface{}) {
	l.logf(ErrorMask, "ERROR:", format, params...)
}

// Warnf logs at the warning level.
func (l *Logger) Warnf(format string, params ...interface{}) {
	l.logf(WarnMask, " WARN:", format, params...)
}

// Infof logs at the info level.
func (l *Logger) Infof(format string, params ...interface{}) {
	l.logf(InfoMask, " INFO:", format, params...)
}

// Debugf logs at the debug level.
func (l *Logger) Debugf(format string, params ...interface{}) {
	l.logf(DebugMask, "DEBUG:", format, params...)
}

// Statsf logs periodic counter dumps; masked separately so they can
// stay off without losing info output.
func (l *Logger) Statsf(format string, params ...interface{}) {
	l.logf(StatsMask, "STATS:", format, params...)
}

// Fatalf logs unconditionally. It does not stop anything itself; the
// caller owns the halt, since only it knows which machine to stop.
func (l *Logger) Fatalf(format string, params ...interface{}) {
	l.logf(fatalMask, "FATAL:", format, params...)
}
