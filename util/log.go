// util/log.go
// Adapted from the bk backup tool's util.Logger: same small set of
// severities and fatal-check helpers, now backed by logrus so call sites
// can attach structured fields instead of formatting them into the message.

package util

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Entry with the Check/CheckError/Fatal ergonomics
// the CLI commands rely on for startup and invariant failures.
type Logger struct {
	entry   *logrus.Entry
	NErrors int
}

// NewLogger returns a Logger writing to stderr. verbose/debug raise the
// emitted level; warnings and errors are always printed.
func NewLogger(verbose, debug bool) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	switch {
	case debug:
		l.SetLevel(logrus.DebugLevel)
	case verbose:
		l.SetLevel(logrus.InfoLevel)
	default:
		l.SetLevel(logrus.WarnLevel)
	}

	return &Logger{entry: logrus.NewEntry(l)}
}

// With returns a Logger that attaches the given structured fields to every
// subsequent message, without disturbing the receiver.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{entry: l.entry.WithFields(fields), NErrors: l.NErrors}
}

func (l *Logger) Print(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprintf(os.Stderr, f+"\n", args...)
		return
	}
	l.entry.Infof(f, args...)
}

func (l *Logger) Debug(f string, args ...interface{}) {
	if l == nil {
		return
	}
	l.entry.Debugf(f, args...)
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	if l == nil {
		return
	}
	l.entry.Infof(f, args...)
}

func (l *Logger) Warning(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprintf(os.Stderr, f+"\n", args...)
		return
	}
	l.entry.Warnf(f, args...)
}

func (l *Logger) Error(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprintf(os.Stderr, f+"\n", args...)
		return
	}
	l.NErrors++
	l.entry.Errorf(f, args...)
}

func (l *Logger) Fatal(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprintf(os.Stderr, f+"\n", args...)
		os.Exit(1)
	}
	l.NErrors++
	l.entry.Errorf(f, args...)
	os.Exit(1)
}

// Check logs a fatal error and exits if v is false. An optional printf-style
// message may be supplied; otherwise a generic message is printed.
func (l *Logger) Check(v bool, msg ...interface{}) {
	if v {
		return
	}
	if len(msg) == 0 {
		l.Fatal("check failed")
		return
	}
	f := msg[0].(string)
	l.Fatal(f, msg[1:]...)
}

// CheckError logs a fatal error and exits if err is non-nil.
func (l *Logger) CheckError(err error, msg ...interface{}) {
	if err == nil {
		return
	}
	if len(msg) == 0 {
		l.Fatal("error: %+v", err)
		return
	}
	f := msg[0].(string)
	l.Fatal(f, msg[1:]...)
}
