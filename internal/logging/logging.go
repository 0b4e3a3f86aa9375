// Package logging builds the daemon's loggers on a shared sink.
//
// Stations run unattended for whole regatta weekends, so daemon logs go to
// a size-capped rotating file as well as stderr. Every subsystem gets its
// own prefixed logger on the same sink.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls the rotating log file. An empty File means stderr only.
type Options struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Sink is the shared destination for all daemon loggers.
type Sink struct {
	w       io.Writer
	rotator *lumberjack.Logger
}

// Open builds the log sink. Construction never fails, the rotating file is
// opened lazily on first write.
func Open(opts Options) *Sink {
	if opts.File == "" {
		return &Sink{w: os.Stderr}
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	return &Sink{
		w:       io.MultiWriter(os.Stderr, rotator),
		rotator: rotator,
	}
}

// Logger returns a logger with the given prefix writing to the sink.
func (s *Sink) Logger(prefix string) *log.Logger {
	return log.New(s.w, prefix, log.LstdFlags)
}

// Writer exposes the sink for code that wants raw output.
func (s *Sink) Writer() io.Writer {
	return s.w
}

// Close closes the rotating file if one is open.
func (s *Sink) Close() error {
	if s.rotator != nil {
		return s.rotator.Close()
	}
	return nil
}
