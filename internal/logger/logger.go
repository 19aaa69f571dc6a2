// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package logger configures the daemon logging.
package logger

import (
	"io"
	"time"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/pkg/errors"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
)

// Log is the daemon logger.
//
// Console output uses the nested formatter, and if a log file is provided
// all levels are also written to a daily rotated file.
type Log struct {
	log *logrus.Logger
	f   io.Writer
}

// New creates a logger writing to out.
func New(out io.Writer) *Log {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&formatter.Formatter{
		TimestampFormat: time.RFC3339,
		TrimMessages:    true,
		NoFieldsSpace:   true,
		HideKeys:        true,
		FieldsOrder:     []string{"component", "category"},
	})
	return &Log{log: l}
}

// WithFile adds a daily rotated log file.
//
// The logFile is a link to the current file.
func (l *Log) WithFile(logFile string) error {
	w, err := rotatelogs.New(
		logFile+".%Y%m%d",
		rotatelogs.WithLinkName(logFile),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		return errors.Wrapf(err, "open log file %s", logFile)
	}
	l.f = w
	l.log.AddHook(lfshook.NewHook(
		lfshook.WriterMap{
			logrus.TraceLevel: l.f,
			logrus.DebugLevel: l.f,
			logrus.InfoLevel:  l.f,
			logrus.WarnLevel:  l.f,
			logrus.ErrorLevel: l.f,
			logrus.FatalLevel: l.f,
			logrus.PanicLevel: l.f,
		},
		&logrus.TextFormatter{},
	))
	return nil
}

// SetLevel sets the level from its name, e.g. "debug".
func (l *Log) SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	l.log.SetLevel(lvl)
	return nil
}

// SetReportCaller includes the calling function in log entries.
func (l *Log) SetReportCaller(set bool) {
	l.log.SetReportCaller(set)
}

// Component returns the entry used by a component.
func (l *Log) Component(name string) *logrus.Entry {
	return l.log.WithField("component", name)
}

// Logger returns the underlying logger.
func (l *Log) Logger() *logrus.Logger {
	return l.log
}
