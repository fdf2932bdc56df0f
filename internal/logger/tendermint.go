package logger

import (
	"fmt"

	"github.com/sirupsen/logrus"
	tmlog "github.com/tendermint/tendermint/libs/log"
)

// tmLogger adapts a logrus entry to Tendermint's key/value logger.
type tmLogger struct {
	entry *logrus.Entry
}

// Tendermint returns a Tendermint libs/log Logger backed by entry.
func Tendermint(entry *logrus.Entry) tmlog.Logger {
	return &tmLogger{entry: entry}
}

func (l *tmLogger) Debug(msg string, keyvals ...interface{}) {
	l.entry.WithFields(fieldsOf(keyvals)).Debug(msg)
}

func (l *tmLogger) Info(msg string, keyvals ...interface{}) {
	l.entry.WithFields(fieldsOf(keyvals)).Info(msg)
}

func (l *tmLogger) Error(msg string, keyvals ...interface{}) {
	l.entry.WithFields(fieldsOf(keyvals)).Error(msg)
}

func (l *tmLogger) With(keyvals ...interface{}) tmlog.Logger {
	return &tmLogger{entry: l.entry.WithFields(fieldsOf(keyvals))}
}

func fieldsOf(keyvals []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(keyvals)/2)
	for i := 0; i < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		if i+1 < len(keyvals) {
			fields[key] = keyvals[i+1]
		} else {
			fields[key] = "(MISSING)"
		}
	}
	return fields
}
