// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package eventbus

import (
	"github.com/ThreeDotsLabs/watermill"
	hclog "github.com/hashicorp/go-hclog"
)

// loggerAdapter bridges watermill's logging interface onto hclog so the
// pub/sub internals log through the agent's logger.
type loggerAdapter struct {
	log hclog.Logger
}

func newLoggerAdapter(log hclog.Logger) watermill.LoggerAdapter {
	return &loggerAdapter{log: log}
}

func fieldsToArgs(fields watermill.LogFields) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

func (l *loggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	l.log.Error(msg, append(fieldsToArgs(fields), "error", err)...)
}

func (l *loggerAdapter) Info(msg string, fields watermill.LogFields) {
	l.log.Info(msg, fieldsToArgs(fields)...)
}

func (l *loggerAdapter) Debug(msg string, fields watermill.LogFields) {
	l.log.Debug(msg, fieldsToArgs(fields)...)
}

func (l *loggerAdapter) Trace(msg string, fields watermill.LogFields) {
	l.log.Trace(msg, fieldsToArgs(fields)...)
}

func (l *loggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &loggerAdapter{log: l.log.With(fieldsToArgs(fields)...)}
}
