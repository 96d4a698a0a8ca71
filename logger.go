// Tencent is pleased to support the open source community by making trpc-mcplink-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-mcplink-go is licensed under the Apache License Version 2.0.

package mcplink

import (
	"go.uber.org/zap"
)

// Logger is the logging interface used throughout the package.
// Implementations must be safe for concurrent use.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// zapLogger adapts a zap sugared logger to the Logger interface.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps an existing zap logger.
func NewZapLogger(l *zap.Logger) Logger {
	return &zapLogger{sugar: l.Sugar()}
}

func (l *zapLogger) Debugf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l *zapLogger) Infof(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

func (l *zapLogger) Warnf(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *zapLogger) Errorf(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

var defaultLogger = newDefaultLogger()

func newDefaultLogger() Logger {
	config := zap.NewProductionConfig()
	config.DisableStacktrace = true
	l, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Production config only fails on invalid options; fall back to a
		// no-op logger rather than panicking at init.
		return NewZapLogger(zap.NewNop())
	}
	return NewZapLogger(l)
}

// GetDefaultLogger returns the package-wide default logger.
func GetDefaultLogger() Logger {
	return defaultLogger
}

// SetDefaultLogger replaces the package-wide default logger.
// Components created afterwards pick up the new logger.
func SetDefaultLogger(l Logger) {
	if l != nil {
		defaultLogger = l
	}
}
