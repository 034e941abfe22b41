// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package debug holds the logging interfaces used across the connector.
// Callers provide their own implementation; none is bundled.
package debug

import "context"

// Logger is the logging interface used by types that don't carry a
// context of their own, such as the top-level Dialer.
type Logger interface {
	Debugf(format string, args ...interface{})
}

// ContextLogger is the logging interface used by types that operate
// entirely within a caller-supplied context, such as the refresh caches.
type ContextLogger interface {
	Debugf(ctx context.Context, format string, args ...interface{})
}

// discardLogger implements Logger by discarding everything. It's the default
// when no logger is configured; ToContextLogger wraps it where a
// ContextLogger is needed.
type discardLogger struct{}

func (discardLogger) Debugf(string, ...interface{})                   {}
func (discardLogger) DebugfCtx(context.Context, string, ...interface{}) {}

// Discard is the no-op Logger used when a caller hasn't configured one.
var Discard Logger = discardLogger{}

// contextAdapter adapts a Logger to ContextLogger by discarding the
// context.
type contextAdapter struct{ l Logger }

func (c contextAdapter) Debugf(_ context.Context, format string, args ...interface{}) {
	c.l.Debugf(format, args...)
}

// ToContextLogger adapts a Logger to a ContextLogger.
func ToContextLogger(l Logger) ContextLogger {
	if l == nil {
		l = Discard
	}
	return contextAdapter{l}
}
