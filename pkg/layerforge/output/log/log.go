/*
Copyright 2024 The Layerforge Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package log

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

type contextKey struct{}

// ContextKey carries the task/subtask attribution through a build.
var ContextKey = contextKey{}

// EventContext attributes log entries to a build phase.
type EventContext struct {
	Task    string
	Subtask string
}

// WithEventContext returns a context whose log entries carry task/subtask
// fields.
func WithEventContext(ctx context.Context, task, subtask string) context.Context {
	return context.WithValue(ctx, ContextKey, EventContext{Task: task, Subtask: subtask})
}

// Entry constructs a logrus.Entry from ctx, adding task and subtask fields
// when present.
func Entry(ctx context.Context) *logrus.Entry {
	if eventContext, ok := ctx.Value(ContextKey).(EventContext); ok {
		return logrus.WithFields(logrus.Fields{
			"task":    eventContext.Task,
			"subtask": eventContext.Subtask,
		})
	}
	return logrus.WithFields(logrus.Fields{
		"task": "Build",
	})
}

// SetLevel configures the global log level from a string.
func SetLevel(level string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	logrus.SetLevel(parsed)
	return nil
}
