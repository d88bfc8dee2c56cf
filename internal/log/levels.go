/*
Copyright 2025. The Jumpstarter Authors.

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
	"github.com/go-logr/logr"
)

// Verbosity ladder shared by the grpc services and the controllers,
// following the logr convention of higher values being chattier. Errors go
// through logr.Error directly and are always shown.
const (
	LevelWarning = 1
	LevelInfo    = 2
	LevelDebug   = 3
	LevelTrace   = 4
)

// Warning logs conditions worth surfacing that the caller still recovers
// from, e.g. a second Listen for an exporter that is already connected.
func Warning(logger logr.Logger, msg string, keysAndValues ...interface{}) {
	logger.V(LevelWarning).Info(msg, keysAndValues...)
}

// Info logs routine service events.
func Info(logger logr.Logger, msg string, keysAndValues ...interface{}) {
	logger.V(LevelInfo).Info(msg, keysAndValues...)
}

// Debug logs per-request detail useful when tracing a single session.
func Debug(logger logr.Logger, msg string, keysAndValues ...interface{}) {
	logger.V(LevelDebug).Info(msg, keysAndValues...)
}

// Trace logs everything else, including per-frame events on hot paths.
func Trace(logger logr.Logger, msg string, keysAndValues ...interface{}) {
	logger.V(LevelTrace).Info(msg, keysAndValues...)
}
