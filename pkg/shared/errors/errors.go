/*
Copyright 2025 Jordi Gil.

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

// Package errors classifies pipeline failures into the taxonomy every stage
// worker's top-level callback uses to pick ack, nack, or requeue-to-tail.
package errors

import (
	"fmt"
	"strings"
)

// Kind is one of the error taxonomy entries of the design's error handling
// section. It never changes the wire format of OperationError.Error(); it
// only lets callers branch without string matching.
type Kind string

const (
	// KindTransientInfra covers broker disconnects, coordination/relational
	// store connection resets, and Docker daemon unreachability. Retry with
	// jittered backoff bounded by an attempt count.
	KindTransientInfra Kind = "transient_infra"
	// KindBuildFailure covers a nonzero helper-script exit building an image
	// or fuzzers, or a failed check_build for some harnesses.
	KindBuildFailure Kind = "build_failure"
	// KindReplayAmbiguous covers a replay that exits 0 when a crash was
	// expected. Warning only, never a task failure.
	KindReplayAmbiguous Kind = "replay_ambiguous"
	// KindParseFailure covers sanitizer output that matches no known grammar.
	KindParseFailure Kind = "parse_failure"
	// KindPoisonMessage covers a message missing required fields.
	KindPoisonMessage Kind = "poison_message"
	// KindTaskCancelled covers a task observed canceled via the coordination
	// store; treated as a clean exit for the affected work only.
	KindTaskCancelled Kind = "task_cancelled"
	// KindQuotaExceeded covers a per-task retry count already at its limit.
	KindQuotaExceeded Kind = "quota_exceeded"
	// KindFatal covers irrecoverable local state. queue.Classify requeues it
	// to the tail until the retry limit; the worker process does not exit.
	KindFatal Kind = "fatal"
)

// OperationError is the uniform error value every package in this module
// returns for a failed operation. Component and Resource are optional.
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Kind      Kind
	Cause     error
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("failed to %s", e.Operation)
	if e.Component != "" {
		msg += fmt.Sprintf(", component: %s", e.Component)
	}
	if e.Resource != "" {
		msg += fmt.Sprintf(", resource: %s", e.Resource)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(", cause: %s", e.Cause.Error())
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// FailedTo builds the plain "failed to <action>[: <cause>]" form used by
// call sites that don't need component/resource context.
func FailedTo(action string, cause error) error {
	if cause == nil {
		return fmt.Errorf("failed to %s", action)
	}
	return fmt.Errorf("failed to %s: %w", action, cause)
}

// FailedToWithDetails builds a full *OperationError with no Kind set;
// prefer DatabaseError/NetworkError/etc. when a Kind applies.
func FailedToWithDetails(operation, component, resource string, cause error) error {
	return &OperationError{Operation: operation, Component: component, Resource: resource, Cause: cause}
}

// Wrapf prefixes err with a formatted message, or returns nil if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Wrap builds an *OperationError tagging cause with kind, for call sites
// that already know the disposition (retry, poison, fatal) rather than
// inferring it from the cause's shape.
func Wrap(kind Kind, operation string, cause error) error {
	return &OperationError{Operation: operation, Kind: kind, Cause: cause}
}

// DatabaseError tags a relational-store failure as KindTransientInfra —
// connection resets and pool-closing errors dominate this call site.
func DatabaseError(operation string, cause error) error {
	return &OperationError{Operation: operation, Component: "database", Kind: KindTransientInfra, Cause: cause}
}

// NetworkError tags an HTTP/broker/docker endpoint failure.
func NetworkError(operation, endpoint string, cause error) error {
	return &OperationError{Operation: operation, Component: "network", Resource: endpoint, Kind: KindTransientInfra, Cause: cause}
}

// ValidationError reports a field that failed validation; the message
// matches the inbound-message shape checked by pkg/queue and pkg/worker.
func ValidationError(field, reason string) error {
	return fmt.Errorf("validation failed for field %s: %s", field, reason)
}

// ConfigurationError reports a bad or missing configuration setting.
func ConfigurationError(setting, reason string) error {
	return fmt.Errorf("configuration error for setting %s: %s", setting, reason)
}

// TimeoutError reports an operation that exceeded its deadline.
func TimeoutError(operation, duration string) error {
	return fmt.Errorf("timeout while %s after %s", operation, duration)
}

// AuthenticationError reports a failed credential check against an
// external service (scoring API, Dedup oracle).
func AuthenticationError(reason string) error {
	return fmt.Errorf("authentication failed: %s", reason)
}

// AuthorizationError reports a permission failure for an action/resource.
func AuthorizationError(action, resource string) error {
	return fmt.Errorf("authorization failed: insufficient permissions to %s %s", action, resource)
}

// ParseError tags a sanitizer-report or SARIF-payload parse failure.
func ParseError(what, format string, cause error) error {
	return &OperationError{
		Operation: fmt.Sprintf("parse %s as %s", what, format),
		Kind:      KindParseFailure,
		Cause:     cause,
	}
}

// PoisonError tags a message missing required fields; stage workers nack
// without requeue on this kind.
func PoisonError(queue, reason string) error {
	return &OperationError{Operation: "decode message", Component: queue, Kind: KindPoisonMessage, Cause: fmt.Errorf("%s", reason)}
}

// BuildError tags a nonzero helper-script exit building an image/fuzzers.
func BuildError(project, sanitizer string, cause error) error {
	return &OperationError{
		Operation: "build fuzz target",
		Component: project,
		Resource:  sanitizer,
		Kind:      KindBuildFailure,
		Cause:     cause,
	}
}

var retryableSubstrings = []string{"timeout", "connection refused", "connection reset", "unavailable", "eof", "broken pipe"}

// IsRetryable is a last-resort string heuristic for errors that arrive from
// third-party clients without a typed Kind (e.g. a raw net error surfaced
// through database/sql). Prefer KindOf when the error originates in this
// module.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Chain joins non-nil errors into one error, or returns nil if none are
// non-nil. A single non-nil error is returned unwrapped.
func Chain(errs ...error) error {
	var msgs []string
	for _, err := range errs {
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	switch len(msgs) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("%s", msgs[0])
	default:
		return fmt.Errorf("multiple errors: %s", strings.Join(msgs, "; "))
	}
}

// KindOf extracts the Kind of err if it is (or wraps) an *OperationError,
// defaulting to KindFatal for anything unrecognized.
func KindOf(err error) Kind {
	var opErr *OperationError
	if as(err, &opErr) {
		return opErr.Kind
	}
	return KindFatal
}

// as is a tiny indirection over errors.As so this file only needs the
// standard errors package for the one call site above; kept separate to
// make the unwrap chain explicit when reading top to bottom.
func as(err error, target **OperationError) bool {
	for err != nil {
		if oe, ok := err.(*OperationError); ok {
			*target = oe
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
