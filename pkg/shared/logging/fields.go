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

// Package logging provides a chainable structured-field builder on top of
// zap, matching the field vocabulary every stage worker, the coordination
// store, and the queue bus use to annotate log lines.
package logging

import (
	"time"

	"go.uber.org/zap"
)

// Fields is an unordered set of structured logging attributes.
// Every method returns the same map so calls can be chained.
type Fields map[string]interface{}

// NewFields starts an empty field set.
func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(name string) Fields {
	f["operation"] = name
	return f
}

func (f Fields) Resource(resourceType, resourceName string) Fields {
	f["resource_type"] = resourceType
	if resourceName != "" {
		f["resource_name"] = resourceName
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

// TaskID tags the pipeline task a log line belongs to — the single most
// common join key across every component in this module.
func (f Fields) TaskID(id string) Fields {
	if id != "" {
		f["task_id"] = id
	}
	return f
}

func (f Fields) RequestID(id string) Fields {
	f["request_id"] = id
	return f
}

func (f Fields) TraceID(id string) Fields {
	f["trace_id"] = id
	return f
}

func (f Fields) StatusCode(code int) Fields {
	f["status_code"] = code
	return f
}

func (f Fields) Method(method string) Fields {
	f["method"] = method
	return f
}

func (f Fields) URL(url string) Fields {
	f["url"] = url
	return f
}

func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

func (f Fields) Size(bytes int64) Fields {
	f["size_bytes"] = bytes
	return f
}

func (f Fields) Version(v string) Fields {
	f["version"] = v
	return f
}

func (f Fields) Custom(key string, value interface{}) Fields {
	f[key] = value
	return f
}

// ToZap flattens the field set into zap.Field values for use with
// *zap.Logger.With(fields.ToZap()...) or a single log call.
func (f Fields) ToZap() []zap.Field {
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}

// DatabaseFields describes a relational-store operation.
func DatabaseFields(operation, table string) Fields {
	return NewFields().Component("database").Operation(operation).Resource("table", table)
}

// HTTPFields describes an outbound or inbound HTTP call (scoring API,
// Dedup oracle).
func HTTPFields(method, url string, statusCode int) Fields {
	return NewFields().Component("http").Method(method).URL(url).StatusCode(statusCode)
}

// TaskFields describes an action against a pipeline Task.
func TaskFields(operation, taskID string) Fields {
	return NewFields().Component("task").Operation(operation).TaskID(taskID)
}

// QueueFields describes a publish/consume/ack against a named queue.
func QueueFields(operation, queueName string) Fields {
	return NewFields().Component("queue").Operation(operation).Resource("queue", queueName)
}

// BuildFields describes a BRS build/reproduce action for a
// (task, sanitizer, repo_state) tuple.
func BuildFields(operation, taskID, sanitizer, state string) Fields {
	return NewFields().Component("build").Operation(operation).TaskID(taskID).
		Custom("sanitizer", sanitizer).Custom("repo_state", state)
}

// TriageFields describes a triage-engine action against a bug or profile.
func TriageFields(operation string, bugID int64) Fields {
	return NewFields().Component("triage").Operation(operation).Custom("bug_id", bugID)
}

// ContainerFields describes a docker lifecycle action against a named
// container on a given docker host.
func ContainerFields(operation, containerName, host string) Fields {
	return NewFields().Component("container").Operation(operation).Resource("container", containerName).Custom("docker_host", host)
}

// MetricsFields describes a metric-recording event.
func MetricsFields(operation, metricName string, value float64) Fields {
	return NewFields().Component("metrics").Operation(operation).Custom("metric_name", metricName).Custom("value", value)
}

// PerformanceFields describes a timed operation's outcome.
func PerformanceFields(operation string, duration time.Duration, success bool) Fields {
	return NewFields().Component("performance").Operation(operation).Duration(duration).Custom("success", success)
}
