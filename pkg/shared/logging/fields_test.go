package logging

import (
	"errors"
	"testing"
	"time"
)

func TestNewFields(t *testing.T) {
	fields := NewFields()
	if fields == nil {
		t.Fatal("NewFields() returned nil")
	}
	if len(fields) != 0 {
		t.Errorf("NewFields() should be empty, got %d fields", len(fields))
	}
}

func TestStandardFields_Component(t *testing.T) {
	fields := NewFields().Component("test-component")

	if fields["component"] != "test-component" {
		t.Errorf("Component() = %v, want %v", fields["component"], "test-component")
	}
}

func TestStandardFields_Operation(t *testing.T) {
	fields := NewFields().Operation("create")

	if fields["operation"] != "create" {
		t.Errorf("Operation() = %v, want %v", fields["operation"], "create")
	}
}

func TestStandardFields_Resource(t *testing.T) {
	fields := NewFields().Resource("queue", "triage_queue")

	if fields["resource_type"] != "queue" {
		t.Errorf("Resource() resource_type = %v, want %v", fields["resource_type"], "queue")
	}
	if fields["resource_name"] != "triage_queue" {
		t.Errorf("Resource() resource_name = %v, want %v", fields["resource_name"], "triage_queue")
	}
}

func TestStandardFields_ResourceWithoutName(t *testing.T) {
	fields := NewFields().Resource("queue", "")

	if fields["resource_type"] != "queue" {
		t.Errorf("Resource() resource_type = %v, want %v", fields["resource_type"], "queue")
	}
	if _, exists := fields["resource_name"]; exists {
		t.Error("Resource() should not set resource_name when empty")
	}
}

func TestStandardFields_Duration(t *testing.T) {
	duration := 150 * time.Millisecond
	fields := NewFields().Duration(duration)

	if fields["duration_ms"] != int64(150) {
		t.Errorf("Duration() = %v, want %v", fields["duration_ms"], int64(150))
	}
}

func TestStandardFields_Error(t *testing.T) {
	err := errors.New("test error")
	fields := NewFields().Error(err)

	if fields["error"] != "test error" {
		t.Errorf("Error() = %v, want %v", fields["error"], "test error")
	}
}

func TestStandardFields_ErrorNil(t *testing.T) {
	fields := NewFields().Error(nil)

	if _, exists := fields["error"]; exists {
		t.Error("Error(nil) should not set error field")
	}
}

func TestStandardFields_TaskID(t *testing.T) {
	fields := NewFields().TaskID("task-123")

	if fields["task_id"] != "task-123" {
		t.Errorf("TaskID() = %v, want %v", fields["task_id"], "task-123")
	}
}

func TestStandardFields_TaskIDEmpty(t *testing.T) {
	fields := NewFields().TaskID("")

	if _, exists := fields["task_id"]; exists {
		t.Error("TaskID(\"\") should not set task_id field")
	}
}

func TestStandardFields_RequestID(t *testing.T) {
	fields := NewFields().RequestID("req-123")

	if fields["request_id"] != "req-123" {
		t.Errorf("RequestID() = %v, want %v", fields["request_id"], "req-123")
	}
}

func TestStandardFields_TraceID(t *testing.T) {
	fields := NewFields().TraceID("trace-123")

	if fields["trace_id"] != "trace-123" {
		t.Errorf("TraceID() = %v, want %v", fields["trace_id"], "trace-123")
	}
}

func TestStandardFields_StatusCode(t *testing.T) {
	fields := NewFields().StatusCode(404)

	if fields["status_code"] != 404 {
		t.Errorf("StatusCode() = %v, want %v", fields["status_code"], 404)
	}
}

func TestStandardFields_Method(t *testing.T) {
	fields := NewFields().Method("GET")

	if fields["method"] != "GET" {
		t.Errorf("Method() = %v, want %v", fields["method"], "GET")
	}
}

func TestStandardFields_URL(t *testing.T) {
	fields := NewFields().URL("https://api.example.com")

	if fields["url"] != "https://api.example.com" {
		t.Errorf("URL() = %v, want %v", fields["url"], "https://api.example.com")
	}
}

func TestStandardFields_Count(t *testing.T) {
	fields := NewFields().Count(42)

	if fields["count"] != 42 {
		t.Errorf("Count() = %v, want %v", fields["count"], 42)
	}
}

func TestStandardFields_Size(t *testing.T) {
	fields := NewFields().Size(1024)

	if fields["size_bytes"] != int64(1024) {
		t.Errorf("Size() = %v, want %v", fields["size_bytes"], int64(1024))
	}
}

func TestStandardFields_Version(t *testing.T) {
	fields := NewFields().Version("v1.2.3")

	if fields["version"] != "v1.2.3" {
		t.Errorf("Version() = %v, want %v", fields["version"], "v1.2.3")
	}
}

func TestStandardFields_Custom(t *testing.T) {
	fields := NewFields().Custom("custom_key", "custom_value")

	if fields["custom_key"] != "custom_value" {
		t.Errorf("Custom() = %v, want %v", fields["custom_key"], "custom_value")
	}
}

func TestStandardFields_ChainedCalls(t *testing.T) {
	fields := NewFields().
		Component("test").
		Operation("create").
		Resource("queue", "patch_queue").
		Duration(100 * time.Millisecond).
		Count(5)

	expected := map[string]interface{}{
		"component":     "test",
		"operation":     "create",
		"resource_type": "queue",
		"resource_name": "patch_queue",
		"duration_ms":   int64(100),
		"count":         5,
	}

	for key, expectedValue := range expected {
		if fields[key] != expectedValue {
			t.Errorf("Chained calls: %s = %v, want %v", key, fields[key], expectedValue)
		}
	}
}

func TestStandardFields_ToZap(t *testing.T) {
	fields := NewFields().
		Component("test").
		Operation("create")

	zapFields := fields.ToZap()

	if zapFields == nil {
		t.Fatal("ToZap() should not return nil")
	}
	if len(zapFields) != 2 {
		t.Errorf("ToZap() should have 2 fields, got %d", len(zapFields))
	}
}

func TestDatabaseFields(t *testing.T) {
	fields := DatabaseFields("insert", "bug_profiles")

	expected := map[string]interface{}{
		"component":     "database",
		"operation":     "insert",
		"resource_type": "table",
		"resource_name": "bug_profiles",
	}

	for key, expectedValue := range expected {
		if fields[key] != expectedValue {
			t.Errorf("DatabaseFields() %s = %v, want %v", key, fields[key], expectedValue)
		}
	}
}

func TestHTTPFields(t *testing.T) {
	fields := HTTPFields("POST", "/v1/pov/task-1", 201)

	expected := map[string]interface{}{
		"component":   "http",
		"method":      "POST",
		"url":         "/v1/pov/task-1",
		"status_code": 201,
	}

	for key, expectedValue := range expected {
		if fields[key] != expectedValue {
			t.Errorf("HTTPFields() %s = %v, want %v", key, fields[key], expectedValue)
		}
	}
}

func TestTaskFields(t *testing.T) {
	fields := TaskFields("dispatch", "task-123")

	expected := map[string]interface{}{
		"component": "task",
		"operation": "dispatch",
		"task_id":   "task-123",
	}

	for key, expectedValue := range expected {
		if fields[key] != expectedValue {
			t.Errorf("TaskFields() %s = %v, want %v", key, fields[key], expectedValue)
		}
	}
}

func TestQueueFields(t *testing.T) {
	fields := QueueFields("publish", "triage_queue")

	expected := map[string]interface{}{
		"component":     "queue",
		"operation":     "publish",
		"resource_type": "queue",
		"resource_name": "triage_queue",
	}

	for key, expectedValue := range expected {
		if fields[key] != expectedValue {
			t.Errorf("QueueFields() %s = %v, want %v", key, fields[key], expectedValue)
		}
	}
}

func TestBuildFields(t *testing.T) {
	fields := BuildFields("build", "task-1", "address", "patched")

	expected := map[string]interface{}{
		"component":  "build",
		"operation":  "build",
		"task_id":    "task-1",
		"sanitizer":  "address",
		"repo_state": "patched",
	}

	for key, expectedValue := range expected {
		if fields[key] != expectedValue {
			t.Errorf("BuildFields() %s = %v, want %v", key, fields[key], expectedValue)
		}
	}
}

func TestContainerFields(t *testing.T) {
	fields := ContainerFields("stop", "reproducer_triage_runner_1", "dind-host-2")

	if fields["resource_name"] != "reproducer_triage_runner_1" {
		t.Errorf("ContainerFields() resource_name = %v", fields["resource_name"])
	}
	if fields["docker_host"] != "dind-host-2" {
		t.Errorf("ContainerFields() docker_host = %v", fields["docker_host"])
	}
}

func TestMetricsFields(t *testing.T) {
	fields := MetricsFields("record", "cmin_features_total", 85.5)

	expected := map[string]interface{}{
		"component":   "metrics",
		"operation":   "record",
		"metric_name": "cmin_features_total",
		"value":       85.5,
	}

	for key, expectedValue := range expected {
		if fields[key] != expectedValue {
			t.Errorf("MetricsFields() %s = %v, want %v", key, fields[key], expectedValue)
		}
	}
}

func TestPerformanceFields(t *testing.T) {
	duration := 250 * time.Millisecond
	fields := PerformanceFields("replay_poc", duration, true)

	expected := map[string]interface{}{
		"component":   "performance",
		"operation":   "replay_poc",
		"duration_ms": int64(250),
		"success":     true,
	}

	for key, expectedValue := range expected {
		if fields[key] != expectedValue {
			t.Errorf("PerformanceFields() %s = %v, want %v", key, fields[key], expectedValue)
		}
	}
}
