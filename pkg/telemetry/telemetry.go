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

// Package telemetry implements the Telemetry Surface (spec §4.9): span
// context inherited from an external producer, carried through queue
// message headers, and re-attached as the parent of each worker's span,
// plus a metric-extraction hook stage workers call on completion.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "crs-fabric"

// propagator is the W3C traceparent codec; queue headers use a
// map[string]interface{} wire shape, so Extract/Inject always cross
// through a headerCarrier rather than touching propagation.TextMapCarrier
// implementations meant for http.Header.
var propagator = propagation.TraceContext{}

// Tracer returns the package-wide tracer, resolved lazily so tests and
// callers never need to configure a provider to get a no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// headerCarrier adapts a queue message's string-valued header map to
// propagation.TextMapCarrier.
type headerCarrier map[string]string

func (h headerCarrier) Get(key string) string { return h[key] }
func (h headerCarrier) Set(key, value string) { h[key] = value }
func (h headerCarrier) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

// ExtractSpanContext decodes a traceparent header (if present in headers,
// which may carry amqp-table-typed values as produced by a broker
// delivery) into ctx, so a worker span can be opened as its child.
func ExtractSpanContext(ctx context.Context, headers map[string]interface{}) context.Context {
	carrier := headerCarrier{}
	if v, ok := headers["traceparent"]; ok {
		if s, ok := v.(string); ok {
			carrier["traceparent"] = s
		}
	}
	if v, ok := headers["tracestate"]; ok {
		if s, ok := v.(string); ok {
			carrier["tracestate"] = s
		}
	}
	return propagator.Extract(ctx, carrier)
}

// InjectSpanContext encodes ctx's current span context as traceparent/
// tracestate headers, ready to merge into a queue.PublishOptions.Headers
// map before a publish.
func InjectSpanContext(ctx context.Context) map[string]interface{} {
	carrier := headerCarrier{}
	propagator.Inject(ctx, carrier)
	headers := make(map[string]interface{}, len(carrier))
	for k, v := range carrier {
		headers[k] = v
	}
	return headers
}

// StartWorkerSpan opens a span named "<stage>.process" as a child of
// whatever span context ctx carries (typically already extracted from
// queue headers by ExtractSpanContext), tagged with the stage and task
// identifying attributes every worker specialization logs.
func StartWorkerSpan(ctx context.Context, stage, taskID, taskType string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, stage+".process", trace.WithAttributes(
		attribute.String("crs.stage", stage),
		attribute.String("crs.task_id", taskID),
		attribute.String("crs.task_type", taskType),
	))
}

// EndWithError records err on span (if non-nil) before ending it, so a
// worker's defer site never needs its own branch on success vs failure.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// MetricHook receives a structured completion event for every stage
// invocation, letting pkg/metrics (or a test double) extract counters and
// histograms without this package depending on Prometheus directly.
type MetricHook interface {
	ObserveStage(stage string, outcome string, durationSeconds float64)
}

// NopMetricHook discards every observation; the zero value of Processor-
// style structs that embed a MetricHook can use this instead of nil-
// checking at every call site.
type NopMetricHook struct{}

func (NopMetricHook) ObserveStage(stage, outcome string, durationSeconds float64) {}
