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

// Package worker implements the uniform stage-worker skeleton of spec
// §4.5: declare an input queue, consume with prefetch, decode, gate on
// retry limit and task cancellation, prepare a scratch workspace, run the
// stage-specific work, and translate the result into ack/nack/requeue.
// The specializations (corpus, cmin, seedgen, slice, directed, patch) each
// implement Processor and plug into a Stage.
package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/jordigilh/crs-fabric/pkg/coordination"
	"github.com/jordigilh/crs-fabric/pkg/queue"
	crserrors "github.com/jordigilh/crs-fabric/pkg/shared/errors"
	"github.com/jordigilh/crs-fabric/pkg/shared/logging"
	"github.com/jordigilh/crs-fabric/pkg/telemetry"
)

// Envelope carries the task fields stage messages share (task_id and
// task_type). patch_queue messages carry neither; the patch worker's
// Decode returns an empty Envelope.
// Stage-specific fields live in the Processor's own decode step, which
// unmarshals the same raw bytes into its richer type.
type Envelope struct {
	TaskID   string `json:"task_id" validate:"required"`
	TaskType string `json:"task_type"`
}

// envelopeValidator is shared process-wide; validator.Validate caches
// struct reflection internally and is safe for concurrent use.
var envelopeValidator = validator.New()

// Processor is the stage-specific half of the skeleton: decode the
// message body into a stage request and do the work. Process returning a
// nil error acks; a non-nil error is classified by queue.Classify using
// its crserrors.Kind.
type Processor interface {
	// Decode parses body into a stage-specific request, extracting at
	// least the common Envelope fields.
	Decode(body []byte) (Envelope, error)
	// Process performs the stage's work inside workspaceDir. The same
	// decoded body is passed again so Processor implementations do not
	// need to stash state between Decode and Process.
	Process(ctx context.Context, workspaceDir string, body []byte) error
}

// Stage wires a Processor to its queue, applying the common gating and
// workspace lifecycle every stage worker shares.
type Stage struct {
	Name        string
	QueueName   string
	Bus         *queue.Bus
	CS          *coordination.Store
	Processor   Processor
	Logger      *zap.Logger
	Prefetch    int
	RetryLimit  int
	WorkspaceRoot string
	// Metric receives a completion observation for every delivery this
	// stage handles, win or lose. Nil is valid; Run then skips recording.
	Metric telemetry.MetricHook
}

// Run declares the stage's queue and consumes it until ctx is canceled.
func (s *Stage) Run(ctx context.Context, declareOpts queue.DeclareOptions) error {
	if err := s.Bus.Declare(s.QueueName, declareOpts); err != nil {
		return err
	}
	retryLimit := s.RetryLimit
	if retryLimit <= 0 {
		retryLimit = queue.DefaultRetryLimit
	}
	return s.Bus.Consume(ctx, s.QueueName, queue.ConsumeOptions{Prefetch: s.Prefetch, Consumer: s.Name}, func(ctx context.Context, delivery amqp.Delivery) queue.Disposition {
		return s.handle(ctx, delivery, retryLimit)
	})
}

// handle implements spec §4.5 steps (a)-(g) for one delivery.
func (s *Stage) handle(ctx context.Context, delivery amqp.Delivery, retryLimit int) queue.Disposition {
	env, err := s.Processor.Decode(delivery.Body)
	if err != nil {
		s.logError("decode message", err)
		return queue.NackDrop
	}

	ctx = telemetry.ExtractSpanContext(ctx, delivery.Headers)
	ctx, span := telemetry.StartWorkerSpan(ctx, s.Name, env.TaskID, env.TaskType)
	start := time.Now()
	disposition := queue.NackDrop
	var procErr error
	defer func() {
		telemetry.EndWithError(span, procErr)
		s.observe(time.Since(start).Seconds(), disposition, procErr)
	}()

	if queue.RetryOf(delivery.Headers) >= retryLimit {
		s.logWarn("retry limit reached, dropping", env.TaskID, nil)
		return disposition
	}

	status, err := s.CS.Get(ctx, coordination.TaskStatusKey(env.TaskID))
	if err != nil {
		s.logError("read task status", err)
		procErr = err
		disposition = queue.Classify(err, delivery.Headers, retryLimit)
		return disposition
	}
	if status == "canceled" || status == "succeeded" || status == "failed" || status == "errored" {
		s.logWarn("task terminal/canceled, dropping without requeue", env.TaskID, nil)
		disposition = queue.Ack
		return disposition
	}

	workspaceDir, err := s.prepareWorkspace(env.TaskID)
	if err != nil {
		s.logError("prepare workspace", err)
		procErr = err
		disposition = queue.Classify(err, delivery.Headers, retryLimit)
		return disposition
	}
	defer s.cleanupWorkspace(workspaceDir)

	procErr = s.Processor.Process(ctx, workspaceDir, delivery.Body)
	if procErr != nil {
		s.logError("stage work failed", procErr)
	}
	disposition = queue.Classify(procErr, delivery.Headers, retryLimit)
	return disposition
}

// observe reports one delivery's outcome to Metric, a no-op when Metric is
// nil (the zero-value Stage many unit tests build).
func (s *Stage) observe(durationSeconds float64, disposition queue.Disposition, err error) {
	if s.Metric == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	} else if disposition != queue.Ack {
		outcome = "requeued"
	}
	s.Metric.ObserveStage(s.Name, outcome, durationSeconds)
}

func (s *Stage) prepareWorkspace(taskID string) (string, error) {
	root := s.WorkspaceRoot
	if root == "" {
		root = os.TempDir()
	}
	dir, err := os.MkdirTemp(root, "crs-"+s.Name+"-"+taskID+"-")
	if err != nil {
		return "", crserrors.FailedToWithDetails("create workspace", s.Name, taskID, err)
	}
	return dir, nil
}

func (s *Stage) cleanupWorkspace(dir string) {
	if err := os.RemoveAll(dir); err != nil && s.Logger != nil {
		s.Logger.Warn("failed to clean up workspace",
			logging.NewFields().Component(s.Name).Resource("workspace", dir).Error(err).ToZap()...)
	}
}

func (s *Stage) logError(op string, err error) {
	if s.Logger == nil {
		return
	}
	s.Logger.Error(op, logging.NewFields().Component(s.Name).Error(err).ToZap()...)
}

func (s *Stage) logWarn(op, taskID string, err error) {
	if s.Logger == nil {
		return
	}
	fields := logging.NewFields().Component(s.Name).TaskID(taskID)
	if err != nil {
		fields = fields.Error(err)
	}
	s.Logger.Warn(op, fields.ToZap()...)
}

// DecodeEnvelope is a helper Processor implementations use for their
// Decode step when they only need the common fields plus their own
// json.Unmarshal target.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, crserrors.ParseError("stage message", "json", err)
	}
	if err := envelopeValidator.Struct(env); err != nil {
		return Envelope{}, crserrors.PoisonError("stage", "missing task_id")
	}
	return env, nil
}

// WorkspacePath joins dir and the subtree names spec §4.5(g) reserves for
// artifacts downstream stages still need after this workspace is removed
// (e.g. a harness binary copied out to shared storage before cleanup).
func WorkspacePath(dir string, parts ...string) string {
	return filepath.Join(append([]string{dir}, parts...)...)
}
