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

// Package directed implements the directed-fuzzing worker (spec §4.5):
// requests a reachability slice, builds an allowlist-instrumented AFL
// target, launches a master/slave fuzzer pool per harness, and runs a
// crash observer and periodic seed syncer for the lifetime of the task.
package directed

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/crs-fabric/pkg/queue"
	crserrors "github.com/jordigilh/crs-fabric/pkg/shared/errors"
	"github.com/jordigilh/crs-fabric/pkg/worker"
)

// NoResults is the literal CS/header value meaning a slice request
// resolved with nothing within the configured max wait (spec §6:
// "slice_result (path or literal \"/no_results\")").
const NoResults = "/no_results"

// Request is the directed_queue payload (spec §6: "like corpus_queue +
// sarif_slice_path?").
type Request struct {
	TaskID         string   `json:"task_id"`
	TaskType       string   `json:"task_type"`
	ProjectName    string   `json:"project_name"`
	Focus          string   `json:"focus"`
	Repo           []string `json:"repo"`
	FuzzingTooling string   `json:"fuzzing_tooling"`
	Diff           string   `json:"diff,omitempty"`
	SarifSlicePath string   `json:"sarif_slice_path,omitempty"`
}

// SliceRequester asks the slice worker for a reachability slice and waits
// up to maxWait for a result, returning NoResults if none arrives in time.
type SliceRequester interface {
	RequestSlice(ctx context.Context, req Request, maxWait time.Duration) (sliceResultPath string, err error)
}

// TargetBuilder builds the allowlist-instrumented AFL target from the
// slice result, an external toolchain concern out of this module's scope.
type TargetBuilder interface {
	BuildAllowlistTarget(ctx context.Context, workspaceDir string, req Request, slicePath string) (targetPath string, err error)
}

// Launcher starts and stops the master/slave fuzzer processes for one
// harness. Stop functions are idempotent.
type Launcher interface {
	LaunchMaster(ctx context.Context, targetPath, harness string) (stop func(), err error)
	LaunchSlave(ctx context.Context, targetPath, harness string, slaveIndex int) (stop func(), err error)
}

// CrashEvent is one crash the observer copied to shared storage.
type CrashEvent struct {
	Harness   string
	PoCPath   string
	Sanitizer string
}

// Observer watches a harness's fuzzer output directory and invokes onCrash
// for each new crashing input it copies to shared storage.
type Observer interface {
	Observe(ctx context.Context, harness string, onCrash func(CrashEvent)) (stop func(), err error)
}

// SeedSyncer periodically pushes a harness's newly discovered inputs to
// shared storage until ctx is canceled.
type SeedSyncer interface {
	Run(ctx context.Context, harness string)
}

// Processor implements worker.Processor for directed_queue.
type Processor struct {
	Bus            queue.Publisher
	SliceRequester SliceRequester
	Builder        TargetBuilder
	Launcher       Launcher
	Observer       Observer
	Syncer         SeedSyncer
	Logger         *zap.Logger

	// SlaveCount is AIXCC_AFL_SLAVE_NUM (spec §6): slaves launched per
	// harness alongside the single master.
	SlaveCount int
	// MaxSliceWait bounds how long RequestSlice blocks before treating the
	// slice as unavailable.
	MaxSliceWait time.Duration
	// Harnesses discovers the harnesses to fuzz for a project.
	Harnesses func(ctx context.Context, projectName string) ([]string, error)
}

func (p *Processor) Decode(body []byte) (worker.Envelope, error) {
	env, err := worker.DecodeEnvelope(body)
	if err != nil {
		return worker.Envelope{}, err
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return worker.Envelope{}, crserrors.ParseError("directed_queue message", "json", err)
	}
	if req.ProjectName == "" {
		return worker.Envelope{}, crserrors.PoisonError(queue.DirectedQueue, "missing project_name")
	}
	return env, nil
}

func (p *Processor) Process(ctx context.Context, workspaceDir string, body []byte) error {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return crserrors.ParseError("directed_queue message", "json", err)
	}

	slicePath := req.SarifSlicePath
	if slicePath == "" {
		var err error
		slicePath, err = p.SliceRequester.RequestSlice(ctx, req, p.MaxSliceWait)
		if err != nil {
			return err
		}
	}

	targetPath, err := p.Builder.BuildAllowlistTarget(ctx, workspaceDir, req, slicePath)
	if err != nil {
		return crserrors.BuildError(req.ProjectName, "", err)
	}

	harnesses, err := p.Harnesses(ctx, req.ProjectName)
	if err != nil {
		return err
	}

	for _, harness := range harnesses {
		if err := p.launchHarness(ctx, req, targetPath, harness); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) launchHarness(ctx context.Context, req Request, targetPath, harness string) error {
	if _, err := p.Launcher.LaunchMaster(ctx, targetPath, harness); err != nil {
		return crserrors.BuildError(req.ProjectName, harness, err)
	}
	for i := 0; i < p.SlaveCount; i++ {
		if _, err := p.Launcher.LaunchSlave(ctx, targetPath, harness, i); err != nil {
			return crserrors.BuildError(req.ProjectName, harness, err)
		}
	}

	if _, err := p.Observer.Observe(ctx, harness, func(crash CrashEvent) {
		p.forwardCrash(ctx, req, crash)
	}); err != nil {
		return crserrors.Wrap(crserrors.KindBuildFailure, "start crash observer", err)
	}

	go p.Syncer.Run(ctx, harness)
	return nil
}

func (p *Processor) forwardCrash(ctx context.Context, req Request, crash CrashEvent) {
	triageMsg := triageRequest{
		TaskID:      req.TaskID,
		TaskType:    req.TaskType,
		Sanitizer:   crash.Sanitizer,
		HarnessName: crash.Harness,
		PoCPath:     crash.PoCPath,
		ProjectName: req.ProjectName,
		Focus:       req.Focus,
		Repo:        req.Repo,
	}
	body, err := json.Marshal(triageMsg)
	if err != nil {
		if p.Logger != nil {
			p.Logger.Error("failed to marshal triage forward", zap.Error(err))
		}
		return
	}
	if err := p.Bus.Publish(ctx, queue.TriageQueue, body, queue.PublishOptions{}); err != nil {
		if p.Logger != nil {
			p.Logger.Error("failed to forward crash to triage", zap.Error(err))
		}
	}
}

type triageRequest struct {
	TaskID      string   `json:"task_id"`
	TaskType    string   `json:"task_type"`
	Sanitizer   string   `json:"sanitizer"`
	HarnessName string   `json:"harness_name"`
	PoCPath     string   `json:"poc_path"`
	ProjectName string   `json:"project_name"`
	Focus       string   `json:"focus"`
	Repo        []string `json:"repo"`
}
