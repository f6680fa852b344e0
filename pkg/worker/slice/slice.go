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

// Package slice implements the slicing worker (spec §4.5): builds a
// project's bitcode, runs a reachability slice per harness against either
// a diff or a SARIF target, merges the per-harness results, and records
// the merged result path keyed by slice id.
package slice

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	crserrors "github.com/jordigilh/crs-fabric/pkg/shared/errors"
	"github.com/jordigilh/crs-fabric/pkg/store/model"
	"github.com/jordigilh/crs-fabric/pkg/worker"
)

// Request is the slice_queue / slice_queue_R18 payload (spec §6).
type Request struct {
	TaskID         string          `json:"task_id"`
	SliceID        string          `json:"slice_id"`
	IsSarif        bool            `json:"is_sarif"`
	ProjectName    string          `json:"project_name"`
	Focus          string          `json:"focus"`
	Repo           []string        `json:"repo"`
	FuzzingTooling string          `json:"fuzzing_tooling"`
	Diff           string          `json:"diff,omitempty"`
	SliceTarget    model.SliceTarget `json:"slice_target"`
	SarifID        *int64          `json:"sarif_id,omitempty"`
}

// BitcodeBuilder builds the project's bitcode into the workspace, an
// external toolchain concern out of this module's scope (spec §1).
type BitcodeBuilder interface {
	Build(ctx context.Context, workspaceDir string, req Request) (bitcodePath string, err error)
}

// Slicer runs the reachability pass for one harness against bitcodePath
// and returns the shared-storage path of that harness's raw result.
type Slicer interface {
	Slice(ctx context.Context, bitcodePath, harness string, req Request) (resultPath string, err error)
}

// Merger combines the per-harness raw results into a single file listing
// the union of functions reachable from the slice target.
type Merger interface {
	Merge(ctx context.Context, workspaceDir string, resultPaths []string) (mergedPath string, err error)
}

// Store persists the merged slice result, routed by SliceTarget to the
// table spec §3 defines for it.
type Store interface {
	InsertDirectedSlice(ctx context.Context, s model.DirectedSlice) (int64, error)
	InsertSarifSlice(ctx context.Context, s model.SarifSlice) (int64, error)
}

// Processor implements worker.Processor for slice_queue / slice_queue_R18.
type Processor struct {
	Builder   BitcodeBuilder
	Slicer    Slicer
	Merger    Merger
	Store     Store
	Logger    *zap.Logger
	// Harnesses discovers the set of harnesses to slice for a project, an
	// external build-output listing concern (spec §1).
	Harnesses func(ctx context.Context, projectName string) ([]string, error)
}

func (p *Processor) Decode(body []byte) (worker.Envelope, error) {
	env, err := worker.DecodeEnvelope(body)
	if err != nil {
		return worker.Envelope{}, err
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return worker.Envelope{}, crserrors.ParseError("slice queue message", "json", err)
	}
	if req.SliceID == "" || req.ProjectName == "" {
		return worker.Envelope{}, crserrors.PoisonError("slice_queue", "missing slice_id or project_name")
	}
	if req.SliceTarget != model.SliceTargetDiff && req.SliceTarget != model.SliceTargetSarif {
		return worker.Envelope{}, crserrors.PoisonError("slice_queue", fmt.Sprintf("unrecognized slice_target %q", req.SliceTarget))
	}
	return env, nil
}

func (p *Processor) Process(ctx context.Context, workspaceDir string, body []byte) error {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return crserrors.ParseError("slice queue message", "json", err)
	}

	bitcodePath, err := p.Builder.Build(ctx, workspaceDir, req)
	if err != nil {
		return crserrors.BuildError(req.ProjectName, "", err)
	}

	harnesses, err := p.Harnesses(ctx, req.ProjectName)
	if err != nil {
		return err
	}

	resultPaths := make([]string, 0, len(harnesses))
	for _, h := range harnesses {
		resultPath, err := p.Slicer.Slice(ctx, bitcodePath, h, req)
		if err != nil {
			return crserrors.BuildError(req.ProjectName, h, err)
		}
		resultPaths = append(resultPaths, resultPath)
	}

	mergedPath, err := p.Merger.Merge(ctx, workspaceDir, resultPaths)
	if err != nil {
		return err
	}

	switch req.SliceTarget {
	case model.SliceTargetSarif:
		_, err = p.Store.InsertSarifSlice(ctx, model.SarifSlice{
			TaskID:     req.TaskID,
			SarifID:    req.SarifID,
			Target:     model.SliceTargetSarif,
			ResultPath: mergedPath,
		})
	default:
		_, err = p.Store.InsertDirectedSlice(ctx, model.DirectedSlice{
			TaskID:     req.TaskID,
			ResultPath: mergedPath,
		})
	}
	return err
}
