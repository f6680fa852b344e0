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

// Package patch implements the patch worker (spec §4.5): reads a bug
// profile and its bugs, runs the external patch-generation agent,
// replays the candidate patch against the bug set via the Build/
// Reproduction Substrate, and records the resulting Patch and PatchBug
// rows.
package patch

import (
	"encoding/json"
	"context"

	"go.uber.org/zap"

	"github.com/jordigilh/crs-fabric/pkg/queue"
	crserrors "github.com/jordigilh/crs-fabric/pkg/shared/errors"
	"github.com/jordigilh/crs-fabric/pkg/store/model"
	"github.com/jordigilh/crs-fabric/pkg/worker"
)

// Mode is the patch_queue patch_mode enum (spec §6).
type Mode string

const (
	ModeGeneric Mode = "generic"
	ModeFast    Mode = "fast"
	ModeNone    Mode = "none"
)

// Request is the patch_queue payload (spec §6).
type Request struct {
	BugProfileID int64 `json:"bug_profile_id"`
	PatchMode    Mode  `json:"patch_mode"`
}

// Store reads the profile/bugs needed to drive patch generation and
// persists the resulting Patch and PatchBug rows.
type Store interface {
	GetBugProfile(ctx context.Context, id int64) (model.BugProfile, error)
	BugsForProfile(ctx context.Context, profileID int64) ([]model.Bug, error)
	InsertPatch(ctx context.Context, p model.Patch) (int64, error)
	InsertPatchBug(ctx context.Context, pb model.PatchBug) error
}

// Generator runs the external patch-generation agent. The agent itself
// (an LLM-driven code-editing tool) is out of this module's scope per
// spec §1; this interface is the narrow seam into it.
type Generator interface {
	GeneratePatch(ctx context.Context, workspaceDir string, profile model.BugProfile, bugs []model.Bug, mode Mode) (patchText, modelName string, err error)
}

// Replayer applies a candidate patch against every bug in the profile's
// bug set via the Build/Reproduction Substrate and reports, per bug id,
// whether the bug stopped reproducing (the `repaired` truth value).
type Replayer interface {
	Replay(ctx context.Context, workspaceDir, patchText string, profile model.BugProfile, bugs []model.Bug) (map[int64]bool, error)
}

// Processor implements worker.Processor for patch_queue.
type Processor struct {
	Store     Store
	Generator Generator
	Replayer  Replayer
	Logger    *zap.Logger
}

// Decode validates a patch_queue message. These messages carry no task_id,
// so worker.DecodeEnvelope is not applied and the returned Envelope is empty.
func (p *Processor) Decode(body []byte) (worker.Envelope, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return worker.Envelope{}, crserrors.ParseError("patch_queue message", "json", err)
	}
	if req.BugProfileID == 0 {
		return worker.Envelope{}, crserrors.PoisonError(queue.PatchQueue, "missing bug_profile_id")
	}
	switch req.PatchMode {
	case ModeGeneric, ModeFast, ModeNone:
	default:
		return worker.Envelope{}, crserrors.PoisonError(queue.PatchQueue, "unrecognized patch_mode")
	}
	return worker.Envelope{}, nil
}

func (p *Processor) Process(ctx context.Context, workspaceDir string, body []byte) error {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return crserrors.ParseError("patch_queue message", "json", err)
	}
	if req.PatchMode == ModeNone {
		// An explicit no-op request; nothing to generate or replay.
		return nil
	}

	profile, err := p.Store.GetBugProfile(ctx, req.BugProfileID)
	if err != nil {
		return err
	}
	bugs, err := p.Store.BugsForProfile(ctx, req.BugProfileID)
	if err != nil {
		return err
	}
	if len(bugs) == 0 {
		// Nothing to replay against; not an error, just nothing to do yet.
		return nil
	}

	patchText, modelName, err := p.Generator.GeneratePatch(ctx, workspaceDir, profile, bugs, req.PatchMode)
	if err != nil {
		return crserrors.BuildError(profile.TaskID, profile.HarnessName, err)
	}

	patchID, err := p.Store.InsertPatch(ctx, model.Patch{
		BugProfileID: req.BugProfileID,
		PatchText:    patchText,
		Model:        modelName,
	})
	if err != nil {
		return err
	}

	repaired, err := p.Replayer.Replay(ctx, workspaceDir, patchText, profile, bugs)
	if err != nil {
		return crserrors.Wrap(crserrors.KindReplayAmbiguous, "replay patch", err)
	}

	for _, bug := range bugs {
		if err := p.Store.InsertPatchBug(ctx, model.PatchBug{
			PatchID:  patchID,
			BugID:    bug.ID,
			Repaired: repaired[bug.ID],
		}); err != nil {
			return err
		}
	}
	return nil
}
