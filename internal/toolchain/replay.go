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

package toolchain

import (
	"context"
	"regexp"

	"github.com/jordigilh/crs-fabric/pkg/build"
	"github.com/jordigilh/crs-fabric/pkg/store/model"
	"github.com/jordigilh/crs-fabric/pkg/triage"
	"github.com/jordigilh/crs-fabric/pkg/worker/patch"
)

// TriageReplayer implements triage.Replayer: ensures tuple's runner
// exists, replays pocPath, and relaunches+retries exactly once on a
// ReplayRunnerDied outcome, so the triage engine never observes it.
type TriageReplayer struct {
	Substrate *build.Substrate
	Docker    *build.Client
	Instance  string
	OutDir    func(tuple build.Tuple) string
	PoCDir    func(tuple build.Tuple) string
	Timeout   func() (timeout int64)
}

func (r *TriageReplayer) Replay(ctx context.Context, tuple build.Tuple, harness, pocPath string) (build.ReplayResult, error) {
	runnerName, err := r.Substrate.EnsureRunner(ctx, r.Instance, tuple, r.OutDir(tuple), r.PoCDir(tuple), r.Docker)
	if err != nil {
		return build.ReplayResult{}, err
	}

	result, err := build.ReplayPoC(ctx, r.Docker, runnerName, harness, pocPath, 0)
	if err != nil {
		return build.ReplayResult{}, err
	}
	if result.Outcome != build.ReplayRunnerDied {
		return result, nil
	}

	runnerName, err = r.Substrate.EnsureRunner(ctx, r.Instance, tuple, r.OutDir(tuple), r.PoCDir(tuple), r.Docker)
	if err != nil {
		return build.ReplayResult{}, err
	}
	return build.ReplayPoC(ctx, r.Docker, runnerName, harness, pocPath, 0)
}

// sanitizerErrorPattern matches the one-line summary every ASAN/MSAN/
// UBSAN report opens with, e.g. "==123==ERROR: AddressSanitizer:
// heap-buffer-overflow on address 0x...".
var sanitizerErrorPattern = regexp.MustCompile(`(?m)^==\d+==ERROR: \w+Sanitizer: ([\w-]+)`)

// stackFramePattern matches the first symbolized frame of the crash
// backtrace, e.g. "    #0 0x55f1 in frame_decode /src/frame.c:42:5".
var stackFramePattern = regexp.MustCompile(`(?m)#0 0x\S+ in (\S+)`)

// ReportParser implements triage.ReportParser with a best-effort regex
// match against the common sanitizer report grammar; output that doesn't
// match reports ok=false so the caller logs it as a broken report rather
// than filing a bogus profile (spec §4.6).
type ReportParser struct{}

func (ReportParser) Parse(output string) (triage.ParsedReport, bool) {
	errMatch := sanitizerErrorPattern.FindStringSubmatch(output)
	frameMatch := stackFramePattern.FindStringSubmatch(output)
	if errMatch == nil || frameMatch == nil {
		return triage.ParsedReport{}, false
	}
	bugType, triggerPoint := errMatch[1], frameMatch[1]
	return triage.ParsedReport{
		BugType:      bugType,
		TriggerPoint: triggerPoint,
		Summary:      bugType + " in " + triggerPoint,
	}, true
}

// PatchGenerator implements patch.Generator: runs the configured
// external patch-generation agent inside the task's workspace container
// and returns its raw diff output.
type PatchGenerator struct{ Exec }

func (g *PatchGenerator) GeneratePatch(ctx context.Context, workspaceDir string, profile model.BugProfile, bugs []model.Bug, mode patch.Mode) (string, string, error) {
	out, err := g.run(ctx, workspaceDir, workspaceDir, profile.TriggerPoint, string(mode))
	if err != nil {
		return "", "", err
	}
	return out, string(mode), nil
}

// PatchReplayer implements patch.Replayer: rebuilds the patched tuple via
// the Build/Reproduction Substrate and replays every bug in the profile's
// set against it, reporting which ones stopped reproducing.
type PatchReplayer struct {
	Substrate *build.Substrate
	Docker    *build.Client
	Instance  string
	OutDir    func(tuple build.Tuple) string
	PoCDir    func(tuple build.Tuple) string
	BuildFunc func(patchText string) build.BuildFunc
}

func (r *PatchReplayer) Replay(ctx context.Context, workspaceDir, patchText string, profile model.BugProfile, bugs []model.Bug) (map[int64]bool, error) {
	tuple := build.Tuple{TaskID: profile.TaskID, Sanitizer: string(profile.Sanitizer), State: build.StatePatched}
	outDir := r.OutDir(tuple)
	if err := r.Substrate.EnsureBuilt(ctx, tuple, outDir, r.BuildFunc(patchText)); err != nil {
		return nil, err
	}

	runnerName, err := r.Substrate.EnsureRunner(ctx, r.Instance, tuple, outDir, r.PoCDir(tuple), r.Docker)
	if err != nil {
		return nil, err
	}

	results := make(map[int64]bool, len(bugs))
	for _, bug := range bugs {
		result, err := build.ReplayPoC(ctx, r.Docker, runnerName, bug.HarnessName, bug.PoCPath, 0)
		if err != nil {
			return nil, err
		}
		results[bug.ID] = result.Outcome == build.ReplayNoCrash
	}
	return results, nil
}
