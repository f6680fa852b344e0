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

// Package triage implements the Triage Engine (spec §4.6): replays a PoC
// in zero, one, or both repo states, parses the sanitizer report,
// assigns a stable bug-profile identity from the pentuple
// (task, harness, sanitizer, bug_type, trigger_point), and calls the
// Dedup oracle to decide cluster membership before fanning out patch
// work.
package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/jordigilh/crs-fabric/pkg/build"
	"github.com/jordigilh/crs-fabric/pkg/coordination"
	"github.com/jordigilh/crs-fabric/pkg/queue"
	crserrors "github.com/jordigilh/crs-fabric/pkg/shared/errors"
	"github.com/jordigilh/crs-fabric/pkg/shared/logging"
	"github.com/jordigilh/crs-fabric/pkg/store/model"
	"github.com/jordigilh/crs-fabric/pkg/triage/dedup"
	"github.com/jordigilh/crs-fabric/pkg/worker"
)

// Request is the triage_queue / timeout_queue payload (spec §6).
type Request struct {
	BugID          int64    `json:"bug_id"`
	TaskID         string   `json:"task_id"`
	TaskType       string   `json:"task_type"`
	Sanitizer      string   `json:"sanitizer"`
	HarnessName    string   `json:"harness_name"`
	PoCPath        string   `json:"poc_path"`
	ProjectName    string   `json:"project_name"`
	Focus          string   `json:"focus"`
	Repo           []string `json:"repo"`
	FuzzingTooling string   `json:"fuzzing_tooling"`
	Diff           string   `json:"diff,omitempty"`
}

// ParsedReport is the structured result of parsing a sanitizer crash
// report. The parser itself is out of this module's scope per spec §1.
type ParsedReport struct {
	BugType      string
	TriggerPoint string
	Summary      string
}

// ReportParser turns raw replay output into a ParsedReport, reporting ok
// = false when the output matches no known sanitizer grammar.
type ReportParser interface {
	Parse(output string) (ParsedReport, bool)
}

// Replayer ensures tuple's build and runner exist and replays pocPath
// against harness, returning the classified outcome. Implementations wrap
// pkg/build's Substrate/Client and handle the ReplayRunnerDied
// relaunch-and-retry loop internally (spec §4.4) so this package never
// sees that outcome.
type Replayer interface {
	Replay(ctx context.Context, tuple build.Tuple, harness, pocPath string) (build.ReplayResult, error)
}

// HarnessDiscoverer lists the harnesses built out for a project, used
// when a triage message's harness_name is the wildcard "*".
type HarnessDiscoverer func(ctx context.Context, projectName string) ([]string, error)

// Store is the Triage Engine's relational-store surface.
type Store interface {
	InsertBugProfile(ctx context.Context, p model.BugProfile) (int64, error)
	BugGroupExists(ctx context.Context, bugID, profileID int64) (bool, error)
	InsertBugGroup(ctx context.Context, g model.BugGroup) error
	InsertBugCluster(ctx context.Context, c model.BugCluster) (int64, error)
	InsertBugClusterGroup(ctx context.Context, g model.BugClusterGroup) error
	ClusterProfileIDs(ctx context.Context, clusterID int64) ([]int64, error)
	ClusterIDForProfile(ctx context.Context, profileID int64) (int64, error)
	ClusteredProfilesForTask(ctx context.Context, taskID string) ([]model.BugProfile, error)
}

// TimeoutOOMMode mirrors the TIMEOUT_OOM_TRIAGE env var (spec §6).
type TimeoutOOMMode string

const (
	TimeoutOOMNone      TimeoutOOMMode = "none"
	TimeoutOOMSender    TimeoutOOMMode = "sender"
	TimeoutOOMProcessor TimeoutOOMMode = "processor"
)

// Processor implements worker.Processor for triage_queue and timeout_queue.
type Processor struct {
	Bus        queue.Publisher
	CS         *coordination.Store
	Store      Store
	Replayer   Replayer
	Parser     ReportParser
	Oracle     dedup.Oracle
	Harnesses  HarnessDiscoverer
	Logger     *zap.Logger

	// TimeoutOOMMode routes timeout/OOM bugs to timeout_queue instead of
	// running dedup/patch when this instance is a "sender" (spec §4.6
	// step 4e); "processor" instances consume timeout_queue through this
	// same Processor with mode left at its default (none), since a
	// processor instance must still run the normal pipeline.
	TimeoutOOMMode TimeoutOOMMode
	// LogBrokenReport mirrors LOG_BROKEN_REPORT (spec §4.6 edge cases).
	LogBrokenReport bool
	// SharedRoot is where broken-report logs are written:
	// <SharedRoot>/logs/<tid>/<bug>/broken_output_{base,delta}.txt.
	SharedRoot string
}

func (p *Processor) Decode(body []byte) (worker.Envelope, error) {
	env, err := worker.DecodeEnvelope(body)
	if err != nil {
		return worker.Envelope{}, err
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return worker.Envelope{}, crserrors.ParseError("triage_queue message", "json", err)
	}
	if req.Sanitizer == "" || req.PoCPath == "" {
		return worker.Envelope{}, crserrors.PoisonError(queue.TriageQueue, "missing sanitizer or poc_path")
	}
	return env, nil
}

func (p *Processor) Process(ctx context.Context, workspaceDir string, body []byte) error {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return crserrors.ParseError("triage_queue message", "json", err)
	}

	status, err := p.CS.Get(ctx, coordination.TaskStatusKey(req.TaskID))
	if err != nil {
		return err
	}
	if status != string(model.TaskStatusProcessing) && status != string(model.TaskStatusWaiting) {
		// Step 1 skip gate: the task is no longer active.
		return nil
	}

	sanitizers, err := p.sanitizersInScope(req.Sanitizer)
	if err != nil {
		return err
	}
	harnesses, err := p.harnessesInScope(ctx, req)
	if err != nil {
		return err
	}

	for _, san := range sanitizers {
		for _, harness := range harnesses {
			if err := p.triageOne(ctx, req, san, harness); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Processor) sanitizersInScope(raw string) ([]model.Sanitizer, error) {
	if raw == "*" {
		return model.WildcardSanitizers, nil
	}
	san := model.Sanitizer(raw)
	if !model.KnownSanitizers[san] {
		if p.Logger != nil {
			p.Logger.Warn("unrecognized sanitizer, skipping", logging.NewFields().Component("triage").Custom("sanitizer", raw).ToZap()...)
		}
		return nil, nil
	}
	return []model.Sanitizer{san}, nil
}

func (p *Processor) harnessesInScope(ctx context.Context, req Request) ([]string, error) {
	if req.HarnessName != "*" {
		return []string{req.HarnessName}, nil
	}
	if p.Harnesses == nil {
		return nil, crserrors.Wrap(crserrors.KindFatal, "discover harnesses", fmt.Errorf("no harness discoverer configured"))
	}
	return p.Harnesses(ctx, req.ProjectName)
}

// triageOne runs steps 2-4 of spec §4.6 for one (sanitizer, harness) pair.
func (p *Processor) triageOne(ctx context.Context, req Request, sanitizer model.Sanitizer, harness string) error {
	isOOMSender := p.TimeoutOOMMode == TimeoutOOMSender

	if req.TaskType == string(model.TaskTypeDelta) {
		return p.triageDelta(ctx, req, sanitizer, harness, isOOMSender)
	}
	return p.triageFull(ctx, req, sanitizer, harness, isOOMSender)
}

func (p *Processor) triageFull(ctx context.Context, req Request, sanitizer model.Sanitizer, harness string, isOOMSender bool) error {
	result, err := p.Replayer.Replay(ctx, build.Tuple{TaskID: req.TaskID, Sanitizer: string(sanitizer), State: build.StateUnpatched}, harness, req.PoCPath)
	if err != nil {
		return err
	}
	report, crashed := interpretReplay(p.Parser, harness, result)
	if !crashed {
		p.logBrokenOrNoCrash(ctx, req, "base", result, harness)
		return nil
	}
	return p.routeOrDedup(ctx, req, sanitizer, harness, report, false, isOOMSender)
}

func (p *Processor) triageDelta(ctx context.Context, req Request, sanitizer model.Sanitizer, harness string, isOOMSender bool) error {
	baseResult, err := p.Replayer.Replay(ctx, build.Tuple{TaskID: req.TaskID, Sanitizer: string(sanitizer), State: build.StateUnpatched}, harness, req.PoCPath)
	if err != nil {
		return err
	}
	if _, baseCrashed := interpretReplay(p.Parser, harness, baseResult); baseCrashed {
		// The crash already reproduces on the unpatched base: not a new
		// bug introduced by the diff, so triage ignores it.
		return nil
	}

	patchedResult, err := p.Replayer.Replay(ctx, build.Tuple{TaskID: req.TaskID, Sanitizer: string(sanitizer), State: build.StatePatched}, harness, req.PoCPath)
	if err != nil {
		return err
	}
	report, crashed := interpretReplay(p.Parser, harness, patchedResult)
	if !crashed {
		p.logBrokenOrNoCrash(ctx, req, "delta", patchedResult, harness)
		return nil
	}
	return p.routeOrDedup(ctx, req, sanitizer, harness, report, true, isOOMSender)
}

// interpretReplay maps a replay outcome to a ParsedReport, synthesizing
// the timeout bug_type directly from the exit-code classification rather
// than asking the report parser to recognize it (spec §4.4/§4.6).
func interpretReplay(parser ReportParser, harness string, result build.ReplayResult) (ParsedReport, bool) {
	switch result.Outcome {
	case build.ReplayTimeout:
		return ParsedReport{BugType: "Timeout", TriggerPoint: harness, Summary: result.Output}, true
	case build.ReplayCrash:
		report, ok := parser.Parse(result.Output)
		return report, ok
	default:
		return ParsedReport{}, false
	}
}

func isTimeoutOrOOM(bugType string) bool {
	lower := strings.ToLower(bugType)
	return lower == "timeout" || strings.Contains(lower, "out-of-memory") || strings.Contains(lower, "out of memory")
}

func (p *Processor) logBrokenOrNoCrash(ctx context.Context, req Request, state string, result build.ReplayResult, harness string) {
	if result.Outcome == build.ReplayNoCrash {
		if p.Logger != nil {
			p.Logger.Info("replay produced no crash", logging.NewFields().Component("triage").TaskID(req.TaskID).Resource("harness", harness).ToZap()...)
		}
		return
	}
	if !p.LogBrokenReport || p.SharedRoot == "" {
		return
	}
	dir := filepath.Join(p.SharedRoot, "logs", req.TaskID, fmt.Sprint(req.BugID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		if p.Logger != nil {
			p.Logger.Warn("failed to create broken-report log dir", logging.NewFields().Component("triage").Error(err).ToZap()...)
		}
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("broken_output_%s.txt", state))
	if err := os.WriteFile(path, []byte(result.Output), 0o644); err != nil && p.Logger != nil {
		p.Logger.Warn("failed to write broken-report log", logging.NewFields().Component("triage").Error(err).ToZap()...)
	}
}
