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

// Package seedgen implements the generative seeding worker (spec §4.5):
// for each configured model, runs the generic/minimal/codex/MCP-adapter
// generation strategies, persists one Seed row per model-strategy-harness
// result, forwards non-JVM seeds to minimization, and (MCP mode only)
// additionally files each seed as a candidate Bug for triage.
package seedgen

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/jordigilh/crs-fabric/pkg/queue"
	crserrors "github.com/jordigilh/crs-fabric/pkg/shared/errors"
	"github.com/jordigilh/crs-fabric/pkg/store/model"
	"github.com/jordigilh/crs-fabric/pkg/worker"
)

// Request is the seedgen_queue payload (spec §6: "like corpus_queue").
type Request struct {
	TaskID         string   `json:"task_id"`
	TaskType       string   `json:"task_type"`
	ProjectName    string   `json:"project_name"`
	Focus          string   `json:"focus"`
	Repo           []string `json:"repo"`
	FuzzingTooling string   `json:"fuzzing_tooling"`
	Diff           string   `json:"diff,omitempty"`
}

// Strategy is one of the three independent generation approaches spec
// §4.5 names for the seedgen worker, plus the MCP-adapter variant.
type Strategy string

const (
	StrategyGeneric Strategy = "generic"
	StrategyMinimal Strategy = "minimal"
	StrategyCodex   Strategy = "codex"
	StrategyMCP     Strategy = "mcp"
)

// Strategies is every strategy the seedgen worker runs per configured
// model, in the order spec §4.5 lists them.
var Strategies = []Strategy{StrategyGeneric, StrategyMinimal, StrategyCodex, StrategyMCP}

// fuzzerOriginOf maps a generation strategy to the Seed.Fuzzer origin
// value spec §3 defines for it. The MCP-adapter strategy has no
// dedicated origin in the enum, so it's recorded under the general
// origin alongside the codex/minimal-specific ones.
func fuzzerOriginOf(s Strategy) model.FuzzerOrigin {
	switch s {
	case StrategyMinimal:
		return model.FuzzerSeedmini
	case StrategyCodex:
		return model.FuzzerSeedcodex
	case StrategyMCP:
		return model.FuzzerGeneral
	default:
		return model.FuzzerSeedgen
	}
}

// HarnessOutput is one strategy run's result for one harness: the
// shared-storage path of the generated seed tarball for that
// per-model-per-harness result directory.
type HarnessOutput struct {
	Harness string
	Path    string
}

// Generator runs one (model, strategy) generation pass across every
// harness discovered for req and returns its per-harness outputs. The
// generation logic itself (external model invocation, MCP tool calls) is
// out of this module's scope per spec §1.
type Generator interface {
	Generate(ctx context.Context, workspaceDir, model string, strategy Strategy, req Request) ([]HarnessOutput, error)
}

// SeedStore persists Seed rows and, for MCP-mode output, files a seed as
// a candidate Bug so the triage engine picks it up.
type SeedStore interface {
	InsertSeed(ctx context.Context, seed model.Seed) (int64, error)
	InsertBug(ctx context.Context, bug model.Bug) error
}

// Processor implements worker.Processor for seedgen_queue.
type Processor struct {
	Bus       queue.Publisher
	Seeds     SeedStore
	Generator Generator
	// Models is the configured list of models to run every strategy
	// against (spec §4.5: "across a configured list of models").
	Models []string
	Logger *zap.Logger
	// IsJVM reports whether req.ProjectName builds on the JVM, gating the
	// cmin_queue fanout the same way the corpus worker does.
	IsJVM func(ctx context.Context, projectName string) (bool, error)
}

func (p *Processor) Decode(body []byte) (worker.Envelope, error) {
	env, err := worker.DecodeEnvelope(body)
	if err != nil {
		return worker.Envelope{}, err
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return worker.Envelope{}, crserrors.ParseError("seedgen_queue message", "json", err)
	}
	if req.ProjectName == "" {
		return worker.Envelope{}, crserrors.PoisonError(queue.SeedgenQueue, "missing project_name")
	}
	return env, nil
}

func (p *Processor) Process(ctx context.Context, workspaceDir string, body []byte) error {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return crserrors.ParseError("seedgen_queue message", "json", err)
	}

	isJVM := false
	if p.IsJVM != nil {
		var err error
		isJVM, err = p.IsJVM(ctx, req.ProjectName)
		if err != nil {
			return err
		}
	}

	for _, m := range p.Models {
		for _, strategy := range Strategies {
			outputs, err := p.Generator.Generate(ctx, workspaceDir, m, strategy, req)
			if err != nil {
				return crserrors.BuildError(req.ProjectName, m, err)
			}
			for _, out := range outputs {
				if err := p.persistOutput(ctx, req, m, strategy, out, isJVM); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (p *Processor) persistOutput(ctx context.Context, req Request, modelName string, strategy Strategy, out HarnessOutput, isJVM bool) error {
	metric, _ := json.Marshal(map[string]any{"model": modelName, "strategy": string(strategy)})
	seed := model.Seed{
		TaskID:      req.TaskID,
		Path:        out.Path,
		HarnessName: out.Harness,
		Fuzzer:      fuzzerOriginOf(strategy),
		Instance:    modelName,
		MetricRaw:   metric,
	}
	if _, err := p.Seeds.InsertSeed(ctx, seed); err != nil {
		return err
	}

	if !isJVM {
		cmin := cminRequest{TaskID: req.TaskID, Harness: out.Harness, Seeds: out.Path}
		body, err := json.Marshal(cmin)
		if err != nil {
			return err
		}
		if err := p.Bus.Publish(ctx, queue.CminQueue, body, queue.PublishOptions{}); err != nil {
			return err
		}
	}

	if strategy == StrategyMCP {
		bug := model.Bug{
			TaskID:      req.TaskID,
			PoCPath:     out.Path,
			HarnessName: out.Harness,
			Sanitizer:   model.SanitizerNone,
		}
		if err := p.Seeds.InsertBug(ctx, bug); err != nil {
			return err
		}
	}
	return nil
}

type cminRequest struct {
	TaskID  string `json:"task_id"`
	Harness string `json:"harness"`
	Seeds   string `json:"seeds"`
}
