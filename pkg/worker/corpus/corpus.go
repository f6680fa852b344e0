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

// Package corpus implements the corpus worker (spec §4.5): extracts a
// task's sources and fuzz tooling, runs the project's corpus-grab logic,
// writes a Seed row per harness, and fans out to the minimization and
// triage-seeding downstream stages.
package corpus

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/jordigilh/crs-fabric/pkg/queue"
	crserrors "github.com/jordigilh/crs-fabric/pkg/shared/errors"
	"github.com/jordigilh/crs-fabric/pkg/store/model"
	"github.com/jordigilh/crs-fabric/pkg/worker"
)

// Request is the corpus_queue payload (spec §6's corpus_queue row).
type Request struct {
	TaskID         string   `json:"task_id"`
	TaskType       string   `json:"task_type"`
	ProjectName    string   `json:"project_name"`
	Focus          string   `json:"focus"`
	Repo           []string `json:"repo"`
	FuzzingTooling string   `json:"fuzzing_tooling"`
	Diff           string   `json:"diff,omitempty"`
}

// SeedStore persists Seed rows.
type SeedStore interface {
	InsertSeed(ctx context.Context, seed model.Seed) (int64, error)
	InsertCorpusBug(ctx context.Context, taskID, harness, seedPath string) error
}

// Extractor runs the project-specific corpus-grab logic (an external
// OSS-Fuzz helper, out of this module's scope per spec §1) and returns
// one tarball path and the set of harnesses discovered per project.
type Extractor interface {
	Extract(ctx context.Context, workspaceDir string, req Request) (harnesses []string, tarballPath string, err error)
}

// Classifier labels a harness's fuzzer entrypoint source with the PoC file
// type it consumes (grounded on PoC_type_classifier_LLM.py's
// find_files_with_fuzzer_function + get_filetype, which walk a project's
// fuzzer source and ask an LLM to name the input format). A narrow seam:
// the classifier is an external call and its result is advisory, so a
// failure here degrades to an unlabeled seed rather than failing the task.
type Classifier interface {
	Classify(ctx context.Context, projectName, harness string) (pocType string, err error)
}

// Processor implements worker.Processor for corpus_queue.
type Processor struct {
	Bus        queue.Publisher
	Seeds      SeedStore
	Extractor  Extractor
	Classifier Classifier
	Logger     *zap.Logger
	// IsJVM reports whether the project at req.ProjectName builds on the
	// JVM, which skips the "save every seed as a potential Bug" fanout
	// (spec §4.5: "for non-JVM tasks, additionally save...").
	IsJVM func(ctx context.Context, projectName string) (bool, error)
}

func (p *Processor) Decode(body []byte) (worker.Envelope, error) {
	env, err := worker.DecodeEnvelope(body)
	if err != nil {
		return worker.Envelope{}, err
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return worker.Envelope{}, crserrors.ParseError("corpus_queue message", "json", err)
	}
	if req.ProjectName == "" || len(req.Repo) == 0 {
		return worker.Envelope{}, crserrors.PoisonError(queue.CorpusQueue, "missing project_name or repo")
	}
	return env, nil
}

func (p *Processor) Process(ctx context.Context, workspaceDir string, body []byte) error {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return crserrors.ParseError("corpus_queue message", "json", err)
	}

	harnesses, _, err := p.Extractor.Extract(ctx, workspaceDir, req)
	if err != nil {
		return crserrors.BuildError(req.ProjectName, "", err)
	}

	isJVM := false
	if p.IsJVM != nil {
		isJVM, err = p.IsJVM(ctx, req.ProjectName)
		if err != nil {
			return err
		}
	}

	for _, harness := range harnesses {
		seedPath := worker.WorkspacePath(workspaceDir, "corpus", harness, "seeds.tar")
		metricFields := map[string]any{"source": "corpus", "task_type": req.TaskType}
		if p.Classifier != nil {
			pocType, err := p.Classifier.Classify(ctx, req.ProjectName, harness)
			if err != nil {
				if p.Logger != nil {
					p.Logger.Warn("PoC type classification failed, leaving seed unlabeled",
						zap.String("project_name", req.ProjectName), zap.String("harness_name", harness), zap.Error(err))
				}
			} else if pocType != "" {
				metricFields["poc_type"] = pocType
			}
		}
		metric, _ := json.Marshal(metricFields)
		seed := model.Seed{
			TaskID:      req.TaskID,
			Path:        seedPath,
			HarnessName: harness,
			Fuzzer:      model.FuzzerCorpus,
			MetricRaw:   metric,
		}
		id, err := p.Seeds.InsertSeed(ctx, seed)
		if err != nil {
			return err
		}
		_ = id

		if err := p.Bus.Publish(ctx, queue.CminQueue, mustJSON(cminRequest{TaskID: req.TaskID, Harness: harness, Seeds: seedPath}), queue.PublishOptions{}); err != nil {
			return err
		}

		if !isJVM {
			if err := p.Seeds.InsertCorpusBug(ctx, req.TaskID, harness, seedPath); err != nil {
				return err
			}
		}
	}
	return nil
}

type cminRequest struct {
	TaskID  string `json:"task_id"`
	Harness string `json:"harness"`
	Seeds   string `json:"seeds"`
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// v is always one of this package's own plain structs; a marshal
		// failure here means a programming error, not a runtime fault.
		panic(err)
	}
	return b
}
