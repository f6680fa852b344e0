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

// Package cmin implements the corpus-minimization worker (spec §4.5,
// §4.7): thins a corpus down to a feature-minimal cover, recording
// feature -> filename mappings in the coordination store with
// monotonic, never-overwritten semantics.
package cmin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jordigilh/crs-fabric/pkg/coordination"
	"github.com/jordigilh/crs-fabric/pkg/queue"
	crserrors "github.com/jordigilh/crs-fabric/pkg/shared/errors"
	"github.com/jordigilh/crs-fabric/pkg/worker"
)

// Request is the cmin_queue payload (spec §6).
type Request struct {
	TaskID  string `json:"task_id"`
	Harness string `json:"harness"`
	Seeds   string `json:"seeds"`
}

// RequeueDelay is the fixed delay before a cmin message whose harness
// artifact isn't built yet is requeued. The spec explicitly leaves an
// exponential-backoff variant as an open design question it does not
// resolve (§9), so this module keeps the literal 5s rather than
// inventing a backoff policy the spec doesn't ask for.
// TODO: revisit once the exponential-backoff variant is specified.
const RequeueDelay = 5 * time.Second

// HarnessRunner runs the harness binary with the dedup/hashing flag and
// returns the raw stdout lines of form "clustercmin:<feature>:<filename>"
// (spec §4.7). The actual binary invocation is an external OSS-Fuzz
// harness concern, out of this module's scope (spec §1).
type HarnessRunner interface {
	Run(ctx context.Context, artifactPath, seedsTarball, workspaceDir string) (output string, err error)
}

// Processor implements worker.Processor for cmin_queue.
type Processor struct {
	CS     *coordination.Store
	Runner HarnessRunner
	// RequeueDelay overrides the package-level RequeueDelay when non-zero;
	// tests set this to a sub-millisecond value to avoid sleeping for the
	// production default.
	RequeueDelay time.Duration
}

func (p *Processor) requeueDelay() time.Duration {
	if p.RequeueDelay > 0 {
		return p.RequeueDelay
	}
	return RequeueDelay
}

func (p *Processor) Decode(body []byte) (worker.Envelope, error) {
	env, err := worker.DecodeEnvelope(body)
	if err != nil {
		return worker.Envelope{}, err
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return worker.Envelope{}, crserrors.ParseError("cmin_queue message", "json", err)
	}
	if req.Harness == "" {
		return worker.Envelope{}, crserrors.PoisonError(queue.CminQueue, "missing harness")
	}
	return env, nil
}

func (p *Processor) Process(ctx context.Context, workspaceDir string, body []byte) error {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return crserrors.ParseError("cmin_queue message", "json", err)
	}

	artifactKey := coordination.ArtifactKey(req.TaskID, req.Harness, "none", "cmin", "after")
	artifactPath, err := p.CS.Get(ctx, artifactKey)
	if err != nil {
		return err
	}
	if artifactPath == "" {
		failedKey := fmt.Sprintf("artifacts:%s:cmin:failed", req.TaskID)
		failed, err := p.CS.Get(ctx, failedKey)
		if err != nil {
			return err
		}
		if failed != "" {
			// The build already failed for this task; dropping avoids an
			// infinite requeue loop waiting on an artifact that will
			// never appear.
			return nil
		}
		time.Sleep(p.requeueDelay())
		return crserrors.Wrap(crserrors.KindTransientInfra, "await cmin artifact", nil)
	}

	output, err := p.Runner.Run(ctx, artifactPath, req.Seeds, workspaceDir)
	if err != nil {
		return crserrors.BuildError(req.TaskID, "", err)
	}

	featureToFile := parseClusterCminOutput(output)

	featuresKey := coordination.CminFeaturesKey(req.TaskID, req.Harness)
	for feature, filename := range featureToFile {
		fileKey := coordination.CminFileKey(req.TaskID, req.Harness, feature)
		existing, err := p.CS.Get(ctx, fileKey)
		if err != nil {
			return err
		}
		if existing != "" {
			// Monotone: never overwrite an existing feature->filename
			// mapping (spec §4.7).
			continue
		}
		won, err := p.CS.SetNX(ctx, fileKey, filename, 0)
		if err != nil {
			return err
		}
		if !won {
			continue
		}
		if err := p.CS.SAdd(ctx, featuresKey, strconv.FormatInt(feature, 10)); err != nil {
			return err
		}
	}
	return nil
}

// parseClusterCminOutput parses lines of form "clustercmin:<feature>:<filename>"
// into a feature -> filename map, keeping the first filename seen for a
// feature within this run (a later duplicate within the same output
// doesn't change the mapping; CS-level monotonicity is enforced by
// Process's SetNX check across runs).
func parseClusterCminOutput(output string) map[int64]string {
	result := make(map[int64]string)
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		const prefix = "clustercmin:"
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		rest := strings.TrimPrefix(line, prefix)
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 {
			continue
		}
		feature, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			continue
		}
		if _, exists := result[feature]; exists {
			continue
		}
		result[feature] = parts[1]
	}
	return result
}
