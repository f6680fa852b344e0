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

package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/jordigilh/crs-fabric/internal/toolchain"
	"github.com/jordigilh/crs-fabric/pkg/build"
	"github.com/jordigilh/crs-fabric/pkg/queue"
	"github.com/jordigilh/crs-fabric/pkg/store/model"
	"github.com/jordigilh/crs-fabric/pkg/triage/dedup"
	"github.com/jordigilh/crs-fabric/pkg/worker/directed"
	"github.com/jordigilh/crs-fabric/pkg/worker/slice"
)

// cmdContext is canceled on SIGINT/SIGTERM so every subcommand's Stage.Run
// loop drains in-flight work instead of dying mid-message.
func cmdContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx
}

// sliceRequester implements directed.SliceRequester by publishing the
// directed request onto the slicing queue it fans out to and polling the
// relational store for the slice worker's recorded result, since the
// slice worker has no direct reply channel back to the requester.
type sliceRequester struct {
	bus          queue.Publisher
	repo         interface {
		DirectedSliceResultPath(ctx context.Context, taskID string) (string, bool, error)
	}
	queueName    string
	pollInterval time.Duration
}

func (s *sliceRequester) RequestSlice(ctx context.Context, req directed.Request, maxWait time.Duration) (string, error) {
	payload, err := json.Marshal(slice.Request{
		TaskID:         req.TaskID,
		SliceID:        req.TaskID,
		ProjectName:    req.ProjectName,
		Focus:          req.Focus,
		Repo:           req.Repo,
		FuzzingTooling: req.FuzzingTooling,
		Diff:           req.Diff,
		SliceTarget:    model.SliceTargetDiff,
	})
	if err != nil {
		return "", err
	}
	queueName := s.queueName
	if queueName == "" {
		queueName = "slice_queue"
	}
	if err := s.bus.Publish(ctx, queueName, payload, queue.PublishOptions{}); err != nil {
		return "", err
	}

	interval := s.pollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if path, ok, err := s.repo.DirectedSliceResultPath(ctx, req.TaskID); err != nil {
			return "", err
		} else if ok {
			return path, nil
		}
		if !time.Now().Before(deadline) {
			return directed.NoResults, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// newTriageReplayer wires triage.Replayer to d's Build/Reproduction
// Substrate, storing build/PoC output under the task's shared-storage
// build_cache tree.
func newTriageReplayer(d *deps) *toolchain.TriageReplayer {
	return &toolchain.TriageReplayer{
		Substrate: d.subs,
		Docker:    d.docker,
		Instance:  "primary",
		OutDir: func(tuple build.Tuple) string {
			return filepath.Join(d.cfg.Storage.Dir, "build_cache", tuple.TaskID, tuple.Sanitizer, string(tuple.State))
		},
		PoCDir: func(tuple build.Tuple) string {
			return filepath.Join(d.cfg.Storage.Dir, "povs", tuple.TaskID)
		},
	}
}

// newPatchReplayer wires patch.Replayer the same way, adding a BuildFunc
// factory that drops the candidate patch into the task's shared-storage
// tree before invoking the external apply-and-build helper, since Docker
// exec has no stdin channel to stream the diff through directly.
func newPatchReplayer(d *deps) *toolchain.PatchReplayer {
	return &toolchain.PatchReplayer{
		Substrate: d.subs,
		Docker:    d.docker,
		Instance:  "primary",
		OutDir: func(tuple build.Tuple) string {
			return filepath.Join(d.cfg.Storage.Dir, "build_cache", tuple.TaskID, tuple.Sanitizer, string(tuple.State))
		},
		PoCDir: func(tuple build.Tuple) string {
			return filepath.Join(d.cfg.Storage.Dir, "povs", tuple.TaskID)
		},
		BuildFunc: func(patchText string) build.BuildFunc {
			return func(ctx context.Context, tuple build.Tuple, outDir string) error {
				if err := os.MkdirAll(outDir, 0o755); err != nil {
					return err
				}
				patchPath := filepath.Join(outDir, "candidate.diff")
				if err := os.WriteFile(patchPath, []byte(patchText), 0o644); err != nil {
					return err
				}
				exec := d.execTemplate("apply_patch_and_build.sh %s %s %s")
				_, err := exec.RunRaw(ctx, tuple.TaskID, outDir, patchPath, tuple.Sanitizer)
				return err
			}
		},
	}
}

// newDedupOracle wires dedup.Oracle to the Anthropic model named by
// ANTHROPIC_MODEL (defaulting to Claude Sonnet), authenticated with
// ANTHROPIC_API_KEY.
func newDedupOracle() *dedup.Client {
	modelName := os.Getenv("ANTHROPIC_MODEL")
	if modelName == "" {
		modelName = "claude-sonnet-4-20250514"
	}
	return dedup.NewClient(os.Getenv("ANTHROPIC_API_KEY"), anthropic.Model(modelName))
}
