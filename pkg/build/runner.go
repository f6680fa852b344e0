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

package build

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jordigilh/crs-fabric/pkg/coordination"
	crserrors "github.com/jordigilh/crs-fabric/pkg/shared/errors"
)

const runnerImage = "crs-fabric/reproducer-base"

// RunnerName is the deterministic container name for a pod's runner
// serving one (instance, task, sanitizer, state) tuple, per spec §4.4.
func RunnerName(instance, taskID, sanitizer, state string) string {
	return fmt.Sprintf("reproducer_triage_runner_%s_%s_%s_%s", instance, taskID, sanitizer, state)
}

// EnsureRunner launches the long-lived runner container for tuple if the
// per-pod runner_status sentinel is not already "launched", mounting
// outDir read-only at /out and pocDir writable at /poc.
func (s *Substrate) EnsureRunner(ctx context.Context, instance string, tuple Tuple, outDir, pocDir string, docker *Client) (string, error) {
	statusKey := coordination.TriageRunnerStatusKey(instance, tuple.TaskID, tuple.Sanitizer, string(tuple.State))
	name := RunnerName(instance, tuple.TaskID, tuple.Sanitizer, string(tuple.State))

	status, err := s.cs.Get(ctx, statusKey)
	if err != nil {
		return "", err
	}
	if status == "launched" {
		existing, err := docker.ContainerByName(ctx, name)
		if err != nil {
			return "", err
		}
		if existing != nil {
			return name, nil
		}
		// Sentinel says launched but the container is gone (evicted,
		// host rebooted); fall through and relaunch.
	}

	binds := []string{
		outDir + ":/out:ro",
		pocDir + ":/poc:rw",
	}
	id, err := docker.CreateContainer(ctx, name, runnerImage, []string{"sleep", "infinity"}, binds)
	if err != nil {
		return "", err
	}
	if err := docker.StartContainer(ctx, id); err != nil {
		return "", err
	}
	if err := s.cs.Set(ctx, statusKey, "launched", 0); err != nil {
		return "", err
	}
	return name, nil
}

// ReplayOutcome classifies the result of replay_poc (spec §4.4).
type ReplayOutcome int

const (
	ReplayNoCrash ReplayOutcome = iota
	ReplayCrash
	ReplayTimeout
	ReplayRunnerDied
)

// ReplayResult carries the outcome plus the raw runner output, which
// downstream triage parses for sanitizer report grammar.
type ReplayResult struct {
	Outcome ReplayOutcome
	Output  string
}

// DefaultReplayTimeout and MaxReplayTimeout bound a single invocation per
// spec §4.4 ("hard cap per invocation (default 60-600s)").
const (
	DefaultReplayTimeout = 60 * time.Second
	MaxReplayTimeout     = 600 * time.Second
)

// ReplayPoC runs the harness against pocPath inside the named runner
// container using the deterministic libFuzzer replay invocation
// (`-runs=100`), classifying the result per spec §4.4's exit-code table.
// A runner-died outcome signals the caller to relaunch via EnsureRunner
// and retry once.
func ReplayPoC(ctx context.Context, docker *Client, runnerName, harness, pocPath string, timeout time.Duration) (ReplayResult, error) {
	if timeout <= 0 {
		timeout = DefaultReplayTimeout
	}
	if timeout > MaxReplayTimeout {
		timeout = MaxReplayTimeout
	}
	replayCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := []string{harness, "-runs=100", pocPath}
	result, err := docker.Exec(replayCtx, runnerName, cmd)
	if err != nil {
		return ReplayResult{}, crserrors.Wrap(crserrors.KindTransientInfra, "replay poc", err)
	}

	return ReplayResult{Outcome: classifyExit(result.ExitCode, result.Output), Output: result.Output}, nil
}

func classifyExit(exitCode int, output string) ReplayOutcome {
	switch {
	case exitCode == 137 || strings.Contains(output, "No such container"):
		return ReplayRunnerDied
	case exitCode == 70 || strings.Contains(output, "libFuzzer: timeout after"):
		return ReplayTimeout
	case exitCode == 0:
		return ReplayNoCrash
	default:
		return ReplayCrash
	}
}
