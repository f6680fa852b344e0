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

// Package toolchain adapts the external OSS-Fuzz/AFL toolchain every
// stage worker's narrow interfaces declare "out of this module's scope"
// (spec §1) onto the Build/Reproduction Substrate's Docker exec facility.
// Each adapter runs a configurable shell command inside a task's runner
// container and interprets its stdout the way the owning worker expects.
package toolchain

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jordigilh/crs-fabric/pkg/build"
	crserrors "github.com/jordigilh/crs-fabric/pkg/shared/errors"
	"github.com/jordigilh/crs-fabric/pkg/worker/corpus"
	"github.com/jordigilh/crs-fabric/pkg/worker/directed"
	"github.com/jordigilh/crs-fabric/pkg/worker/seedgen"
	"github.com/jordigilh/crs-fabric/pkg/worker/slice"
)

// ContainerResolver names the runner container holding the filesystem a
// given key (a taskID, or failing that a workspace directory) resolves
// to — the same naming convention build.Substrate uses internally.
type ContainerResolver func(key string) string

// Exec is the shared façade every adapter in this package embeds: a
// Docker client, a container-name resolver, and the command template the
// deployment configured for the operation this adapter instance performs.
type Exec struct {
	Client    *build.Client
	Container ContainerResolver
	// Template is a shell command with %s placeholders filled positionally
	// by each adapter method's run call, executed via `sh -c`.
	Template string
}

// RunRaw executes the configured template inside the container containerKey
// resolves to, for the ad hoc lookups (harness discovery, JVM-project
// detection) that don't belong to any single worker's Processor
// interface.
func (e *Exec) RunRaw(ctx context.Context, containerKey string, templateArgs ...string) (string, error) {
	return e.run(ctx, containerKey, templateArgs...)
}

func (e *Exec) run(ctx context.Context, containerKey string, templateArgs ...string) (string, error) {
	args := make([]interface{}, len(templateArgs))
	for i, a := range templateArgs {
		args[i] = a
	}
	cmd := fmt.Sprintf(e.Template, args...)
	result, err := e.Client.Exec(ctx, e.Container(containerKey), []string{"sh", "-c", cmd})
	if err != nil {
		return "", crserrors.Wrap(crserrors.KindTransientInfra, "exec toolchain command", err)
	}
	if result.ExitCode != 0 {
		return "", crserrors.BuildError(containerKey, "", fmt.Errorf("exit %d: %s", result.ExitCode, result.Output))
	}
	return strings.TrimSpace(result.Output), nil
}

// HarnessRunner implements cmin.HarnessRunner: runs the harness binary
// with the corpus-minimization/dedup-hashing flag set.
type HarnessRunner struct{ Exec }

func (r *HarnessRunner) Run(ctx context.Context, artifactPath, seedsTarball, workspaceDir string) (string, error) {
	return r.run(ctx, workspaceDir, artifactPath, seedsTarball, workspaceDir)
}

// Extractor implements corpus.Extractor: runs the project's OSS-Fuzz
// corpus-grab helper and parses its "<harness>" / "tarball:<path>" stdout
// lines into the harness list plus the shared-storage tarball path.
type Extractor struct{ Exec }

func (e *Extractor) Extract(ctx context.Context, workspaceDir string, req corpus.Request) ([]string, string, error) {
	out, err := e.run(ctx, req.TaskID, workspaceDir, req.ProjectName)
	if err != nil {
		return nil, "", err
	}
	return parseHarnessTarballLines(out)
}

func parseHarnessTarballLines(out string) ([]string, string, error) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	var harnesses []string
	var tarball string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "tarball:") {
			tarball = strings.TrimPrefix(line, "tarball:")
			continue
		}
		harnesses = append(harnesses, line)
	}
	return harnesses, tarball, nil
}

// Classifier implements corpus.Classifier: runs the project's PoC-type
// classification helper, which walks the project's fuzzer entrypoint
// source and asks an LLM to name the input format the harness consumes,
// trimming its stdout to a single file-type label.
type Classifier struct{ Exec }

func (c *Classifier) Classify(ctx context.Context, projectName, harness string) (string, error) {
	return c.run(ctx, projectName, projectName, harness)
}

// Generator implements seedgen.Generator: runs the model/strategy-
// specific generation helper and parses "<harness>\t<path>" output lines
// into HarnessOutput results.
type Generator struct{ Exec }

func (g *Generator) Generate(ctx context.Context, workspaceDir, model string, strategy seedgen.Strategy, req seedgen.Request) ([]seedgen.HarnessOutput, error) {
	out, err := g.run(ctx, req.TaskID, workspaceDir, model, string(strategy), req.ProjectName)
	if err != nil {
		return nil, err
	}
	var outputs []seedgen.HarnessOutput
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		parts := strings.SplitN(strings.TrimSpace(scanner.Text()), "\t", 2)
		if len(parts) != 2 {
			continue
		}
		outputs = append(outputs, seedgen.HarnessOutput{Harness: parts[0], Path: parts[1]})
	}
	return outputs, nil
}

// BitcodeBuilder implements slice.BitcodeBuilder: runs the project's
// bitcode-build helper and returns the shared-storage bitcode path it
// prints.
type BitcodeBuilder struct{ Exec }

func (b *BitcodeBuilder) Build(ctx context.Context, workspaceDir string, req slice.Request) (string, error) {
	return b.run(ctx, req.TaskID, workspaceDir, req.ProjectName)
}

// Slicer implements slice.Slicer: runs the reachability pass for one
// harness against bitcodePath.
type Slicer struct{ Exec }

func (s *Slicer) Slice(ctx context.Context, bitcodePath, harness string, req slice.Request) (string, error) {
	return s.run(ctx, req.TaskID, bitcodePath, harness)
}

// Merger implements slice.Merger: unions the per-harness raw results into
// one merged result file. The interface carries no task identity, so the
// workspace directory itself doubles as the container-resolution key.
type Merger struct{ Exec }

func (m *Merger) Merge(ctx context.Context, workspaceDir string, resultPaths []string) (string, error) {
	return m.run(ctx, workspaceDir, workspaceDir, strings.Join(resultPaths, ","))
}

// TargetBuilder implements directed.TargetBuilder: builds the allowlist-
// instrumented AFL target from a slice result.
type TargetBuilder struct{ Exec }

func (t *TargetBuilder) BuildAllowlistTarget(ctx context.Context, workspaceDir string, req directed.Request, slicePath string) (string, error) {
	return t.run(ctx, req.TaskID, workspaceDir, slicePath, req.ProjectName)
}

// Launcher implements directed.Launcher: starts/stops the AFL master and
// slave processes via Docker exec, each backgrounded by its own detach
// command so the blocking Exec call returns once AFL forks.
type Launcher struct {
	Exec
	// MasterTemplate/SlaveTemplate override Exec.Template per role.
	MasterTemplate string
	SlaveTemplate  string
}

func (l *Launcher) LaunchMaster(ctx context.Context, targetPath, harness string) (func(), error) {
	runCtx, cancel := context.WithCancel(ctx)
	e := l.Exec
	e.Template = l.MasterTemplate
	if _, err := e.run(runCtx, harness, targetPath, harness); err != nil {
		cancel()
		return nil, err
	}
	return cancel, nil
}

func (l *Launcher) LaunchSlave(ctx context.Context, targetPath, harness string, slaveIndex int) (func(), error) {
	runCtx, cancel := context.WithCancel(ctx)
	e := l.Exec
	e.Template = l.SlaveTemplate
	if _, err := e.run(runCtx, harness, targetPath, harness, fmt.Sprintf("%d", slaveIndex)); err != nil {
		cancel()
		return nil, err
	}
	return cancel, nil
}

// Observer implements directed.Observer: polls a harness's crash
// directory on PollInterval and invokes onCrash for each new entry it
// finds, until the returned stop func is called.
type Observer struct {
	Exec
	PollInterval time.Duration
}

func (o *Observer) Observe(ctx context.Context, harness string, onCrash func(directed.CrashEvent)) (func(), error) {
	runCtx, cancel := context.WithCancel(ctx)
	interval := o.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		seen := make(map[string]bool)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				out, err := o.run(runCtx, harness, harness)
				if err != nil {
					continue
				}
				for _, line := range strings.Split(out, "\n") {
					line = strings.TrimSpace(line)
					if line == "" || seen[line] {
						continue
					}
					seen[line] = true
					onCrash(directed.CrashEvent{Harness: harness, PoCPath: line})
				}
			}
		}
	}()
	return cancel, nil
}

// SeedSyncer implements directed.SeedSyncer: periodically pushes a
// harness's newly discovered inputs to shared storage until ctx is
// canceled.
type SeedSyncer struct {
	Exec
	Interval time.Duration
}

func (s *SeedSyncer) Run(ctx context.Context, harness string) {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.run(ctx, harness, harness)
		}
	}
}
