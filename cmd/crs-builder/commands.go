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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jordigilh/crs-fabric/pkg/build"
)

func newBuildCmd() *cobra.Command {
	var skipCheck bool
	var shareOSSFuzzPath string
	cmd := &cobra.Command{
		Use:   "build <project_name> <src_path> <task_id>",
		Short: "Build a project's fuzzers via the OSS-Fuzz helper and cache the result",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, srcPath, taskID := args[0], args[1], args[2]
			d, err := newDeps()
			if err != nil {
				return err
			}

			host, err := d.hosts.SelectHost(cmdContext())
			if err != nil {
				return fmt.Errorf("select build host: %w", err)
			}
			docker, err := build.NewClient(host)
			if err != nil {
				return fmt.Errorf("connect docker on %q: %w", host, err)
			}
			defer docker.Close()

			for _, sanitizer := range []string{"address", "memory", "undefined"} {
				tuple := build.Tuple{TaskID: taskID, Sanitizer: sanitizer, State: build.StateUnpatched}
				outDir := buildOutputDir(d, project, tuple)
				buildFn := ossFuzzBuildFunc(project, srcPath, sanitizer, skipCheck, shareOSSFuzzPath)
				if err := d.subs.EnsureBuilt(cmdContext(), tuple, outDir, buildFn); err != nil {
					return fmt.Errorf("build %s/%s: %w", project, sanitizer, err)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipCheck, "skip-check", false, "skip the post-build check_build validation step")
	cmd.Flags().StringVar(&shareOSSFuzzPath, "share-oss-fuzz-path", "", "reuse an existing OSS-Fuzz checkout instead of cloning one")
	return cmd
}

func newReproduceCrashCmd() *cobra.Command {
	var artifactPath string
	cmd := &cobra.Command{
		Use:   "reproduce-crash <task_id> <project> <harness> <testcase>",
		Short: "Replay a testcase against a cached build and print the classified outcome",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, project, harness, testcase := args[0], args[1], args[2], args[3]
			d, err := newDeps()
			if err != nil {
				return err
			}
			docker, err := build.NewClient("")
			if err != nil {
				return err
			}
			defer docker.Close()

			tuple := build.Tuple{TaskID: taskID, Sanitizer: "address", State: build.StateUnpatched}
			outDir := buildOutputDir(d, project, tuple)
			pocDir := artifactPath
			if pocDir == "" {
				pocDir = outDir + "/povs"
			}
			runnerName, err := d.subs.EnsureRunner(cmdContext(), "primary", tuple, outDir, pocDir, docker)
			if err != nil {
				return err
			}

			result, err := build.ReplayPoC(cmdContext(), docker, runnerName, harness, testcase, 0)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "project=%s outcome=%d output=%s\n", project, result.Outcome, result.Output)
			return err
		},
	}
	cmd.Flags().StringVar(&artifactPath, "artifact-path", "", "directory containing testcase, bind-mounted read-write into the runner")
	return cmd
}

func newRunWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-worker <project_name> <src_path> <task_id>",
		Short: "Build a project then keep its primary runner alive for interactive triage",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, srcPath, taskID := args[0], args[1], args[2]
			d, err := newDeps()
			if err != nil {
				return err
			}
			docker, err := build.NewClient("")
			if err != nil {
				return err
			}
			defer docker.Close()

			tuple := build.Tuple{TaskID: taskID, Sanitizer: "address", State: build.StateUnpatched}
			outDir := buildOutputDir(d, project, tuple)
			buildFn := ossFuzzBuildFunc(project, srcPath, tuple.Sanitizer, false, "")
			if err := d.subs.EnsureBuilt(cmdContext(), tuple, outDir, buildFn); err != nil {
				return err
			}

			runnerName, err := d.subs.EnsureRunner(cmdContext(), "primary", tuple, outDir, outDir+"/povs", docker)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "runner %s ready\n", runnerName)
			return err
		},
	}
}

func buildOutputDir(d *deps, project string, tuple build.Tuple) string {
	return build.OutputDir(d.cfg.Storage.Dir, project, tuple)
}

// ossFuzzBuildFunc wraps the OSS-Fuzz helper script (spec §6: "Invoked as
// a subprocess with arguments build_image --pull <project>, build_fuzzers
// ..."), the authoritative external build tool this design consumes but
// does not reimplement.
func ossFuzzBuildFunc(project, srcPath, sanitizer string, skipCheck bool, shareOSSFuzzPath string) build.BuildFunc {
	return func(ctx context.Context, tuple build.Tuple, outDir string) error {
		helper := ossFuzzHelper{sharePath: shareOSSFuzzPath}
		if err := helper.run(ctx, "build_image", "--pull", project); err != nil {
			return err
		}
		buildArgs := []string{"build_fuzzers", "--engine", "afl", "-e", "SANITIZER=" + sanitizer, "--clean", project, srcPath}
		if err := helper.run(ctx, buildArgs...); err != nil {
			return err
		}
		if !skipCheck {
			if err := helper.run(ctx, "check_build", "--sanitizer", sanitizer, project); err != nil {
				return err
			}
		}
		return nil
	}
}
