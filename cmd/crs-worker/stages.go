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
	"github.com/spf13/cobra"

	"github.com/jordigilh/crs-fabric/internal/toolchain"
	"github.com/jordigilh/crs-fabric/pkg/queue"
	"github.com/jordigilh/crs-fabric/pkg/worker"
	"github.com/jordigilh/crs-fabric/pkg/worker/cmin"
	"github.com/jordigilh/crs-fabric/pkg/worker/corpus"
	"github.com/jordigilh/crs-fabric/pkg/worker/directed"
	"github.com/jordigilh/crs-fabric/pkg/worker/patch"
	"github.com/jordigilh/crs-fabric/pkg/worker/seedgen"
	"github.com/jordigilh/crs-fabric/pkg/worker/slice"
	"github.com/jordigilh/crs-fabric/pkg/triage"
)

// runStage wires a freshly built deps and the given Processor into a
// worker.Stage and consumes queueName until the process is interrupted.
func runStage(queueName string, buildProcessor func(d *deps) worker.Processor) error {
	d, err := newDeps()
	if err != nil {
		return err
	}
	stage := &worker.Stage{
		Name:          queueName,
		QueueName:     queueName,
		Bus:           d.bus,
		CS:            d.cs,
		Processor:     buildProcessor(d),
		Logger:        d.logger,
		Prefetch:      d.cfg.Broker.PrefetchCount,
		RetryLimit:    d.cfg.Retry.TaskRetryLimit,
		WorkspaceRoot: d.cfg.Storage.Dir,
		Metric:        d.metric,
	}
	return stage.Run(cmdContext(), queue.DeclareOptions{})
}

func newCorpusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "corpus",
		Short: "Run the corpus extraction stage worker (corpus_queue)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage("corpus_queue", func(d *deps) worker.Processor {
				return &corpus.Processor{
					Bus:        d.bus,
					Seeds:      d.repo,
					Extractor:  &toolchain.Extractor{Exec: d.execTemplate("grab_corpus.sh %s %s")},
					Classifier: &toolchain.Classifier{Exec: d.execTemplate("classify_poc_type.sh %s %s")},
					Logger:     d.logger,
					IsJVM:      isJVMProject(d),
				}
			})
		},
	}
}

func newCminCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cmin",
		Short: "Run the corpus-minimization stage worker (cmin_queue)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage("cmin_queue", func(d *deps) worker.Processor {
				return &cmin.Processor{
					CS:     d.cs,
					Runner: &toolchain.HarnessRunner{Exec: d.execTemplate("run_cmin.sh %s %s %s")},
				}
			})
		},
	}
}

func newSeedgenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seedgen",
		Short: "Run the generative seeding stage worker (seedgen_queue)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage("seedgen_queue", func(d *deps) worker.Processor {
				return &seedgen.Processor{
					Bus:       d.bus,
					Seeds:     d.repo,
					Generator: &toolchain.Generator{Exec: d.execTemplate("generate_seeds.sh %s %s %s %s")},
					Models:    d.cfg.Fuzzing.SeedgenModels,
					Logger:    d.logger,
					IsJVM:     isJVMProject(d),
				}
			})
		},
	}
}

func newSliceCmdNamed(use, short, queueName string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(queueName, func(d *deps) worker.Processor {
				return &slice.Processor{
					Builder:   &toolchain.BitcodeBuilder{Exec: d.execTemplate("build_bitcode.sh %s %s")},
					Slicer:    &toolchain.Slicer{Exec: d.execTemplate("run_slice.sh %s %s")},
					Merger:    &toolchain.Merger{Exec: d.execTemplate("merge_slices.sh %s %s")},
					Store:     d.repo,
					Logger:    d.logger,
					Harnesses: harnessesDiscoverer(d),
				}
			})
		},
	}
}

func newSliceCmd() *cobra.Command {
	return newSliceCmdNamed("slice", "Run the reachability slicing stage worker (slice_queue)", "slice_queue")
}

func newSliceR18Cmd() *cobra.Command {
	return newSliceCmdNamed("slice-r18", "Run the reachability slicing stage worker (slice_queue_R18)", "slice_queue_R18")
}

func newDirectedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "directed",
		Short: "Run the directed-fuzzing stage worker (directed_queue)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage("directed_queue", func(d *deps) worker.Processor {
				exec := d.execTemplate("")
				return &directed.Processor{
					Bus:            d.bus,
					SliceRequester: &sliceRequester{bus: d.bus, repo: d.repo, queueName: "slice_queue"},
					Builder:        &toolchain.TargetBuilder{Exec: d.execTemplate("build_target.sh %s %s %s")},
					Launcher: &toolchain.Launcher{
						Exec:           exec,
						MasterTemplate: "launch_afl_master.sh %s %s &",
						SlaveTemplate:  "launch_afl_slave.sh %s %s %s &",
					},
					Observer: &toolchain.Observer{Exec: d.execTemplate("list_new_crashes.sh %s")},
					Syncer:   &toolchain.SeedSyncer{Exec: d.execTemplate("sync_seeds.sh %s")},
					Logger:   d.logger,
					SlaveCount: d.cfg.Fuzzing.AFLSlaveNum,
					Harnesses:  harnessesDiscoverer(d),
				}
			})
		},
	}
}

func newTriageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "triage",
		Short: "Run the triage engine stage worker (triage_queue)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage("triage_queue", func(d *deps) worker.Processor {
				return triageProcessor(d, triage.TimeoutOOMMode(d.cfg.Fuzzing.TimeoutOOMTriage), "triage_queue")
			})
		},
	}
}

func newTimeoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timeout",
		Short: "Run the timeout/OOM triage stage worker (timeout_queue)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage("timeout_queue", func(d *deps) worker.Processor {
				return triageProcessor(d, triage.TimeoutOOMNone, "timeout_queue")
			})
		},
	}
}

func triageProcessor(d *deps, mode triage.TimeoutOOMMode, queueName string) *triage.Processor {
	return &triage.Processor{
		Bus:       d.bus,
		CS:        d.cs,
		Store:     d.repo,
		Replayer:  newTriageReplayer(d),
		Parser:    toolchain.ReportParser{},
		Oracle:    newDedupOracle(),
		Harnesses: harnessesDiscoverer(d),
		Logger:    d.logger,

		TimeoutOOMMode:  mode,
		LogBrokenReport: d.cfg.Fuzzing.LogBrokenReport,
		SharedRoot:      d.cfg.Storage.Dir,
	}
}

func newPatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "patch",
		Short: "Run the patch-generation stage worker (patch_queue)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage("patch_queue", func(d *deps) worker.Processor {
				return &patch.Processor{
					Store:     d.repo,
					Generator: &toolchain.PatchGenerator{Exec: d.execTemplate("generate_patch.sh %s %s %s")},
					Replayer:  newPatchReplayer(d),
					Logger:    d.logger,
				}
			})
		},
	}
}
