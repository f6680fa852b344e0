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

// Command crs-worker is the single binary every stage-worker, Submission
// Loop, Patch Submitter, and Control Plane process runs as, selected by
// subcommand so a deployment can scale each stage independently.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

var cfgPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "crs-worker",
		Short:         "Run one stage of the CRS distributed fuzzing pipeline",
		Long:          "crs-worker hosts every stage-worker, loop, and HTTP surface of the fabric as subcommands, each an independently scalable process.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML config file (defaults + environment apply on top)")

	root.AddCommand(
		newCorpusCmd(),
		newCminCmd(),
		newSeedgenCmd(),
		newSliceCmd(),
		newSliceR18Cmd(),
		newDirectedCmd(),
		newTriageCmd(),
		newTimeoutCmd(),
		newPatchCmd(),
		newSubmissionCmd(),
		newPatchSelectCmd(),
		newControlCmd(),
		newMigrateCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the crs-worker version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "crs-worker (dev)")
			return err
		},
	}
}
