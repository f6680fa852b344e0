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

// Command crs-builder is the small CLI the builder subsystem exposes
// (spec §6): build, reproduce-crash, and run-worker, each a thin wrapper
// around the Build/Reproduction Substrate that a task-runner pod or
// operator invokes directly rather than through a queue message.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "crs-builder",
		Short:         "Build, reproduce, and run a single fuzzing task outside the queue pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML config file (defaults + environment apply on top)")
	root.AddCommand(newBuildCmd(), newReproduceCrashCmd(), newRunWorkerCmd())
	return root
}
