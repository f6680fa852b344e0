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
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jordigilh/crs-fabric/pkg/control"
	"github.com/jordigilh/crs-fabric/pkg/patchselect"
	"github.com/jordigilh/crs-fabric/pkg/submission"
	"github.com/jordigilh/crs-fabric/pkg/submission/scoring"
)

// runLoop calls tick repeatedly on interval until the process is
// interrupted, logging (but not exiting on) individual tick errors so a
// single bad task doesn't take the whole loop down.
func runLoop(d *deps, name string, interval time.Duration, tick func() error) error {
	ctx := cmdContext()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := tick(); err != nil {
			d.logger.Error(name + " tick failed: " + err.Error())
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func newSubmissionCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "submission",
		Short: "Run the submission loop's fetch_data/submit/confirm/bundle passes on a fixed interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newDeps()
			if err != nil {
				return err
			}
			var notifier submission.Notifier
			if d.cfg.Slack.Token != "" {
				notifier = submission.NewSlackNotifier(d.cfg.Slack.Token, d.cfg.Slack.Channel)
			}
			proc := &submission.Processor{
				CS:       d.cs,
				Client:   scoring.NewClient(d.cfg.Scoring.BaseURL, nil),
				Store:    d.repo,
				Notifier: notifier,
				Logger:   d.logger,
			}
			return runLoop(d, "submission", interval, func() error {
				if err := proc.FetchData(cmdContext()); err != nil {
					return err
				}
				if err := proc.Submit(cmdContext()); err != nil {
					return err
				}
				if err := proc.Confirm(cmdContext()); err != nil {
					return err
				}
				return proc.Bundle(cmdContext())
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "how often to run the fetch_data/submit/confirm/bundle passes")
	return cmd
}

func newPatchSelectCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "patch-select",
		Short: "Run the Patch Submitter's scan pass across active tasks on a fixed interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newDeps()
			if err != nil {
				return err
			}
			proc := &patchselect.Processor{Store: d.repo, Logger: d.logger}
			return runLoop(d, "patch-select", interval, func() error {
				return proc.Scan(cmdContext())
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Minute, "how often to scan active tasks for eligible patches")
	return cmd
}

func newControlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "control",
		Short: "Serve the Control Plane HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newDeps()
			if err != nil {
				return err
			}
			server := &control.Server{CS: d.cs, Creator: d.repo, Logger: d.logger, Metrics: d.metric}
			d.logger.Info(fmt.Sprintf("control plane listening on %s", d.cfg.Control.Addr))
			return http.ListenAndServe(d.cfg.Control.Addr, server.Router())
		},
	}
}
