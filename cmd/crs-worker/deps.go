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
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/crs-fabric/internal/config"
	"github.com/jordigilh/crs-fabric/internal/store"
	"github.com/jordigilh/crs-fabric/internal/toolchain"
	"github.com/jordigilh/crs-fabric/pkg/build"
	"github.com/jordigilh/crs-fabric/pkg/coordination"
	"github.com/jordigilh/crs-fabric/pkg/metrics"
	"github.com/jordigilh/crs-fabric/pkg/queue"
)

// deps is the infrastructure every subcommand wires its stage-specific
// Processor to: the message bus, the coordination store, the relational
// store, and a Docker client for the Build/Reproduction Substrate.
type deps struct {
	cfg    *config.Config
	logger *zap.Logger
	bus    *queue.Bus
	cs     *coordination.Store
	repo   *store.Repository
	docker *build.Client
	subs   *build.Substrate
	metric *metrics.Collector
}

func newDeps() (*deps, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger()
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	bus, err := queue.Dial(cfg.Broker.Host, logger)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	cs := coordination.New(coordination.Options{
		SentinelAddrs: cfg.Coordination.SentinelHosts,
		MasterName:    cfg.Coordination.MasterName,
		Password:      cfg.Coordination.Password,
		DialTimeout:   5 * time.Second,
	}, logger)

	repo, err := store.New(context.Background(), cfg.Database.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	docker, err := build.NewClient("")
	if err != nil {
		return nil, fmt.Errorf("connect docker: %w", err)
	}

	return &deps{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		cs:     cs,
		repo:   repo,
		docker: docker,
		subs:   build.NewSubstrate(cs, logger, 30*time.Minute),
		metric: metrics.NewCollector(),
	}, nil
}

// newLogger builds the zap logger every subcommand shares, production
// JSON encoding unless CRS_LOG_DEV opts into the human-readable console
// encoder for local runs.
func newLogger() (*zap.Logger, error) {
	if os.Getenv("CRS_LOG_DEV") != "" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// runnerContainer is the deterministic container-naming convention
// build.RunnerName already defines for the primary instance; adapters
// that only have a task/project identity (not the full replay tuple) use
// it as their ContainerResolver.
func (d *deps) runnerContainer(key string) string {
	return build.RunnerName("primary", key, "", "unpatched")
}

// execTemplate builds a toolchain.Exec bound to d's Docker client and
// runnerContainer resolver, running shellTemplate for every call.
func (d *deps) execTemplate(shellTemplate string) toolchain.Exec {
	return toolchain.Exec{Client: d.docker, Container: d.runnerContainer, Template: shellTemplate}
}

func harnessesDiscoverer(d *deps) func(ctx context.Context, projectName string) ([]string, error) {
	exec := d.execTemplate("list_harnesses.sh %s")
	return func(ctx context.Context, projectName string) ([]string, error) {
		out, err := exec.RunRaw(ctx, projectName, projectName)
		if err != nil {
			return nil, err
		}
		return splitNonEmptyLines(out), nil
	}
}

func isJVMProject(d *deps) func(ctx context.Context, projectName string) (bool, error) {
	exec := d.execTemplate("is_jvm_project.sh %s")
	return func(ctx context.Context, projectName string) (bool, error) {
		out, err := exec.RunRaw(ctx, projectName, projectName)
		if err != nil {
			return false, err
		}
		return out == "true", nil
	}
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
