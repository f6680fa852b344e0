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
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/crs-fabric/internal/config"
	"github.com/jordigilh/crs-fabric/pkg/build"
	"github.com/jordigilh/crs-fabric/pkg/coordination"
)

// deps is the infrastructure every crs-builder subcommand needs: the
// Coordination Store (for the build lock/cache protocol and host list),
// the Build/Reproduction Substrate, and the remote-host pool the build
// subcommand picks its Docker daemon from.
type deps struct {
	cfg    *config.Config
	logger *zap.Logger
	cs     *coordination.Store
	subs   *build.Substrate
	hosts  *build.HostPool
}

func newDeps() (*deps, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	cs := coordination.New(coordination.Options{
		SentinelAddrs: cfg.Coordination.SentinelHosts,
		MasterName:    cfg.Coordination.MasterName,
		Password:      cfg.Coordination.Password,
		DialTimeout:   5 * time.Second,
	}, logger)

	return &deps{
		cfg:    cfg,
		logger: logger,
		cs:     cs,
		subs:   build.NewSubstrate(cs, logger, 30*time.Minute),
		hosts:  build.NewHostPool(cs, logger),
	}, nil
}

// cmdContext is canceled on SIGINT/SIGTERM so a long build or replay can
// still flush its CS state instead of being killed mid-write.
func cmdContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx
}
