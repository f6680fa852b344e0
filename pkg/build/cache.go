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
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jordigilh/crs-fabric/pkg/coordination"
	crserrors "github.com/jordigilh/crs-fabric/pkg/shared/errors"
	"github.com/jordigilh/crs-fabric/pkg/shared/logging"
)

// RepoState is whether a build tuple reflects the diff applied or not.
type RepoState string

const (
	StateUnpatched RepoState = "unpatched"
	StatePatched   RepoState = "patched"
)

const (
	buildStatusDone     = "done"
	buildStatusBuilding = "building"
)

// Tuple identifies one BRS build: a task, its sanitizer, and repo state.
type Tuple struct {
	TaskID    string
	Sanitizer string
	State     RepoState
}

func (t Tuple) lockName() string {
	return fmt.Sprintf("triage:global:%s:%s:%s:build", t.TaskID, t.Sanitizer, t.State)
}

// Substrate orchestrates the build-cache/lock protocol of spec §4.4. It
// holds no build logic of its own beyond the caching/locking envelope;
// BuildFunc supplies the actual "extract + build fuzzers" work, since that
// step depends on the OSS-Fuzz helper tooling out of this module's scope.
type Substrate struct {
	cs      *coordination.Store
	logger  *zap.Logger
	flight  singleflight.Group
	lockTTL time.Duration
}

// BuildFunc performs the actual image/fuzzer build for tuple, writing its
// output under outDir (the shared-storage path Substrate computes), and
// returning an error classified per spec §7 (KindBuildFailure on a
// nonzero helper-script exit).
type BuildFunc func(ctx context.Context, tuple Tuple, outDir string) error

func NewSubstrate(cs *coordination.Store, logger *zap.Logger, lockTTL time.Duration) *Substrate {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}
	return &Substrate{cs: cs, logger: logger, lockTTL: lockTTL}
}

// OutputDir is the shared-storage path a completed build writes its
// `build/out/<project>` copy to: build_cache/<tid>/<san>/<state>/<project>.
func OutputDir(sharedRoot, project string, tuple Tuple) string {
	return fmt.Sprintf("%s/build_cache/%s/%s/%s/%s", sharedRoot, tuple.TaskID, tuple.Sanitizer, tuple.State, project)
}

// EnsureBuilt runs the locking/caching protocol: acquire the build lock,
// check for a `done` sentinel, and either reuse the cache or invoke build.
// Concurrent callers for the same tuple within one process are coalesced
// via singleflight so only one of them contends for the CS lock.
func (s *Substrate) EnsureBuilt(ctx context.Context, tuple Tuple, outDir string, build BuildFunc) error {
	key := tuple.lockName()
	_, err, _ := s.flight.Do(key, func() (interface{}, error) {
		return nil, s.ensureBuiltOnce(ctx, tuple, outDir, build)
	})
	return err
}

func (s *Substrate) ensureBuiltOnce(ctx context.Context, tuple Tuple, outDir string, build BuildFunc) error {
	statusKey := coordination.TriageBuildStatusKey(tuple.TaskID, tuple.Sanitizer, string(tuple.State))

	status, err := s.cs.Get(ctx, statusKey)
	if err != nil {
		return err
	}
	if status == buildStatusDone {
		return nil
	}

	lock, won, err := s.cs.AcquireLock(ctx, tuple.lockName(), s.lockTTL)
	if err != nil {
		return err
	}
	if !won {
		// Another worker holds the build lock. The caller's retry path
		// (requeue-to-tail) will revisit this tuple; the build is
		// idempotent because `done` is only written on success.
		return crserrors.Wrap(crserrors.KindTransientInfra, "await concurrent build", nil)
	}
	defer func() {
		if relErr := lock.Release(ctx); relErr != nil && s.logger != nil {
			s.logger.Warn("failed to release build lock", logging.NewFields().Component("build").Resource("lock", tuple.lockName()).Error(relErr).ToZap()...)
		}
	}()

	// Re-check after acquiring: another worker may have finished the build
	// between our first read and winning the lock.
	status, err = s.cs.Get(ctx, statusKey)
	if err != nil {
		return err
	}
	if status == buildStatusDone {
		return nil
	}

	if err := s.cs.Set(ctx, statusKey, buildStatusBuilding, 0); err != nil {
		return err
	}

	if err := build(ctx, tuple, outDir); err != nil {
		return crserrors.BuildError(tuple.TaskID, tuple.Sanitizer, err)
	}

	return s.cs.Set(ctx, statusKey, buildStatusDone, 0)
}
