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

// Package patchselect implements the Patch Submitter (spec §4.8): a
// poll-based loop that, per active Task, builds a patch-to-bug-profile
// coverage map, prunes dominated patches, and selects a minimal covering
// set respecting the per-profile concurrent-submission cap before
// recording PatchSubmit rows for the Submission Loop to pick up.
package patchselect

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/crs-fabric/pkg/shared/logging"
	"github.com/jordigilh/crs-fabric/pkg/store/model"
)

// CatchAllBugCoverageThreshold is the "covers >=1000 bugs" implicit-
// coverage rule (spec §4.8, kept verbatim per the design's Open Question
// decision — its origin is unclear but no call site needs it tunable).
const CatchAllBugCoverageThreshold = 1000

// MaxValidPatchesPerProfile bounds how many concurrently-valid patches a
// BugProfile may have outstanding (spec §4.8's concurrency budget).
const MaxValidPatchesPerProfile = 3

// MaxScanInterval caps the per-task scan cadence regardless of how large
// a task's wall budget is.
const MaxScanInterval = time.Hour

// Store is the Patch Submitter's relational-store surface; every method
// is "delegated to RS" per spec §4.8, so this package only orchestrates
// the coverage/domination/selection algorithm.
type Store interface {
	ActiveTasks(ctx context.Context) ([]model.Task, error)
	LastScannedAt(ctx context.Context, taskID string) (time.Time, bool, error)
	RecordScan(ctx context.Context, taskID string) error
	// EligibleProfiles returns BugProfiles of taskID with no `failed`
	// BugProfileStatus and fewer than MaxValidPatchesPerProfile valid
	// patches (spec §4.8's enumeration step).
	EligibleProfiles(ctx context.Context, taskID string) ([]model.BugProfile, error)
	// AvailablePatches returns candidate Patches authored against any of
	// profileIDs.
	AvailablePatches(ctx context.Context, profileIDs []int64) ([]model.Patch, error)
	ProfileBugIDs(ctx context.Context, profileID int64) ([]int64, error)
	RepairedBugIDs(ctx context.Context, patchID int64) ([]int64, error)
	AlreadySubmittedPatchIDs(ctx context.Context, taskID string) (map[int64]bool, error)
	InsertPatchSubmit(ctx context.Context, patchID int64) error
}

// Processor runs one PS scan pass across every active Task.
type Processor struct {
	Store  Store
	Logger *zap.Logger
	// Now returns the current time; overridable in tests. Defaults to
	// time.Now when left nil (see Scan).
	Now func() time.Time
}

// Scan runs one pass of spec §4.8's PS loop body across every task whose
// status is processing|waiting and whose scan interval has elapsed.
func (p *Processor) Scan(ctx context.Context) error {
	now := p.now()
	tasks, err := p.Store.ActiveTasks(ctx)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		due, err := p.isDue(ctx, task, now)
		if err != nil {
			return err
		}
		if !due {
			continue
		}
		if err := p.scanTask(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Processor) isDue(ctx context.Context, task model.Task, now time.Time) (bool, error) {
	lastScan, ok, err := p.Store.LastScannedAt(ctx, task.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	interval := scanInterval(task, now)
	return now.Sub(lastScan) >= interval, nil
}

// scanInterval is min(1 hour, task_wall_budget / 8), where the wall
// budget is the Task's remaining time to its absolute deadline at scan
// time (spec §4.8 names `task_wall_budget` without defining it precisely;
// this module reads it as "time remaining", since a budget measured from
// creation would shrink the interval for a task nearing its deadline,
// which is the opposite of what a rate limit should do as work winds down).
func scanInterval(task model.Task, now time.Time) time.Duration {
	deadline := time.UnixMilli(task.DeadlineMs)
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return MaxScanInterval
	}
	budgetEighth := remaining / 8
	if budgetEighth > MaxScanInterval {
		return MaxScanInterval
	}
	return budgetEighth
}

func (p *Processor) scanTask(ctx context.Context, task model.Task) error {
	profiles, err := p.Store.EligibleProfiles(ctx, task.ID)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		return p.Store.RecordScan(ctx, task.ID)
	}

	profileIDs := make([]int64, len(profiles))
	for i, prof := range profiles {
		profileIDs[i] = prof.ID
	}
	patches, err := p.Store.AvailablePatches(ctx, profileIDs)
	if err != nil {
		return err
	}
	if len(patches) == 0 {
		return p.Store.RecordScan(ctx, task.ID)
	}

	coverage, err := p.buildCoverageMap(ctx, patches, profiles)
	if err != nil {
		return err
	}

	submitted, err := p.Store.AlreadySubmittedPatchIDs(ctx, task.ID)
	if err != nil {
		return err
	}

	selected := selectCoveringPatches(patches, coverage, submitted)
	for _, patchID := range selected {
		if err := p.Store.InsertPatchSubmit(ctx, patchID); err != nil {
			return err
		}
	}
	if p.Logger != nil && len(selected) > 0 {
		p.Logger.Info("selected patches for submission",
			logging.NewFields().Component("patchselect").TaskID(task.ID).Count(len(selected)).ToZap()...)
	}
	return p.Store.RecordScan(ctx, task.ID)
}

// buildCoverageMap implements spec §4.8's coverage rule: a patch covers a
// profile iff it was authored for that profile, or it repairs every bug
// in the profile, or it repairs at least CatchAllBugCoverageThreshold of
// the profile's bugs.
func (p *Processor) buildCoverageMap(ctx context.Context, patches []model.Patch, profiles []model.BugProfile) (map[int64]map[int64]bool, error) {
	profileBugs := make(map[int64][]int64, len(profiles))
	for _, prof := range profiles {
		bugs, err := p.Store.ProfileBugIDs(ctx, prof.ID)
		if err != nil {
			return nil, err
		}
		profileBugs[prof.ID] = bugs
	}

	coverage := make(map[int64]map[int64]bool, len(patches))
	for _, patch := range patches {
		repaired, err := p.Store.RepairedBugIDs(ctx, patch.ID)
		if err != nil {
			return nil, err
		}
		repairedSet := toSet(repaired)

		covered := map[int64]bool{}
		for _, prof := range profiles {
			if patch.BugProfileID == prof.ID {
				covered[prof.ID] = true
				continue
			}
			bugs := profileBugs[prof.ID]
			if len(bugs) == 0 {
				continue
			}
			count := 0
			allRepaired := true
			for _, b := range bugs {
				if repairedSet[b] {
					count++
				} else {
					allRepaired = false
				}
			}
			if allRepaired || count >= CatchAllBugCoverageThreshold {
				covered[prof.ID] = true
			}
		}
		coverage[patch.ID] = covered
	}
	return coverage, nil
}

// selectCoveringPatches prunes dominated patches and greedily selects a
// domination-free covering set: every already-submitted patch's coverage
// seeds covered_bug_profiles, then every non-dominated, not-yet-submitted
// patch whose coverage adds at least one new profile is selected (spec
// §4.8, invariants 4-5).
func selectCoveringPatches(patches []model.Patch, coverage map[int64]map[int64]bool, submitted map[int64]bool) []int64 {
	ordered := make([]model.Patch, len(patches))
	copy(ordered, patches)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	nonDominated := make([]model.Patch, 0, len(ordered))
	for _, candidate := range ordered {
		if isDominated(candidate.ID, coverage, ordered) {
			continue
		}
		nonDominated = append(nonDominated, candidate)
	}

	covered := map[int64]bool{}
	for _, patch := range ordered {
		if submitted[patch.ID] {
			for profileID := range coverage[patch.ID] {
				covered[profileID] = true
			}
		}
	}

	var selected []int64
	for _, patch := range nonDominated {
		if submitted[patch.ID] {
			continue
		}
		addsNew := false
		for profileID := range coverage[patch.ID] {
			if !covered[profileID] {
				addsNew = true
				break
			}
		}
		if !addsNew {
			continue
		}
		selected = append(selected, patch.ID)
		for profileID := range coverage[patch.ID] {
			covered[profileID] = true
		}
	}
	return selected
}

func isDominated(patchID int64, coverage map[int64]map[int64]bool, all []model.Patch) bool {
	a := coverage[patchID]
	for _, other := range all {
		if other.ID == patchID {
			continue
		}
		b := coverage[other.ID]
		if isProperSubset(a, b) {
			return true
		}
	}
	return false
}

func isProperSubset(a, b map[int64]bool) bool {
	if len(a) >= len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func toSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
