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

package triage

import (
	"context"
	"encoding/json"
	"fmt"
	mrand "math/rand"
	"strconv"
	"time"

	"github.com/jordigilh/crs-fabric/pkg/coordination"
	"github.com/jordigilh/crs-fabric/pkg/queue"
	crserrors "github.com/jordigilh/crs-fabric/pkg/shared/errors"
	"github.com/jordigilh/crs-fabric/pkg/shared/logging"
	"github.com/jordigilh/crs-fabric/pkg/store/model"
	"github.com/jordigilh/crs-fabric/pkg/triage/dedup"
	"github.com/jordigilh/crs-fabric/pkg/worker/patch"
)

// profileLockTTL bounds how long one triage message holds the per-
// pentuple lock before another worker is allowed to assume it died.
const profileLockTTL = 2 * time.Minute

// routeOrDedup is step 4 of spec §4.6: a timeout/OOM bug on a sender
// instance is forwarded whole to timeout_queue instead of running dedup
// locally; everything else goes through identity assignment and fanout.
func (p *Processor) routeOrDedup(ctx context.Context, req Request, sanitizer model.Sanitizer, harness string, report ParsedReport, diffOnly bool, isOOMSender bool) error {
	if isOOMSender && isTimeoutOrOOM(report.BugType) {
		return p.forwardToTimeoutQueue(ctx, req, sanitizer, harness, report, diffOnly)
	}
	return p.identifyAndDedup(ctx, req, sanitizer, harness, report, diffOnly)
}

func (p *Processor) forwardToTimeoutQueue(ctx context.Context, req Request, sanitizer model.Sanitizer, harness string, report ParsedReport, diffOnly bool) error {
	body, err := json.Marshal(timeoutMessage{
		BugID: req.BugID, TaskID: req.TaskID, TaskType: req.TaskType,
		Sanitizer: string(sanitizer), HarnessName: harness,
		BugType: report.BugType, TriggerPoint: report.TriggerPoint,
		Summary: report.Summary, DiffOnly: diffOnly,
	})
	if err != nil {
		return crserrors.Wrap(crserrors.KindFatal, "marshal timeout_queue message", err)
	}
	return p.Bus.Publish(ctx, queue.TimeoutQueue, body, queue.PublishOptions{})
}

type timeoutMessage struct {
	BugID        int64  `json:"bug_id"`
	TaskID       string `json:"task_id"`
	TaskType     string `json:"task_type"`
	Sanitizer    string `json:"sanitizer"`
	HarnessName  string `json:"harness_name"`
	BugType      string `json:"bug_type"`
	TriggerPoint string `json:"trigger_point"`
	Summary      string `json:"summary"`
	DiffOnly     bool   `json:"diff_only"`
}

// identifyAndDedup assigns report a stable BugProfile identity, links the
// incoming bug to it, runs the Dedup oracle the first time that profile
// is seen, and fans out patch work for its cluster (spec §4.6 steps 3-4).
func (p *Processor) identifyAndDedup(ctx context.Context, req Request, sanitizer model.Sanitizer, harness string, report ParsedReport, diffOnly bool) error {
	hash := PentupleHash(model.Pentuple{
		TaskID: req.TaskID, HarnessName: harness, Sanitizer: sanitizer,
		SanitizerBugType: report.BugType, TriggerPoint: report.TriggerPoint,
	})

	lock, ok, err := p.CS.AcquireLock(ctx, fmt.Sprintf("triage:%s:%s", req.TaskID, hash), profileLockTTL)
	if err != nil {
		return err
	}
	if !ok {
		// Another triage message for the identical pentuple is in flight;
		// this one requeues to the tail and is retried once that clears.
		return crserrors.Wrap(crserrors.KindTransientInfra, "acquire profile lock", fmt.Errorf("profile lock held"))
	}
	defer lock.Release(ctx)

	profileID, clusterID, isNewCluster, err := p.resolveProfile(ctx, req, sanitizer, harness, report, hash)
	if err != nil {
		return err
	}

	exists, err := p.Store.BugGroupExists(ctx, req.BugID, profileID)
	if err != nil {
		return err
	}
	if !exists {
		if err := p.Store.InsertBugGroup(ctx, model.BugGroup{BugID: req.BugID, BugProfileID: profileID, DiffOnly: diffOnly}); err != nil {
			return err
		}
	}

	return p.fanoutPatchWork(ctx, req.TaskID, clusterID, isNewCluster)
}

// resolveProfile interns the pentuple's BugProfile id in the coordination
// store, minting it (and running dedup) only the first time it is seen
// under the stronger "new_profile" lock (spec §4.6 step 3).
func (p *Processor) resolveProfile(ctx context.Context, req Request, sanitizer model.Sanitizer, harness string, report ParsedReport, hash string) (profileID, clusterID int64, isNewCluster bool, err error) {
	key := coordination.TriageProfileKey(req.TaskID, hash)
	if raw, gerr := p.CS.Get(ctx, key); gerr != nil {
		return 0, 0, false, gerr
	} else if raw != "" {
		profileID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, 0, false, crserrors.Wrap(crserrors.KindFatal, "parse interned profile id", err)
		}
		clusterID, err = p.Store.ClusterIDForProfile(ctx, profileID)
		return profileID, clusterID, false, err
	}

	lock, ok, lerr := p.CS.AcquireLock(ctx, fmt.Sprintf("triage:%s:new_profile", req.TaskID), profileLockTTL)
	if lerr != nil {
		return 0, 0, false, lerr
	}
	if !ok {
		return 0, 0, false, crserrors.Wrap(crserrors.KindTransientInfra, "acquire new-profile lock", fmt.Errorf("new-profile lock held"))
	}
	defer lock.Release(ctx)

	// Re-check after winning the stronger lock: another worker may have
	// minted this exact profile while we were waiting.
	if raw, gerr := p.CS.Get(ctx, key); gerr != nil {
		return 0, 0, false, gerr
	} else if raw != "" {
		profileID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, 0, false, crserrors.Wrap(crserrors.KindFatal, "parse interned profile id", err)
		}
		clusterID, err = p.Store.ClusterIDForProfile(ctx, profileID)
		return profileID, clusterID, false, err
	}

	profileID, err = p.Store.InsertBugProfile(ctx, model.BugProfile{
		TaskID: req.TaskID, HarnessName: harness, Sanitizer: sanitizer,
		SanitizerBugType: report.BugType, TriggerPoint: report.TriggerPoint, Summary: report.Summary,
	})
	if err != nil {
		return 0, 0, false, err
	}
	if err := p.CS.Set(ctx, key, strconv.FormatInt(profileID, 10), 0); err != nil {
		return 0, 0, false, err
	}

	clusterID, isNewCluster, err = p.clusterProfile(ctx, req.TaskID, profileID, harness, sanitizer, report)
	return profileID, clusterID, isNewCluster, err
}

// clusterProfile asks the Dedup oracle whether profileID matches an
// already-clustered profile for the same task, minting a new BugCluster
// when the oracle says it's new or none exist yet (spec §4.6 step 3c).
func (p *Processor) clusterProfile(ctx context.Context, taskID string, profileID int64, harness string, sanitizer model.Sanitizer, report ParsedReport) (clusterID int64, isNew bool, err error) {
	existingProfiles, err := p.Store.ClusteredProfilesForTask(ctx, taskID)
	if err != nil {
		return 0, false, err
	}

	existing := make([]dedup.Profile, 0, len(existingProfiles))
	for _, ep := range existingProfiles {
		existing = append(existing, dedup.Profile{
			ID: ep.ID, TaskID: ep.TaskID, HarnessName: ep.HarnessName, Sanitizer: string(ep.Sanitizer),
			SanitizerBugType: ep.SanitizerBugType, TriggerPoint: ep.TriggerPoint, Summary: ep.Summary,
		})
	}

	decision, err := p.Oracle.Decide(ctx, dedup.Profile{
		ID: profileID, TaskID: taskID, HarnessName: harness, Sanitizer: string(sanitizer),
		SanitizerBugType: report.BugType, TriggerPoint: report.TriggerPoint, Summary: report.Summary,
	}, existing)
	if err != nil {
		return 0, false, err
	}

	if decision.IsNew || len(existing) == 0 {
		clusterID, err = p.Store.InsertBugCluster(ctx, model.BugCluster{TaskID: taskID, TriggerPoint: report.TriggerPoint})
		if err != nil {
			return 0, false, err
		}
		isNew = true
		if err := p.appendTaskBugCluster(ctx, taskID, clusterID); err != nil {
			return 0, false, err
		}
	} else {
		clusterID = decision.ClusterID
	}

	if err := p.Store.InsertBugClusterGroup(ctx, model.BugClusterGroup{BugProfileID: profileID, BugClusterID: clusterID}); err != nil {
		return 0, false, err
	}
	return clusterID, isNew, nil
}

// taskBugClusters reads the JSON array of cluster ids global:task_bug_clusters
// holds for taskID, or nil if the task has no entry yet.
func (p *Processor) taskBugClusters(ctx context.Context, taskID string) ([]int64, error) {
	raw, err := p.CS.HGet(ctx, coordination.TaskBugClustersKey, taskID)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, crserrors.Wrap(crserrors.KindFatal, "parse task bug clusters", err)
	}
	return ids, nil
}

// appendTaskBugCluster adds clusterID to taskID's entry in
// global:task_bug_clusters (spec §4.1's key table, §4.6 step 3c), a no-op
// if it is already present.
func (p *Processor) appendTaskBugCluster(ctx context.Context, taskID string, clusterID int64) error {
	ids, err := p.taskBugClusters(ctx, taskID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == clusterID {
			return nil
		}
	}
	ids = append(ids, clusterID)
	raw, err := json.Marshal(ids)
	if err != nil {
		return crserrors.Wrap(crserrors.KindFatal, "marshal task bug clusters", err)
	}
	return p.CS.HSet(ctx, coordination.TaskBugClustersKey, taskID, string(raw))
}

// fanoutPatchWork publishes patch_queue work for clusterID's canonical
// profile: a 3x high-priority generic burst when the cluster was just
// minted, or a system-wide fast-priority rebroadcast over every active
// task's clusters otherwise (spec §4.6 step 4d).
func (p *Processor) fanoutPatchWork(ctx context.Context, taskID string, clusterID int64, isNewCluster bool) error {
	if isNewCluster {
		profileIDs, err := p.Store.ClusterProfileIDs(ctx, clusterID)
		if err != nil {
			return err
		}
		canonical := canonicalProfileID(profileIDs)
		if canonical == 0 {
			return nil
		}
		for i := 0; i < 3; i++ {
			if err := p.publishPatchRequest(ctx, canonical, patch.ModeGeneric, randBetween(8, 10)); err != nil {
				return err
			}
		}
		return nil
	}

	return p.fanoutActiveTaskClusters(ctx, taskID)
}

// fanoutActiveTaskClusters mirrors send_active_task_bug_clusters: every task
// id present in global:task_bug_clusters that is still active gets one
// fast-priority patch_queue message for the canonical profile of EACH of
// its clusters, not just the cluster that was just joined.
func (p *Processor) fanoutActiveTaskClusters(ctx context.Context, taskID string) error {
	allTaskIDs, err := p.CS.HKeys(ctx, coordination.TaskBugClustersKey)
	if err != nil {
		return err
	}

	sent := 0
	for _, tid := range allTaskIDs {
		status, err := p.CS.Get(ctx, coordination.TaskStatusKey(tid))
		if err != nil {
			return err
		}
		if !model.TaskStatus(status).IsActive() {
			continue
		}

		clusterIDs, err := p.taskBugClusters(ctx, tid)
		if err != nil {
			return err
		}
		for _, cid := range clusterIDs {
			profileIDs, err := p.Store.ClusterProfileIDs(ctx, cid)
			if err != nil {
				return err
			}
			canonical := canonicalProfileID(profileIDs)
			if canonical == 0 {
				continue
			}
			if err := p.publishPatchRequest(ctx, canonical, patch.ModeFast, randBetween(3, 7)); err != nil {
				return err
			}
			sent++
		}
	}

	if sent == 0 && p.Logger != nil {
		p.Logger.Info("no active tasks with clusters, skipping fast-mode fanout",
			logging.NewFields().Component("triage").TaskID(taskID).ToZap()...)
	}
	return nil
}

func (p *Processor) publishPatchRequest(ctx context.Context, profileID int64, mode patch.Mode, priority uint8) error {
	body, err := json.Marshal(patch.Request{BugProfileID: profileID, PatchMode: mode})
	if err != nil {
		return crserrors.Wrap(crserrors.KindFatal, "marshal patch_queue message", err)
	}
	return p.Bus.Publish(ctx, queue.PatchQueue, body, queue.PublishOptions{Priority: priority})
}

// canonicalProfileID is the minimum profile id in a cluster (spec §9 Open
// Question #1's resolution: the canonical profile is deterministic and
// stable regardless of join order).
func canonicalProfileID(ids []int64) int64 {
	var min int64
	for i, id := range ids {
		if i == 0 || id < min {
			min = id
		}
	}
	return min
}

func randBetween(lo, hi int) uint8 {
	return uint8(lo + mrand.Intn(hi-lo+1))
}
