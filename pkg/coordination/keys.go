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

// Package coordination implements the Coordination Store (spec §4.1): an
// HA key-value abstraction over a Sentinel-backed Redis deployment,
// exposing get/set/hash/set/list operations and an advisory lock
// primitive, plus the process-wide key-namespace helpers of spec §4.1's
// table so every caller builds keys the same way.
package coordination

import "fmt"

// TaskStatusKey is global:task_status:<tid> — the canonical cancellation
// and liveness signal every worker polls.
func TaskStatusKey(taskID string) string {
	return fmt.Sprintf("global:task_status:%s", taskID)
}

// TaskMetadataKey is global:task_metadata:<tid> — an opaque JSON blob with
// tracing attributes.
func TaskMetadataKey(taskID string) string {
	return fmt.Sprintf("global:task_metadata:%s", taskID)
}

// TaskBugClustersKey is the single hash global:task_bug_clusters, field
// <tid>, holding the JSON array of cluster ids for that task.
const TaskBugClustersKey = "global:task_bug_clusters"

// TriageProfileKey interns the BugProfile id for a pentuple hash.
func TriageProfileKey(taskID, pentupleHash string) string {
	return fmt.Sprintf("triage:%s:%s", taskID, pentupleHash)
}

// TriageBuildStatusKey is the per-(task,sanitizer,state) build sentinel.
func TriageBuildStatusKey(taskID string, sanitizer, state string) string {
	return fmt.Sprintf("triage:global:%s:%s:%s:build_status", taskID, sanitizer, state)
}

// TriageRunnerStatusKey is the per-(instance,task,sanitizer,state) runner
// lifecycle sentinel.
func TriageRunnerStatusKey(instance, taskID, sanitizer, state string) string {
	return fmt.Sprintf("triage:%s:%s:%s:%s:runner_status", instance, taskID, sanitizer, state)
}

// ArtifactKey is the built-harness path for (task, harness, sanitizer,
// engine, state).
func ArtifactKey(taskID, harness, sanitizer, engine, state string) string {
	return fmt.Sprintf("artifacts:%s:%s:%s:%s:%s", taskID, harness, sanitizer, engine, state)
}

// FuzzletsKey is the set of JSON fuzzer-instance descriptors.
const FuzzletsKey = "b3fuzz:fuzzlets"

// CminFileKey is the per-feature minimized-corpus filename.
func CminFileKey(taskID, harness string, feature int64) string {
	return fmt.Sprintf("clustercmin:file:%s:%s:%d", taskID, harness, feature)
}

// CminFeaturesKey is the set of feature ids observed for (task, harness).
func CminFeaturesKey(taskID, harness string) string {
	return fmt.Sprintf("clustercmin:features:%s:%s", taskID, harness)
}

// SubmitterPayloadKey interns a materialized submission body.
func SubmitterPayloadKey(kind, taskID string, id, profile int64) string {
	return fmt.Sprintf("submitter:%s:%s:%d:%d", kind, taskID, id, profile)
}

// SubmitterBundleKey records the last accepted submission id for a
// profile, keyed by "bug_profile" or "patch".
func SubmitterBundleKey(kind string, profileID int64) string {
	return fmt.Sprintf("submitter:bundle:%s:%d", kind, profileID)
}

// WorkflowRetryCountKey names the per-task retry counter. Nothing in this
// module increments it or caps it at TASK_RETRY_LIMIT; that limit bounds
// each message's x-retry header instead (worker.Stage.RetryLimit).
func WorkflowRetryCountKey(taskID string) string {
	return fmt.Sprintf("workflow_retry_count:%s", taskID)
}

// DindHostsKey is the set of remote Docker hosts BRS schedules builds to.
const DindHostsKey = "dind:hosts"

// LockKey namespaces an advisory lock name; callers pass the unqualified
// resource name (e.g. "triage:<tid>:<hash>") and AcquireLock applies this
// "lock:" prefix to every lock, build and triage locks alike.
func LockKey(name string) string {
	return fmt.Sprintf("lock:%s", name)
}
