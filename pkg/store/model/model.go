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

// Package model is the persistent data model of spec.md §3: Task and its
// owned entities, mapped with sqlx struct tags so internal/store
// reads/writes them directly. Enum columns are closed sets;
// unmarshaling an unrecognized value is a validation error, never a
// silently-accepted string (spec §4.3: "unknown values fail closed").
package model

import "time"

// TaskType distinguishes a full-repository task from one gated by a diff.
type TaskType string

const (
	TaskTypeFull  TaskType = "full"
	TaskTypeDelta TaskType = "delta"
)

// TaskStatus is the canonical lifecycle status also mirrored into the
// coordination store under global:task_status:<tid>.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusWaiting    TaskStatus = "waiting"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCanceled   TaskStatus = "canceled"
	TaskStatusErrored    TaskStatus = "errored"
	TaskStatusSucceeded  TaskStatus = "succeeded"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal reports whether status can no longer transition (other than
// already being terminal), matching the Task invariant in spec §3.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCanceled, TaskStatusErrored, TaskStatusSucceeded, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// IsActive reports whether a worker should still be doing work for a task
// in this status — the gate every stage worker and the Patch Submitter
// checks before proceeding (spec §4.5 step c, §4.8).
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusProcessing || s == TaskStatusWaiting
}

// Task is the top-level unit of work; it owns all dependent rows (cascade
// delete).
type Task struct {
	ID          string            `db:"id"`
	TaskType    TaskType          `db:"task_type"`
	ProjectName string            `db:"project_name"`
	Focus       string            `db:"focus"`
	DeadlineMs  int64             `db:"deadline_ms"`
	Status      TaskStatus        `db:"status"`
	Metadata    map[string]any    `db:"-"`
	MetadataRaw []byte            `db:"metadata"`
	CreatedAt   time.Time         `db:"created_at"`
	UpdatedAt   time.Time         `db:"updated_at"`
}

// SourceType distinguishes the three kinds of Source a Task can own.
type SourceType string

const (
	SourceTypeRepo        SourceType = "repo"
	SourceTypeFuzzTooling SourceType = "fuzz_tooling"
	SourceTypeDiff        SourceType = "diff"
)

// Source is a repo/tooling/diff archive belonging to a Task. Multiple
// `repo` sources are allowed; exactly one `fuzz_tooling`; an optional
// `diff`, mandatory for delta tasks.
type Source struct {
	ID         int64      `db:"id"`
	TaskID     string     `db:"task_id"`
	Type       SourceType `db:"type"`
	PathOrURL  string     `db:"path_or_url"`
	ContentHash string    `db:"content_hash"`
	CreatedAt  time.Time  `db:"created_at"`
}

// FuzzerOrigin enumerates the producers of a Seed.
type FuzzerOrigin string

const (
	FuzzerSeedgen   FuzzerOrigin = "seedgen"
	FuzzerPrime     FuzzerOrigin = "prime"
	FuzzerGeneral   FuzzerOrigin = "general"
	FuzzerDirected  FuzzerOrigin = "directed"
	FuzzerCorpus    FuzzerOrigin = "corpus"
	FuzzerSeedmini  FuzzerOrigin = "seedmini"
	FuzzerSeedcodex FuzzerOrigin = "seedcodex"
)

// WildcardHarness marks a Seed or triage message field that applies to
// every harness rather than one named harness.
const WildcardHarness = "*"

// Seed is a corpus artifact belonging to a Task.
type Seed struct {
	ID           int64          `db:"id"`
	TaskID       string         `db:"task_id"`
	Path         string         `db:"path"`
	HarnessName  string         `db:"harness_name"`
	Fuzzer       FuzzerOrigin   `db:"fuzzer"`
	Instance     string         `db:"instance"`
	Coverage     *int64         `db:"coverage"`
	MetricRaw    []byte         `db:"metric"`
	CreatedAt    time.Time      `db:"created_at"`
}

// Sanitizer enumerates the sanitizer values recognized by the triage
// engine. Thread and None are accepted as explicit values but are never
// implied by the "*" wildcard expansion (spec §9 Open Question #2).
type Sanitizer string

const (
	SanitizerAddress   Sanitizer = "address"
	SanitizerMemory    Sanitizer = "memory"
	SanitizerUndefined Sanitizer = "undefined"
	SanitizerThread    Sanitizer = "thread"
	SanitizerNone      Sanitizer = "none"
)

// WildcardSanitizers is the canonical expansion of sanitizer="*".
var WildcardSanitizers = []Sanitizer{SanitizerAddress, SanitizerMemory, SanitizerUndefined}

// KnownSanitizers is the full enum domain accepted when a sanitizer is
// named explicitly (not via wildcard).
var KnownSanitizers = map[Sanitizer]bool{
	SanitizerAddress: true, SanitizerMemory: true, SanitizerUndefined: true,
	SanitizerThread: true, SanitizerNone: true,
}

// Bug is a single reproducer tied to a task, harness, and sanitizer.
type Bug struct {
	ID          int64     `db:"id"`
	TaskID      string    `db:"task_id"`
	Architecture string   `db:"architecture"`
	PoCPath     string    `db:"poc_path"`
	HarnessName string    `db:"harness_name"`
	Sanitizer   Sanitizer `db:"sanitizer"`
	SarifReportID *int64  `db:"sarif_report_id"`
	CreatedAt   time.Time `db:"created_at"`
}

// BugProfile is a semantic identity for a crash category within a task,
// keyed by the pentuple (task, harness, sanitizer, bug_type, trigger_point).
type BugProfile struct {
	ID               int64     `db:"id"`
	TaskID           string    `db:"task_id"`
	HarnessName      string    `db:"harness_name"`
	Sanitizer        Sanitizer `db:"sanitizer"`
	SanitizerBugType string    `db:"sanitizer_bug_type"`
	TriggerPoint     string    `db:"trigger_point"`
	Summary          string    `db:"summary"`
	CreatedAt        time.Time `db:"created_at"`
}

// Pentuple is the semantic identity tuple of a BugProfile, hashed to a
// stable short id used as the coordination-store interning key.
type Pentuple struct {
	TaskID           string
	HarnessName      string
	Sanitizer        Sanitizer
	SanitizerBugType string
	TriggerPoint     string
}

// BugGroup is a many-to-many edge between Bug and BugProfile.
type BugGroup struct {
	ID           int64 `db:"id"`
	BugID        int64 `db:"bug_id"`
	BugProfileID int64 `db:"bug_profile_id"`
	DiffOnly     bool  `db:"diff_only"`
}

// BugCluster groups BugProfiles judged to represent the same defect.
type BugCluster struct {
	ID           int64     `db:"id"`
	TaskID       string    `db:"task_id"`
	TriggerPoint string    `db:"trigger_point"`
	CreatedAt    time.Time `db:"created_at"`
}

// BugClusterGroup is the (pinned one-to-one, see spec §9 Open Question #1)
// edge between BugProfile and BugCluster. The uniqueness of BugProfileID
// is enforced by the UNIQUE column constraint in
// internal/database/migrations/0001_init.sql, not here.
type BugClusterGroup struct {
	ID           int64 `db:"id"`
	BugProfileID int64 `db:"bug_profile_id"`
	BugClusterID int64 `db:"bug_cluster_id"`
}

// Patch belongs to a BugProfile.
type Patch struct {
	ID           int64     `db:"id"`
	BugProfileID int64     `db:"bug_profile_id"`
	PatchText    string    `db:"patch_text"`
	Model        string    `db:"model"`
	CreatedAt    time.Time `db:"created_at"`
}

// PatchBug asserts that applying Patch makes Bug stop crashing.
type PatchBug struct {
	ID       int64 `db:"id"`
	PatchID  int64 `db:"patch_id"`
	BugID    int64 `db:"bug_id"`
	Repaired bool  `db:"repaired"`
}

// SubmissionStatus is the terminal/interim status vocabulary shared by
// PatchStatus and BugProfileStatus.
type SubmissionStatus string

const (
	StatusAccepted         SubmissionStatus = "accepted"
	StatusPassed           SubmissionStatus = "passed"
	StatusFailed           SubmissionStatus = "failed"
	StatusDeadlineExceeded SubmissionStatus = "deadline_exceeded"
	StatusErrored          SubmissionStatus = "errored"
	StatusInconclusive     SubmissionStatus = "inconclusive"
)

// IsTerminal reports whether status will not transition further.
func (s SubmissionStatus) IsTerminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusDeadlineExceeded:
		return true
	default:
		return false
	}
}

// PatchStatus is the per-Patch submission status.
type PatchStatus struct {
	ID                         int64            `db:"id"`
	PatchID                    int64            `db:"patch_id"`
	Status                     SubmissionStatus `db:"status"`
	FunctionalityTestsPassing  *bool            `db:"functionality_tests_passing"`
	UpdatedAt                  time.Time        `db:"updated_at"`
}

// BugProfileStatus is the per-BugProfile POV-submission status.
type BugProfileStatus struct {
	ID           int64            `db:"id"`
	BugProfileID int64            `db:"bug_profile_id"`
	Status       SubmissionStatus `db:"status"`
	UpdatedAt    time.Time        `db:"updated_at"`
}

// PatchSubmit marks that a Patch has been selected and pushed to the
// submission flow, independent of scoring-API acceptance.
type PatchSubmit struct {
	ID        int64     `db:"id"`
	PatchID   int64     `db:"patch_id"`
	CreatedAt time.Time `db:"created_at"`
}

// PatchSubmitTimestamp rate-limits the Patch Submitter's scan loop.
type PatchSubmitTimestamp struct {
	ID        int64     `db:"id"`
	TaskID    string    `db:"task_id"`
	ScannedAt time.Time `db:"scanned_at"`
}

// Sarif stores a raw static-analysis payload attached to a Task.
type Sarif struct {
	ID        int64     `db:"id"`
	TaskID    string    `db:"task_id"`
	Payload   []byte    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

// SarifVerdict is the closed enum for a SarifResult's evaluation outcome.
type SarifVerdict string

const (
	SarifCorrect   SarifVerdict = "correct"
	SarifIncorrect SarifVerdict = "incorrect"
)

// SarifResult stores the verdict for a Sarif report.
type SarifResult struct {
	ID           int64        `db:"id"`
	SarifID      int64        `db:"sarif_id"`
	Verdict      SarifVerdict `db:"verdict"`
	BugProfileID *int64       `db:"bug_profile_id"`
	Description  string       `db:"description"`
	CreatedAt    time.Time    `db:"created_at"`
}

// SliceTarget discriminates whether a slice was computed for a diff or a
// SARIF report, per SPEC_FULL.md's SARIF-slice-target supplement.
type SliceTarget string

const (
	SliceTargetDiff  SliceTarget = "diff"
	SliceTargetSarif SliceTarget = "sarif"
)

// SarifSlice points to a shared-storage file listing functions reachable
// from a SARIF report's target; DirectedSlice does the same for a diff.
type SarifSlice struct {
	ID          int64       `db:"id"`
	TaskID      string      `db:"task_id"`
	SarifID     *int64      `db:"sarif_id"`
	Target      SliceTarget `db:"target"`
	ResultPath  string      `db:"result_path"`
	CreatedAt   time.Time   `db:"created_at"`
}

// DirectedSlice points to the shared-storage file listing functions
// reachable from the diff, one per task, consumed by the directed worker.
type DirectedSlice struct {
	ID         int64     `db:"id"`
	TaskID     string    `db:"task_id"`
	ResultPath string    `db:"result_path"`
	CreatedAt  time.Time `db:"created_at"`
}
