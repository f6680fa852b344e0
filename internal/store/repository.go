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

// Package store is the relational-store implementation (spec §3) backing
// every stage worker's Store/SeedStore interface. A single Repository
// satisfies all of them: they all read and write the same Postgres schema,
// just through narrower per-package views.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/jordigilh/crs-fabric/internal/database"
	crserrors "github.com/jordigilh/crs-fabric/pkg/shared/errors"
	"github.com/jordigilh/crs-fabric/pkg/store/model"
	"github.com/jordigilh/crs-fabric/pkg/submission"
	"github.com/jordigilh/crs-fabric/pkg/submission/scoring"
)

// Repository wraps a *sqlx.DB with the query set every stage worker and
// the Control Plane need.
type Repository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// New opens the Postgres connection named by dsn through internal/database's
// pool-config/retry layer and pings it.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Repository, error) {
	db, err := database.Connect(ctx, dsn, database.DefaultConfig())
	if err != nil {
		return nil, err
	}
	return &Repository{db: db, logger: logger}, nil
}

// NewFromDB wraps an already-open handle, used by tests against
// sqlmock and by callers sharing one pool across repositories.
func NewFromDB(db *sqlx.DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// getContext, selectContext, and execContext route every query through
// internal/database's transient-fault retry policy (spec §4.3: "non-
// transient errors propagate after ≤3 retries").
func (r *Repository) getContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return database.WithRetry(ctx, func(ctx context.Context) error {
		return r.db.GetContext(ctx, dest, query, args...)
	})
}

func (r *Repository) selectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return database.WithRetry(ctx, func(ctx context.Context) error {
		return r.db.SelectContext(ctx, dest, query, args...)
	})
}

func (r *Repository) execContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := database.WithRetry(ctx, func(ctx context.Context) error {
		var execErr error
		result, execErr = r.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return result, err
}

// --- control.Creator ---------------------------------------------------

// CreateTask decodes the incoming task-create request body and inserts
// the Task row the rest of the pipeline hangs off of.
func (r *Repository) CreateTask(req *http.Request) (model.Task, error) {
	var body struct {
		ID          string         `json:"task_id"`
		TaskType    model.TaskType `json:"type"`
		ProjectName string         `json:"project_name"`
		Focus       string         `json:"focus"`
		DeadlineMs  int64          `json:"deadline"`
		Metadata    map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return model.Task{}, crserrors.ParseError("task create request", "json", err)
	}

	metaRaw, err := json.Marshal(body.Metadata)
	if err != nil {
		return model.Task{}, crserrors.ParseError("task metadata", "json", err)
	}

	task := model.Task{
		ID:          body.ID,
		TaskType:    body.TaskType,
		ProjectName: body.ProjectName,
		Focus:       body.Focus,
		DeadlineMs:  body.DeadlineMs,
		Status:      model.TaskStatusPending,
		Metadata:    body.Metadata,
		MetadataRaw: metaRaw,
	}

	const q = `INSERT INTO tasks (id, task_type, project_name, focus, deadline_ms, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := r.execContext(req.Context(), q,
		task.ID, task.TaskType, task.ProjectName, task.Focus, task.DeadlineMs, task.Status, task.MetadataRaw); err != nil {
		return model.Task{}, crserrors.DatabaseError("insert task", err)
	}
	return task, nil
}

// --- patchselect.Store ---------------------------------------------------

func (r *Repository) ActiveTasks(ctx context.Context) ([]model.Task, error) {
	var tasks []model.Task
	const q = `SELECT * FROM tasks WHERE status IN ('processing', 'waiting')`
	if err := r.selectContext(ctx, &tasks, q); err != nil {
		return nil, crserrors.DatabaseError("select active tasks", err)
	}
	return tasks, nil
}

func (r *Repository) LastScannedAt(ctx context.Context, taskID string) (time.Time, bool, error) {
	var scannedAt time.Time
	const q = `SELECT scanned_at FROM patch_submit_timestamps WHERE task_id = $1 ORDER BY scanned_at DESC LIMIT 1`
	err := r.getContext(ctx, &scannedAt, q, taskID)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, crserrors.DatabaseError("select last scanned at", err)
	}
	return scannedAt, true, nil
}

func (r *Repository) RecordScan(ctx context.Context, taskID string) error {
	const q = `INSERT INTO patch_submit_timestamps (task_id, scanned_at) VALUES ($1, now())`
	if _, err := r.execContext(ctx, q, taskID); err != nil {
		return crserrors.DatabaseError("record scan", err)
	}
	return nil
}

func (r *Repository) EligibleProfiles(ctx context.Context, taskID string) ([]model.BugProfile, error) {
	var profiles []model.BugProfile
	const q = `
		SELECT bp.* FROM bug_profiles bp
		WHERE bp.task_id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM bug_profile_statuses s
			WHERE s.bug_profile_id = bp.id AND s.status = 'failed'
		  )
		  AND (
			SELECT count(*) FROM patches p
			LEFT JOIN patch_statuses ps ON ps.patch_id = p.id
			WHERE p.bug_profile_id = bp.id
			  AND (ps.id IS NULL OR ps.functionality_tests_passing IS DISTINCT FROM false)
		  ) < $2`
	if err := r.selectContext(ctx, &profiles, q, taskID, maxValidPatchesPerProfile); err != nil {
		return nil, crserrors.DatabaseError("select eligible profiles", err)
	}
	return profiles, nil
}

// maxValidPatchesPerProfile bounds how many valid patches (no PatchStatus
// row, or functionality_tests_passing not false) a profile may have before
// EligibleProfiles stops returning it to the Patch Submitter.
const maxValidPatchesPerProfile = 3

func (r *Repository) AvailablePatches(ctx context.Context, profileIDs []int64) ([]model.Patch, error) {
	if len(profileIDs) == 0 {
		return nil, nil
	}
	var patches []model.Patch
	q, args, err := sqlx.In(`SELECT * FROM patches WHERE bug_profile_id IN (?)`, profileIDs)
	if err != nil {
		return nil, crserrors.DatabaseError("build available patches query", err)
	}
	if err := r.selectContext(ctx, &patches, r.db.Rebind(q), args...); err != nil {
		return nil, crserrors.DatabaseError("select available patches", err)
	}
	return patches, nil
}

func (r *Repository) ProfileBugIDs(ctx context.Context, profileID int64) ([]int64, error) {
	var ids []int64
	const q = `SELECT bug_id FROM bug_groups WHERE bug_profile_id = $1`
	if err := r.selectContext(ctx, &ids, q, profileID); err != nil {
		return nil, crserrors.DatabaseError("select profile bug ids", err)
	}
	return ids, nil
}

func (r *Repository) RepairedBugIDs(ctx context.Context, patchID int64) ([]int64, error) {
	var ids []int64
	const q = `SELECT bug_id FROM patch_bugs WHERE patch_id = $1 AND repaired`
	if err := r.selectContext(ctx, &ids, q, patchID); err != nil {
		return nil, crserrors.DatabaseError("select repaired bug ids", err)
	}
	return ids, nil
}

func (r *Repository) AlreadySubmittedPatchIDs(ctx context.Context, taskID string) (map[int64]bool, error) {
	var ids []int64
	const q = `
		SELECT ps.patch_id FROM patch_submits ps
		JOIN patches p ON p.id = ps.patch_id
		JOIN bug_profiles bp ON bp.id = p.bug_profile_id
		WHERE bp.task_id = $1`
	if err := r.selectContext(ctx, &ids, q, taskID); err != nil {
		return nil, crserrors.DatabaseError("select already submitted patch ids", err)
	}
	out := make(map[int64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (r *Repository) InsertPatchSubmit(ctx context.Context, patchID int64) error {
	const q = `INSERT INTO patch_submits (patch_id) VALUES ($1)`
	if _, err := r.execContext(ctx, q, patchID); err != nil {
		return crserrors.DatabaseError("insert patch submit", err)
	}
	return nil
}

// --- triage.Store --------------------------------------------------------

func (r *Repository) InsertBugProfile(ctx context.Context, p model.BugProfile) (int64, error) {
	const q = `
		INSERT INTO bug_profiles (task_id, harness_name, sanitizer, sanitizer_bug_type, trigger_point, summary)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
	var id int64
	if err := r.getContext(ctx, &id, q, p.TaskID, p.HarnessName, p.Sanitizer, p.SanitizerBugType, p.TriggerPoint, p.Summary); err != nil {
		return 0, crserrors.DatabaseError("insert bug profile", err)
	}
	return id, nil
}

func (r *Repository) GetBugProfile(ctx context.Context, id int64) (model.BugProfile, error) {
	var p model.BugProfile
	const q = `SELECT * FROM bug_profiles WHERE id = $1`
	if err := r.getContext(ctx, &p, q, id); err != nil {
		return model.BugProfile{}, crserrors.DatabaseError("select bug profile", err)
	}
	return p, nil
}

func (r *Repository) BugGroupExists(ctx context.Context, bugID, profileID int64) (bool, error) {
	var exists bool
	const q = `SELECT EXISTS(SELECT 1 FROM bug_groups WHERE bug_id = $1 AND bug_profile_id = $2)`
	if err := r.getContext(ctx, &exists, q, bugID, profileID); err != nil {
		return false, crserrors.DatabaseError("select bug group exists", err)
	}
	return exists, nil
}

func (r *Repository) InsertBugGroup(ctx context.Context, g model.BugGroup) error {
	const q = `INSERT INTO bug_groups (bug_id, bug_profile_id, diff_only) VALUES ($1, $2, $3)`
	if _, err := r.execContext(ctx, q, g.BugID, g.BugProfileID, g.DiffOnly); err != nil {
		return crserrors.DatabaseError("insert bug group", err)
	}
	return nil
}

func (r *Repository) InsertBugCluster(ctx context.Context, c model.BugCluster) (int64, error) {
	const q = `INSERT INTO bug_clusters (task_id, trigger_point) VALUES ($1, $2) RETURNING id`
	var id int64
	if err := r.getContext(ctx, &id, q, c.TaskID, c.TriggerPoint); err != nil {
		return 0, crserrors.DatabaseError("insert bug cluster", err)
	}
	return id, nil
}

func (r *Repository) InsertBugClusterGroup(ctx context.Context, g model.BugClusterGroup) error {
	const q = `INSERT INTO bug_cluster_groups (bug_profile_id, bug_cluster_id) VALUES ($1, $2)`
	if _, err := r.execContext(ctx, q, g.BugProfileID, g.BugClusterID); err != nil {
		return crserrors.DatabaseError("insert bug cluster group", err)
	}
	return nil
}

func (r *Repository) ClusterProfileIDs(ctx context.Context, clusterID int64) ([]int64, error) {
	var ids []int64
	const q = `SELECT bug_profile_id FROM bug_cluster_groups WHERE bug_cluster_id = $1`
	if err := r.selectContext(ctx, &ids, q, clusterID); err != nil {
		return nil, crserrors.DatabaseError("select cluster profile ids", err)
	}
	return ids, nil
}

func (r *Repository) ClusterIDForProfile(ctx context.Context, profileID int64) (int64, error) {
	var id int64
	const q = `SELECT bug_cluster_id FROM bug_cluster_groups WHERE bug_profile_id = $1`
	if err := r.getContext(ctx, &id, q, profileID); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, crserrors.DatabaseError("select cluster id for profile", err)
	}
	return id, nil
}

func (r *Repository) ClusteredProfilesForTask(ctx context.Context, taskID string) ([]model.BugProfile, error) {
	var profiles []model.BugProfile
	const q = `
		SELECT bp.* FROM bug_profiles bp
		JOIN bug_cluster_groups cg ON cg.bug_profile_id = bp.id
		WHERE bp.task_id = $1`
	if err := r.selectContext(ctx, &profiles, q, taskID); err != nil {
		return nil, crserrors.DatabaseError("select clustered profiles for task", err)
	}
	return profiles, nil
}

// --- seedgen.SeedStore / corpus.SeedStore --------------------------------

func (r *Repository) InsertSeed(ctx context.Context, seed model.Seed) (int64, error) {
	const q = `
		INSERT INTO seeds (task_id, path, harness_name, fuzzer, instance, coverage, metric)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`
	var id int64
	if err := r.getContext(ctx, &id, q,
		seed.TaskID, seed.Path, seed.HarnessName, seed.Fuzzer, seed.Instance, seed.Coverage, seed.MetricRaw); err != nil {
		return 0, crserrors.DatabaseError("insert seed", err)
	}
	return id, nil
}

func (r *Repository) InsertBug(ctx context.Context, bug model.Bug) error {
	const q = `
		INSERT INTO bugs (task_id, architecture, poc_path, harness_name, sanitizer, sarif_report_id)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := r.execContext(ctx, q,
		bug.TaskID, bug.Architecture, bug.PoCPath, bug.HarnessName, bug.Sanitizer, bug.SarifReportID); err != nil {
		return crserrors.DatabaseError("insert bug", err)
	}
	return nil
}

// InsertCorpusBug files a corpus-discovered seed as a Bug row with no
// sanitizer assignment yet, the shape the corpus worker's "save every
// seed as a potential Bug" fanout needs (spec §4.5).
func (r *Repository) InsertCorpusBug(ctx context.Context, taskID, harness, seedPath string) error {
	return r.InsertBug(ctx, model.Bug{
		TaskID:      taskID,
		PoCPath:     seedPath,
		HarnessName: harness,
		Sanitizer:   model.SanitizerNone,
	})
}

// --- slice.Store -----------------------------------------------------------

func (r *Repository) InsertDirectedSlice(ctx context.Context, s model.DirectedSlice) (int64, error) {
	const q = `INSERT INTO directed_slices (task_id, result_path) VALUES ($1, $2) RETURNING id`
	var id int64
	if err := r.getContext(ctx, &id, q, s.TaskID, s.ResultPath); err != nil {
		return 0, crserrors.DatabaseError("insert directed slice", err)
	}
	return id, nil
}

func (r *Repository) InsertSarifSlice(ctx context.Context, s model.SarifSlice) (int64, error) {
	const q = `INSERT INTO sarif_slices (task_id, sarif_id, target, result_path) VALUES ($1, $2, $3, $4) RETURNING id`
	var id int64
	if err := r.getContext(ctx, &id, q, s.TaskID, s.SarifID, s.Target, s.ResultPath); err != nil {
		return 0, crserrors.DatabaseError("insert sarif slice", err)
	}
	return id, nil
}

// DirectedSliceResultPath returns the most recently recorded slice result
// for taskID, used by the directed worker's slice requester to poll for
// the slice worker's output instead of blocking on a direct reply.
func (r *Repository) DirectedSliceResultPath(ctx context.Context, taskID string) (string, bool, error) {
	var path string
	const q = `SELECT result_path FROM directed_slices WHERE task_id = $1 ORDER BY created_at DESC LIMIT 1`
	err := r.getContext(ctx, &path, q, taskID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, crserrors.DatabaseError("select directed slice result", err)
	}
	return path, true, nil
}

// --- patch.Store -----------------------------------------------------------

func (r *Repository) BugsForProfile(ctx context.Context, profileID int64) ([]model.Bug, error) {
	var bugs []model.Bug
	const q = `
		SELECT b.* FROM bugs b
		JOIN bug_groups g ON g.bug_id = b.id
		WHERE g.bug_profile_id = $1`
	if err := r.selectContext(ctx, &bugs, q, profileID); err != nil {
		return nil, crserrors.DatabaseError("select bugs for profile", err)
	}
	return bugs, nil
}

func (r *Repository) InsertPatch(ctx context.Context, p model.Patch) (int64, error) {
	const q = `INSERT INTO patches (bug_profile_id, patch_text, model) VALUES ($1, $2, $3) RETURNING id`
	var id int64
	if err := r.getContext(ctx, &id, q, p.BugProfileID, p.PatchText, p.Model); err != nil {
		return 0, crserrors.DatabaseError("insert patch", err)
	}
	return id, nil
}

func (r *Repository) InsertPatchBug(ctx context.Context, pb model.PatchBug) error {
	const q = `INSERT INTO patch_bugs (patch_id, bug_id, repaired) VALUES ($1, $2, $3)`
	if _, err := r.execContext(ctx, q, pb.PatchID, pb.BugID, pb.Repaired); err != nil {
		return crserrors.DatabaseError("insert patch bug", err)
	}
	return nil
}

// --- submission.Store -------------------------------------------------

// PendingPOVs returns one WorkItem per BugProfile with no recorded
// BugProfileStatus yet, body being the first bug in the profile's group
// (the representative reproducer the scoring API's pov create wants).
func (r *Repository) PendingPOVs(ctx context.Context) ([]submission.WorkItem, error) {
	type row struct {
		ProfileID   int64  `db:"profile_id"`
		TaskID      string `db:"task_id"`
		BugID       int64  `db:"bug_id"`
		PoCPath     string `db:"poc_path"`
		Architecture string `db:"architecture"`
		Sanitizer   string `db:"sanitizer"`
	}
	var rows []row
	const q = `
		SELECT DISTINCT ON (bp.id) bp.id AS profile_id, bp.task_id, b.id AS bug_id, b.poc_path, b.architecture, b.sanitizer
		FROM bug_profiles bp
		JOIN bug_groups g ON g.bug_profile_id = bp.id
		JOIN bugs b ON b.id = g.bug_id
		WHERE NOT EXISTS (SELECT 1 FROM bug_profile_statuses s WHERE s.bug_profile_id = bp.id)
		ORDER BY bp.id, b.id`
	if err := r.selectContext(ctx, &rows, q); err != nil {
		return nil, crserrors.DatabaseError("select pending povs", err)
	}

	items := make([]submission.WorkItem, 0, len(rows))
	for _, rr := range rows {
		body, err := json.Marshal(map[string]any{
			"poc_path":     rr.PoCPath,
			"architecture": rr.Architecture,
			"sanitizer":    rr.Sanitizer,
		})
		if err != nil {
			return nil, crserrors.ParseError("pov body", "json", err)
		}
		items = append(items, submission.WorkItem{
			Kind: scoring.KindPOV, TaskID: rr.TaskID, ItemID: rr.BugID, ProfileID: rr.ProfileID, Body: body,
		})
	}
	return items, nil
}

// PendingPatches returns one WorkItem per Patch with no recorded
// PatchStatus yet.
func (r *Repository) PendingPatches(ctx context.Context) ([]submission.WorkItem, error) {
	type row struct {
		PatchID      int64  `db:"patch_id"`
		ProfileID    int64  `db:"profile_id"`
		TaskID       string `db:"task_id"`
		PatchText    string `db:"patch_text"`
	}
	var rows []row
	const q = `
		SELECT p.id AS patch_id, p.bug_profile_id AS profile_id, bp.task_id, p.patch_text
		FROM patches p
		JOIN bug_profiles bp ON bp.id = p.bug_profile_id
		WHERE NOT EXISTS (SELECT 1 FROM patch_statuses s WHERE s.patch_id = p.id)`
	if err := r.selectContext(ctx, &rows, q); err != nil {
		return nil, crserrors.DatabaseError("select pending patches", err)
	}

	items := make([]submission.WorkItem, 0, len(rows))
	for _, rr := range rows {
		body, err := json.Marshal(map[string]any{"patch": rr.PatchText})
		if err != nil {
			return nil, crserrors.ParseError("patch body", "json", err)
		}
		items = append(items, submission.WorkItem{
			Kind: scoring.KindPatch, TaskID: rr.TaskID, ItemID: rr.PatchID, ProfileID: rr.ProfileID, Body: body,
		})
	}
	return items, nil
}

// PendingSarif returns one WorkItem per SarifResult not yet submitted for
// assessment scoring.
func (r *Repository) PendingSarif(ctx context.Context) ([]submission.WorkItem, error) {
	type row struct {
		ResultID    int64  `db:"result_id"`
		TaskID      string `db:"task_id"`
		Verdict     string `db:"verdict"`
		Description string `db:"description"`
	}
	var rows []row
	const q = `
		SELECT sr.id AS result_id, s.task_id, sr.verdict, sr.description
		FROM sarif_results sr
		JOIN sarifs s ON s.id = sr.sarif_id
		WHERE NOT EXISTS (SELECT 1 FROM sarif_submits ss WHERE ss.sarif_result_id = sr.id)`
	if err := r.selectContext(ctx, &rows, q); err != nil {
		return nil, crserrors.DatabaseError("select pending sarif", err)
	}

	items := make([]submission.WorkItem, 0, len(rows))
	for _, rr := range rows {
		body, err := json.Marshal(map[string]any{"assessment": rr.Verdict, "description": rr.Description})
		if err != nil {
			return nil, crserrors.ParseError("sarif body", "json", err)
		}
		items = append(items, submission.WorkItem{
			Kind: scoring.KindSarif, TaskID: rr.TaskID, ItemID: rr.ResultID, Body: body,
		})
	}
	return items, nil
}

// RecordTerminal persists the scoring API's final verdict for item,
// routed to the table matching its Kind.
func (r *Repository) RecordTerminal(ctx context.Context, item submission.WorkItem, status scoring.Status, functionalityPassing *bool) error {
	switch item.Kind {
	case scoring.KindPOV:
		const q = `INSERT INTO bug_profile_statuses (bug_profile_id, status, updated_at) VALUES ($1, $2, now())`
		if _, err := r.execContext(ctx, q, item.ProfileID, string(status)); err != nil {
			return crserrors.DatabaseError("record pov terminal status", err)
		}
	case scoring.KindPatch:
		const q = `INSERT INTO patch_statuses (patch_id, status, functionality_tests_passing, updated_at) VALUES ($1, $2, $3, now())`
		if _, err := r.execContext(ctx, q, item.ItemID, string(status), functionalityPassing); err != nil {
			return crserrors.DatabaseError("record patch terminal status", err)
		}
	case scoring.KindSarif:
		const q = `INSERT INTO sarif_submits (sarif_result_id, status, updated_at) VALUES ($1, $2, now())`
		if _, err := r.execContext(ctx, q, item.ItemID, string(status)); err != nil {
			return crserrors.DatabaseError("record sarif terminal status", err)
		}
	default:
		return crserrors.ValidationError("kind", "unrecognized submission work item kind")
	}
	return nil
}
