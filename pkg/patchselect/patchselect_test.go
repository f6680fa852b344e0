package patchselect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jordigilh/crs-fabric/pkg/store/model"
)

type fakeStore struct {
	tasks            []model.Task
	lastScan         map[string]time.Time
	profiles         map[string][]model.BugProfile
	patches          map[string][]model.Patch
	profileBugs      map[int64][]int64
	repaired         map[int64][]int64
	alreadySubmitted map[string]map[int64]bool
	inserted         []int64
	scansRecorded    []string
}

func (s *fakeStore) ActiveTasks(ctx context.Context) ([]model.Task, error) { return s.tasks, nil }

func (s *fakeStore) LastScannedAt(ctx context.Context, taskID string) (time.Time, bool, error) {
	t, ok := s.lastScan[taskID]
	return t, ok, nil
}

func (s *fakeStore) RecordScan(ctx context.Context, taskID string) error {
	s.scansRecorded = append(s.scansRecorded, taskID)
	return nil
}

func (s *fakeStore) EligibleProfiles(ctx context.Context, taskID string) ([]model.BugProfile, error) {
	return s.profiles[taskID], nil
}

func (s *fakeStore) AvailablePatches(ctx context.Context, profileIDs []int64) ([]model.Patch, error) {
	var out []model.Patch
	for _, patches := range s.patches {
		out = append(out, patches...)
	}
	return out, nil
}

func (s *fakeStore) ProfileBugIDs(ctx context.Context, profileID int64) ([]int64, error) {
	return s.profileBugs[profileID], nil
}

func (s *fakeStore) RepairedBugIDs(ctx context.Context, patchID int64) ([]int64, error) {
	return s.repaired[patchID], nil
}

func (s *fakeStore) AlreadySubmittedPatchIDs(ctx context.Context, taskID string) (map[int64]bool, error) {
	return s.alreadySubmitted[taskID], nil
}

func (s *fakeStore) InsertPatchSubmit(ctx context.Context, patchID int64) error {
	s.inserted = append(s.inserted, patchID)
	return nil
}

// TestScanDominationScenario reproduces spec scenario E: profiles {A,B,C}
// (bug ids 1,2,3 respectively, one bug per profile for simplicity),
// patches with coverages p1={A}, p2={A,B}, p3={A,B,C}, p4={B,C}. Expect
// selection {p3}.
func TestScanDominationScenario(t *testing.T) {
	profiles := []model.BugProfile{{ID: 1}, {ID: 2}, {ID: 3}}
	store := &fakeStore{
		tasks:    []model.Task{{ID: "t1", DeadlineMs: time.Now().Add(24 * time.Hour).UnixMilli()}},
		lastScan: map[string]time.Time{},
		profiles: map[string][]model.BugProfile{"t1": profiles},
		patches: map[string][]model.Patch{"t1": {
			{ID: 1, BugProfileID: 1},
			{ID: 2},
			{ID: 3},
			{ID: 4},
		}},
		profileBugs: map[int64][]int64{1: {1}, 2: {2}, 3: {3}},
		repaired: map[int64][]int64{
			1: {},
			2: {1, 2},
			3: {1, 2, 3},
			4: {2, 3},
		},
		alreadySubmitted: map[string]map[int64]bool{"t1": {}},
	}

	p := &Processor{Store: store}
	require.NoError(t, p.Scan(context.Background()))
	require.Equal(t, []int64{3}, store.inserted, "p1,p2,p4 are dominated by p3's full coverage")
	require.Equal(t, []string{"t1"}, store.scansRecorded)
}

func TestScanSkipsTaskNotYetDue(t *testing.T) {
	now := time.Now()
	store := &fakeStore{
		tasks:            []model.Task{{ID: "t1", DeadlineMs: now.Add(24 * time.Hour).UnixMilli()}},
		lastScan:         map[string]time.Time{"t1": now.Add(-time.Minute)},
		profiles:         map[string][]model.BugProfile{},
		patches:          map[string][]model.Patch{},
		alreadySubmitted: map[string]map[int64]bool{},
	}
	p := &Processor{Store: store, Now: func() time.Time { return now }}
	require.NoError(t, p.Scan(context.Background()))
	require.Empty(t, store.scansRecorded, "a task scanned one minute ago with a long wall budget is not due yet")
}

func TestScanInterval(t *testing.T) {
	now := time.Now()
	task := model.Task{DeadlineMs: now.Add(4 * time.Hour).UnixMilli()}
	require.Equal(t, 30*time.Minute, scanInterval(task, now).Round(time.Minute))
}

func TestScanIntervalCapsAtOneHour(t *testing.T) {
	now := time.Now()
	task := model.Task{DeadlineMs: now.Add(365 * 24 * time.Hour).UnixMilli()}
	require.Equal(t, MaxScanInterval, scanInterval(task, now))
}

func TestIsProperSubset(t *testing.T) {
	require.True(t, isProperSubset(map[int64]bool{1: true}, map[int64]bool{1: true, 2: true}))
	require.False(t, isProperSubset(map[int64]bool{1: true, 2: true}, map[int64]bool{1: true, 2: true}))
	require.False(t, isProperSubset(map[int64]bool{1: true, 3: true}, map[int64]bool{1: true, 2: true}))
}

func TestAlreadySubmittedPatchIsNotReselected(t *testing.T) {
	profiles := []model.BugProfile{{ID: 1}}
	store := &fakeStore{
		tasks:       []model.Task{{ID: "t1", DeadlineMs: time.Now().Add(24 * time.Hour).UnixMilli()}},
		lastScan:    map[string]time.Time{},
		profiles:    map[string][]model.BugProfile{"t1": profiles},
		patches:     map[string][]model.Patch{"t1": {{ID: 1, BugProfileID: 1}}},
		profileBugs: map[int64][]int64{1: {1}},
		repaired:    map[int64][]int64{1: {1}},
		alreadySubmitted: map[string]map[int64]bool{"t1": {1: true}},
	}
	p := &Processor{Store: store}
	require.NoError(t, p.Scan(context.Background()))
	require.Empty(t, store.inserted, "an already-submitted patch must not be resubmitted")
}
