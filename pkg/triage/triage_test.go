package triage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/crs-fabric/pkg/build"
	"github.com/jordigilh/crs-fabric/pkg/coordination"
	"github.com/jordigilh/crs-fabric/pkg/queue"
	"github.com/jordigilh/crs-fabric/pkg/store/model"
	"github.com/jordigilh/crs-fabric/pkg/triage/dedup"
)

func newTestCS(t *testing.T) *coordination.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return coordination.NewFromClient(client, nil)
}

type fakeReplayer struct {
	// outcomes is keyed by state ("unpatched"/"patched"); tests that only
	// care about one state can leave the other at the zero ReplayResult.
	outcomes map[build.RepoState]build.ReplayResult
	calls    []build.RepoState
}

func (f *fakeReplayer) Replay(ctx context.Context, tuple build.Tuple, harness, pocPath string) (build.ReplayResult, error) {
	f.calls = append(f.calls, tuple.State)
	return f.outcomes[tuple.State], nil
}

type fakeParser struct {
	report ParsedReport
	ok     bool
}

func (f *fakeParser) Parse(output string) (ParsedReport, bool) {
	return f.report, f.ok
}

type fakePublisher struct {
	published []publishedMsg
}

type publishedMsg struct {
	queue    string
	body     []byte
	priority uint8
}

func (f *fakePublisher) Publish(ctx context.Context, name string, body []byte, opts queue.PublishOptions) error {
	f.published = append(f.published, publishedMsg{queue: name, body: body, priority: opts.Priority})
	return nil
}

type fakeOracle struct {
	decision dedup.Decision
}

func (f *fakeOracle) Decide(ctx context.Context, newProfile dedup.Profile, existing []dedup.Profile) (dedup.Decision, error) {
	return f.decision, nil
}

type fakeStore struct {
	profiles        map[int64]model.BugProfile
	nextProfileID   int64
	nextClusterID   int64
	clusterOfProfile map[int64]int64
	profilesInCluster map[int64][]int64
	bugGroups       map[[2]int64]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		profiles:         map[int64]model.BugProfile{},
		clusterOfProfile: map[int64]int64{},
		profilesInCluster: map[int64][]int64{},
		bugGroups:        map[[2]int64]bool{},
	}
}

func (s *fakeStore) InsertBugProfile(ctx context.Context, p model.BugProfile) (int64, error) {
	s.nextProfileID++
	p.ID = s.nextProfileID
	s.profiles[p.ID] = p
	return p.ID, nil
}

func (s *fakeStore) BugGroupExists(ctx context.Context, bugID, profileID int64) (bool, error) {
	return s.bugGroups[[2]int64{bugID, profileID}], nil
}

func (s *fakeStore) InsertBugGroup(ctx context.Context, g model.BugGroup) error {
	s.bugGroups[[2]int64{g.BugID, g.BugProfileID}] = true
	return nil
}

func (s *fakeStore) InsertBugCluster(ctx context.Context, c model.BugCluster) (int64, error) {
	s.nextClusterID++
	return s.nextClusterID, nil
}

func (s *fakeStore) InsertBugClusterGroup(ctx context.Context, g model.BugClusterGroup) error {
	s.clusterOfProfile[g.BugProfileID] = g.BugClusterID
	s.profilesInCluster[g.BugClusterID] = append(s.profilesInCluster[g.BugClusterID], g.BugProfileID)
	return nil
}

func (s *fakeStore) ClusterProfileIDs(ctx context.Context, clusterID int64) ([]int64, error) {
	return s.profilesInCluster[clusterID], nil
}

func (s *fakeStore) ClusterIDForProfile(ctx context.Context, profileID int64) (int64, error) {
	return s.clusterOfProfile[profileID], nil
}

func (s *fakeStore) ClusteredProfilesForTask(ctx context.Context, taskID string) ([]model.BugProfile, error) {
	var out []model.BugProfile
	for _, p := range s.profiles {
		if p.TaskID == taskID {
			out = append(out, p)
		}
	}
	return out, nil
}

func TestSanitizersInScopeExpandsWildcard(t *testing.T) {
	p := &Processor{}
	sans, err := p.sanitizersInScope("*")
	require.NoError(t, err)
	require.Equal(t, model.WildcardSanitizers, sans)
}

func TestSanitizersInScopeRejectsUnknown(t *testing.T) {
	p := &Processor{}
	sans, err := p.sanitizersInScope("nonsense")
	require.NoError(t, err)
	require.Empty(t, sans, "an unrecognized explicit sanitizer is skipped, not an error")
}

func TestInterpretReplayTimeoutSynthesizesReport(t *testing.T) {
	report, crashed := interpretReplay(&fakeParser{}, "harness1", build.ReplayResult{Outcome: build.ReplayTimeout, Output: "libFuzzer: timeout after 25 seconds"})
	require.True(t, crashed)
	require.Equal(t, "Timeout", report.BugType)
	require.Equal(t, "harness1", report.TriggerPoint)
}

func TestInterpretReplayNoCrashIsNotCrashed(t *testing.T) {
	_, crashed := interpretReplay(&fakeParser{}, "harness1", build.ReplayResult{Outcome: build.ReplayNoCrash})
	require.False(t, crashed)
}

func TestInterpretReplayCrashDelegatesToParser(t *testing.T) {
	parser := &fakeParser{report: ParsedReport{BugType: "heap-use-after-free", TriggerPoint: "src/a.c:10"}, ok: true}
	report, crashed := interpretReplay(parser, "harness1", build.ReplayResult{Outcome: build.ReplayCrash, Output: "raw"})
	require.True(t, crashed)
	require.Equal(t, "heap-use-after-free", report.BugType)
}

func TestProcessFullTaskSkipsWhenTaskNotActive(t *testing.T) {
	cs := newTestCS(t)
	ctx := context.Background()
	require.NoError(t, cs.Set(ctx, coordination.TaskStatusKey("t1"), "succeeded", 0))

	replayer := &fakeReplayer{}
	p := &Processor{CS: cs, Replayer: replayer}
	body := []byte(`{"task_id":"t1","task_type":"full","sanitizer":"address","harness_name":"h1","poc_path":"/tmp/poc","bug_id":1}`)
	require.NoError(t, p.Process(ctx, "/tmp/ws", body))
	require.Empty(t, replayer.calls, "a terminal task status must short-circuit before any replay")
}

func TestTriageDeltaIgnoresBaseReproducingCrash(t *testing.T) {
	cs := newTestCS(t)
	ctx := context.Background()
	require.NoError(t, cs.Set(ctx, coordination.TaskStatusKey("t1"), "processing", 0))

	replayer := &fakeReplayer{outcomes: map[build.RepoState]build.ReplayResult{
		build.StateUnpatched: {Outcome: build.ReplayCrash, Output: "crash"},
	}}
	parser := &fakeParser{report: ParsedReport{BugType: "x", TriggerPoint: "y"}, ok: true}
	store := newFakeStore()
	p := &Processor{CS: cs, Replayer: replayer, Parser: parser, Store: store}

	body := []byte(`{"task_id":"t1","task_type":"delta","sanitizer":"address","harness_name":"h1","poc_path":"/tmp/poc","bug_id":1}`)
	require.NoError(t, p.Process(ctx, "/tmp/ws", body))
	require.Equal(t, []build.RepoState{build.StateUnpatched}, replayer.calls, "a base crash must short-circuit before the patched replay")
	require.Empty(t, store.profiles, "a pre-existing base bug must never mint a profile")
}

func TestTriageDeltaProfilesPatchedOnlyCrash(t *testing.T) {
	cs := newTestCS(t)
	ctx := context.Background()
	require.NoError(t, cs.Set(ctx, coordination.TaskStatusKey("t1"), "processing", 0))
	bus := &fakePublisher{}

	replayer := &fakeReplayer{outcomes: map[build.RepoState]build.ReplayResult{
		build.StateUnpatched: {Outcome: build.ReplayNoCrash},
		build.StatePatched:   {Outcome: build.ReplayCrash, Output: "crash"},
	}}
	parser := &fakeParser{report: ParsedReport{BugType: "x", TriggerPoint: "y"}, ok: true}
	store := newFakeStore()
	oracle := &fakeOracle{decision: dedup.Decision{IsNew: true}}
	p := &Processor{CS: cs, Bus: bus, Replayer: replayer, Parser: parser, Store: store, Oracle: oracle}

	body := []byte(`{"task_id":"t1","task_type":"delta","sanitizer":"address","harness_name":"h1","poc_path":"/tmp/poc","bug_id":1}`)
	require.NoError(t, p.Process(ctx, "/tmp/ws", body))
	require.Equal(t, []build.RepoState{build.StateUnpatched, build.StatePatched}, replayer.calls)
	require.Len(t, store.profiles, 1, "a diff-introduced crash must mint exactly one profile")
	for _, bg := range store.bugGroups {
		require.True(t, bg)
	}
}

func TestCanonicalProfileIDIsMinimum(t *testing.T) {
	require.Equal(t, int64(2), canonicalProfileID([]int64{5, 2, 9}))
}

func TestClusterProfileAppendsTaskBugClustersHash(t *testing.T) {
	cs := newTestCS(t)
	ctx := context.Background()
	store := newFakeStore()
	oracle := &fakeOracle{decision: dedup.Decision{IsNew: true}}
	p := &Processor{CS: cs, Store: store, Oracle: oracle}

	clusterID, isNew, err := p.clusterProfile(ctx, "t1", 1, "h1", model.SanitizerAddress, ParsedReport{BugType: "x", TriggerPoint: "y"})
	require.NoError(t, err)
	require.True(t, isNew)

	ids, err := p.taskBugClusters(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, []int64{clusterID}, ids, "a newly minted cluster must be recorded in global:task_bug_clusters")
}

func TestAppendTaskBugClusterIsIdempotent(t *testing.T) {
	cs := newTestCS(t)
	ctx := context.Background()
	p := &Processor{CS: cs}

	require.NoError(t, p.appendTaskBugCluster(ctx, "t1", 7))
	require.NoError(t, p.appendTaskBugCluster(ctx, "t1", 7))

	ids, err := p.taskBugClusters(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, []int64{7}, ids, "appending the same cluster id twice must not duplicate it")
}

func TestFanoutActiveTaskClustersRebroadcastsEveryActiveTasksClusters(t *testing.T) {
	cs := newTestCS(t)
	ctx := context.Background()
	bus := &fakePublisher{}
	store := newFakeStore()

	// t1 is active with two clusters; t2 is terminal and must be skipped.
	require.NoError(t, cs.Set(ctx, coordination.TaskStatusKey("t1"), "processing", 0))
	require.NoError(t, cs.Set(ctx, coordination.TaskStatusKey("t2"), "succeeded", 0))
	p := &Processor{CS: cs, Bus: bus, Store: store}
	require.NoError(t, p.appendTaskBugCluster(ctx, "t1", 1))
	require.NoError(t, p.appendTaskBugCluster(ctx, "t1", 2))
	require.NoError(t, p.appendTaskBugCluster(ctx, "t2", 3))

	store.profilesInCluster[1] = []int64{10, 11}
	store.profilesInCluster[2] = []int64{20}
	store.profilesInCluster[3] = []int64{30}

	require.NoError(t, p.fanoutActiveTaskClusters(ctx, "t1"))
	require.Len(t, bus.published, 2, "one fast-priority message per cluster owned by the active task, none for the terminal one")
	for _, msg := range bus.published {
		require.Equal(t, queue.PatchQueue, msg.queue)
	}
}

func TestRandBetweenStaysInRange(t *testing.T) {
	for i := 0; i < 50; i++ {
		v := randBetween(3, 7)
		require.GreaterOrEqual(t, v, uint8(3))
		require.LessOrEqual(t, v, uint8(7))
	}
}
