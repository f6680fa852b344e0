package submission

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/crs-fabric/pkg/coordination"
	"github.com/jordigilh/crs-fabric/pkg/submission/scoring"
)

func newTestCS(t *testing.T) *coordination.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return coordination.NewFromClient(client, nil)
}

type fakeStore struct {
	povs     []WorkItem
	patches  []WorkItem
	sarifs   []WorkItem
	terminal []terminalRecord
}

type terminalRecord struct {
	item   WorkItem
	status scoring.Status
}

func (s *fakeStore) PendingPOVs(ctx context.Context) ([]WorkItem, error)    { return s.povs, nil }
func (s *fakeStore) PendingPatches(ctx context.Context) ([]WorkItem, error) { return s.patches, nil }
func (s *fakeStore) PendingSarif(ctx context.Context) ([]WorkItem, error)   { return s.sarifs, nil }
func (s *fakeStore) RecordTerminal(ctx context.Context, item WorkItem, status scoring.Status, functionalityPassing *bool) error {
	s.terminal = append(s.terminal, terminalRecord{item: item, status: status})
	return nil
}

func TestFetchDataMaterializesAndQueuesWorkItems(t *testing.T) {
	cs := newTestCS(t)
	ctx := context.Background()
	store := &fakeStore{povs: []WorkItem{{Kind: scoring.KindPOV, TaskID: "t1", ItemID: 1, ProfileID: 9, Body: []byte(`{"a":1}`)}}}
	p := &Processor{CS: cs, Store: store}

	require.NoError(t, p.FetchData(ctx))

	members, err := cs.SMembers(ctx, workSetKey)
	require.NoError(t, err)
	require.Len(t, members, 1)

	body, err := cs.Get(ctx, members[0])
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, body)
}

func TestSubmitMovesAcceptedToConfirmSet(t *testing.T) {
	cs := newTestCS(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"accepted","pov_id":"sub-1"}`))
	}))
	defer srv.Close()

	item := WorkItem{Kind: scoring.KindPOV, TaskID: "t1", ItemID: 1, ProfileID: 9, Body: []byte(`{}`)}
	p := &Processor{CS: cs, Client: scoring.NewClient(srv.URL, srv.Client()), Store: &fakeStore{}}
	require.NoError(t, cs.Set(ctx, item.payloadKey(), string(item.Body), 0))
	require.NoError(t, cs.SAdd(ctx, workSetKey, item.payloadKey()))

	require.NoError(t, p.Submit(ctx))

	inWork, err := cs.SIsMember(ctx, workSetKey, item.payloadKey())
	require.NoError(t, err)
	require.False(t, inWork)

	inConfirm, err := cs.SIsMember(ctx, confirmSetKey, item.payloadKey())
	require.NoError(t, err)
	require.True(t, inConfirm)

	submissionID, err := cs.HGet(ctx, confirmMetaKey, item.payloadKey())
	require.NoError(t, err)
	require.Equal(t, "sub-1", submissionID)
}

func TestSubmitRecordsImmediateTerminalStatus(t *testing.T) {
	cs := newTestCS(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"deadline_exceeded"}`))
	}))
	defer srv.Close()

	item := WorkItem{Kind: scoring.KindPOV, TaskID: "t1", ItemID: 1, ProfileID: 9, Body: []byte(`{}`)}
	store := &fakeStore{}
	p := &Processor{CS: cs, Client: scoring.NewClient(srv.URL, srv.Client()), Store: store}
	require.NoError(t, cs.Set(ctx, item.payloadKey(), string(item.Body), 0))
	require.NoError(t, cs.SAdd(ctx, workSetKey, item.payloadKey()))

	require.NoError(t, p.Submit(ctx))

	require.Len(t, store.terminal, 1)
	require.Equal(t, scoring.StatusDeadlineExceeded, store.terminal[0].status)

	inWork, err := cs.SIsMember(ctx, workSetKey, item.payloadKey())
	require.NoError(t, err)
	require.False(t, inWork)
}

func TestConfirmMovesErroredBackToWorkSet(t *testing.T) {
	cs := newTestCS(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"errored"}`))
	}))
	defer srv.Close()

	item := WorkItem{Kind: scoring.KindPOV, TaskID: "t1", ItemID: 1, ProfileID: 9, Body: []byte(`{}`)}
	p := &Processor{CS: cs, Client: scoring.NewClient(srv.URL, srv.Client()), Store: &fakeStore{}}
	require.NoError(t, cs.Set(ctx, item.payloadKey(), string(item.Body), 0))
	require.NoError(t, cs.SAdd(ctx, confirmSetKey, item.payloadKey()))
	require.NoError(t, cs.HSet(ctx, confirmMetaKey, item.payloadKey(), "sub-1"))

	require.NoError(t, p.Confirm(ctx))

	inConfirm, err := cs.SIsMember(ctx, confirmSetKey, item.payloadKey())
	require.NoError(t, err)
	require.False(t, inConfirm)

	inWork, err := cs.SIsMember(ctx, workSetKey, item.payloadKey())
	require.NoError(t, err)
	require.True(t, inWork, "an errored confirm must be retried by resubmission")
}

func TestConfirmPassingPatchQueuesBundleWork(t *testing.T) {
	cs := newTestCS(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"passed","functionality_tests_passing":true}`))
	}))
	defer srv.Close()

	item := WorkItem{Kind: scoring.KindPatch, TaskID: "t1", ItemID: 5, ProfileID: 9, Body: []byte(`{}`)}
	store := &fakeStore{}
	p := &Processor{CS: cs, Client: scoring.NewClient(srv.URL, srv.Client()), Store: store}
	require.NoError(t, cs.Set(ctx, item.payloadKey(), string(item.Body), 0))
	require.NoError(t, cs.SAdd(ctx, confirmSetKey, item.payloadKey()))
	require.NoError(t, cs.HSet(ctx, confirmMetaKey, item.payloadKey(), "sub-patch-1"))

	require.NoError(t, p.Confirm(ctx))

	require.Len(t, store.terminal, 1)
	require.Equal(t, scoring.StatusPassed, store.terminal[0].status)

	bundleID, err := cs.Get(ctx, coordination.SubmitterBundleKey("patch", 9))
	require.NoError(t, err)
	require.Equal(t, "sub-patch-1", bundleID)

	inBundleWork, err := cs.SIsMember(ctx, bundleWorkKey, "t1:9")
	require.NoError(t, err)
	require.True(t, inBundleWork)
}

func TestBundleSubmitsOnlyWhenBothSidesPresent(t *testing.T) {
	cs := newTestCS(t)
	ctx := context.Background()

	var bundled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bundled = true
		require.Equal(t, "/bundle/t1", r.URL.Path)
		w.Write([]byte(`{"status":"accepted"}`))
	}))
	defer srv.Close()

	p := &Processor{CS: cs, Client: scoring.NewClient(srv.URL, srv.Client()), Store: &fakeStore{}}
	require.NoError(t, cs.SAdd(ctx, bundleWorkKey, "t1:9"))

	require.NoError(t, p.Bundle(ctx))
	require.False(t, bundled, "a pair missing one side must not submit yet")

	require.NoError(t, cs.Set(ctx, coordination.SubmitterBundleKey("bug_profile", 9), "pov-sub", 0))
	require.NoError(t, cs.Set(ctx, coordination.SubmitterBundleKey("patch", 9), "patch-sub", 0))

	require.NoError(t, p.Bundle(ctx))
	require.True(t, bundled)

	stillQueued, err := cs.SIsMember(ctx, bundleWorkKey, "t1:9")
	require.NoError(t, err)
	require.False(t, stillQueued)
}

func TestSplitBundlePair(t *testing.T) {
	taskID, profileID, ok := splitBundlePair("task-abc-123:42")
	require.True(t, ok)
	require.Equal(t, "task-abc-123", taskID)
	require.Equal(t, int64(42), profileID)

	_, _, ok = splitBundlePair("no-colon")
	require.False(t, ok)
}

func TestParsePayloadKeyRoundTrips(t *testing.T) {
	item := WorkItem{Kind: scoring.KindSarif, TaskID: "t1", ItemID: 7, ProfileID: 3}
	kind, taskID, itemID, profileID, err := parsePayloadKey(item.payloadKey())
	require.NoError(t, err)
	require.Equal(t, scoring.KindSarif, kind)
	require.Equal(t, "t1", taskID)
	require.Equal(t, int64(7), itemID)
	require.Equal(t, int64(3), profileID)
}
