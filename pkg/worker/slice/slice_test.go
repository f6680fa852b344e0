package slice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jordigilh/crs-fabric/pkg/store/model"
)

type fakeBuilder struct{}

func (fakeBuilder) Build(ctx context.Context, workspaceDir string, req Request) (string, error) {
	return workspaceDir + "/bitcode.bc", nil
}

type fakeSlicer struct{ calls []string }

func (f *fakeSlicer) Slice(ctx context.Context, bitcodePath, harness string, req Request) (string, error) {
	f.calls = append(f.calls, harness)
	return bitcodePath + "." + harness + ".slice", nil
}

type fakeMerger struct{ inputs []string }

func (f *fakeMerger) Merge(ctx context.Context, workspaceDir string, resultPaths []string) (string, error) {
	f.inputs = resultPaths
	return workspaceDir + "/merged.slice", nil
}

type fakeStore struct {
	directed []model.DirectedSlice
	sarif    []model.SarifSlice
}

func (f *fakeStore) InsertDirectedSlice(ctx context.Context, s model.DirectedSlice) (int64, error) {
	f.directed = append(f.directed, s)
	return int64(len(f.directed)), nil
}

func (f *fakeStore) InsertSarifSlice(ctx context.Context, s model.SarifSlice) (int64, error) {
	f.sarif = append(f.sarif, s)
	return int64(len(f.sarif)), nil
}

func newProcessor(store *fakeStore, slicer *fakeSlicer, merger *fakeMerger) *Processor {
	return &Processor{
		Builder: fakeBuilder{},
		Slicer:  slicer,
		Merger:  merger,
		Store:   store,
		Harnesses: func(ctx context.Context, projectName string) ([]string, error) {
			return []string{"h1", "h2"}, nil
		},
	}
}

func TestDecodeRejectsUnrecognizedSliceTarget(t *testing.T) {
	p := &Processor{}
	_, err := p.Decode([]byte(`{"slice_id":"s1","project_name":"mock1","slice_target":"nonsense"}`))
	require.Error(t, err)
}

func TestDecodeAcceptsDiffTarget(t *testing.T) {
	p := &Processor{}
	_, err := p.Decode([]byte(`{"task_id":"t1","slice_id":"s1","project_name":"mock1","slice_target":"diff"}`))
	require.NoError(t, err)
}

func TestProcessSlicesEveryHarnessAndRecordsDirectedSlice(t *testing.T) {
	store := &fakeStore{}
	slicer := &fakeSlicer{}
	merger := &fakeMerger{}
	p := newProcessor(store, slicer, merger)

	body := []byte(`{"task_id":"t1","slice_id":"s1","project_name":"mock1","slice_target":"diff"}`)
	require.NoError(t, p.Process(context.Background(), "/tmp/ws", body))

	require.ElementsMatch(t, []string{"h1", "h2"}, slicer.calls)
	require.Len(t, merger.inputs, 2)
	require.Len(t, store.directed, 1)
	require.Equal(t, "/tmp/ws/merged.slice", store.directed[0].ResultPath)
	require.Empty(t, store.sarif)
}

func TestProcessRecordsSarifSliceForSarifTarget(t *testing.T) {
	store := &fakeStore{}
	sarifID := int64(7)
	p := newProcessor(store, &fakeSlicer{}, &fakeMerger{})

	body := []byte(`{"task_id":"t1","slice_id":"s1","project_name":"mock1","slice_target":"sarif","sarif_id":7}`)
	require.NoError(t, p.Process(context.Background(), "/tmp/ws", body))

	require.Len(t, store.sarif, 1)
	require.Equal(t, &sarifID, store.sarif[0].SarifID)
	require.Empty(t, store.directed)
}
