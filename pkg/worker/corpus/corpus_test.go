package corpus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jordigilh/crs-fabric/pkg/queue"
	"github.com/jordigilh/crs-fabric/pkg/store/model"
)

type fakeSeedStore struct {
	inserted   []model.Seed
	corpusBugs []string
}

func (f *fakeSeedStore) InsertSeed(ctx context.Context, seed model.Seed) (int64, error) {
	f.inserted = append(f.inserted, seed)
	return int64(len(f.inserted)), nil
}

func (f *fakeSeedStore) InsertCorpusBug(ctx context.Context, taskID, harness, seedPath string) error {
	f.corpusBugs = append(f.corpusBugs, harness)
	return nil
}

type fakeExtractor struct {
	harnesses []string
}

func (f *fakeExtractor) Extract(ctx context.Context, workspaceDir string, req Request) ([]string, string, error) {
	return f.harnesses, workspaceDir + "/out.tar", nil
}

type fakePublisher struct {
	published []string
}

func (f *fakePublisher) Publish(ctx context.Context, name string, body []byte, opts queue.PublishOptions) error {
	f.published = append(f.published, name)
	return nil
}

func TestDecodeRejectsMissingProjectName(t *testing.T) {
	p := &Processor{}
	_, err := p.Decode([]byte(`{"task_id":"t1","repo":["a"]}`))
	require.Error(t, err)
}

func TestDecodeAcceptsWellFormedRequest(t *testing.T) {
	p := &Processor{}
	env, err := p.Decode([]byte(`{"task_id":"t1","project_name":"mock1","repo":["a"]}`))
	require.NoError(t, err)
	require.Equal(t, "t1", env.TaskID)
}

func TestProcessInsertsOneSeedPerHarnessAndMarksNonJVMBugs(t *testing.T) {
	seeds := &fakeSeedStore{}
	bus := &fakePublisher{}
	p := &Processor{
		Bus:       bus,
		Seeds:     seeds,
		Extractor: &fakeExtractor{harnesses: []string{"h1", "h2"}},
		IsJVM:     func(ctx context.Context, projectName string) (bool, error) { return false, nil },
	}

	body := []byte(`{"task_id":"t1","task_type":"full","project_name":"mock1","repo":["a"],"fuzzing_tooling":"b"}`)
	require.NoError(t, p.Process(context.Background(), "/tmp/ws", body))

	require.Len(t, seeds.inserted, 2)
	require.Len(t, seeds.corpusBugs, 2, "non-JVM projects save every seed as a potential bug")
	require.Len(t, bus.published, 2)
	for _, q := range bus.published {
		require.Equal(t, queue.CminQueue, q)
	}
}

func TestProcessSkipsBugFanoutForJVM(t *testing.T) {
	seeds := &fakeSeedStore{}
	bus := &fakePublisher{}
	p := &Processor{
		Bus:       bus,
		Seeds:     seeds,
		Extractor: &fakeExtractor{harnesses: []string{"h1"}},
		IsJVM:     func(ctx context.Context, projectName string) (bool, error) { return true, nil },
	}

	body := []byte(`{"task_id":"t1","project_name":"mock1","repo":["a"],"fuzzing_tooling":"b"}`)
	require.NoError(t, p.Process(context.Background(), "/tmp/ws", body))

	require.Len(t, seeds.inserted, 1)
	require.Empty(t, seeds.corpusBugs, "JVM projects skip the potential-bug fanout")
}

type fakeClassifier struct {
	pocType string
	err     error
}

func (f *fakeClassifier) Classify(ctx context.Context, projectName, harness string) (string, error) {
	return f.pocType, f.err
}

func TestProcessTagsSeedMetricWithClassifiedPoCType(t *testing.T) {
	seeds := &fakeSeedStore{}
	p := &Processor{
		Bus:        &fakePublisher{},
		Seeds:      seeds,
		Extractor:  &fakeExtractor{harnesses: []string{"h1"}},
		Classifier: &fakeClassifier{pocType: "json"},
	}

	body := []byte(`{"task_id":"t1","project_name":"mock1","repo":["a"],"fuzzing_tooling":"b"}`)
	require.NoError(t, p.Process(context.Background(), "/tmp/ws", body))

	require.Len(t, seeds.inserted, 1)
	var metric map[string]any
	require.NoError(t, json.Unmarshal(seeds.inserted[0].MetricRaw, &metric))
	require.Equal(t, "json", metric["poc_type"])
}

func TestProcessLeavesSeedUnlabeledWhenClassifierErrors(t *testing.T) {
	seeds := &fakeSeedStore{}
	p := &Processor{
		Bus:        &fakePublisher{},
		Seeds:      seeds,
		Extractor:  &fakeExtractor{harnesses: []string{"h1"}},
		Classifier: &fakeClassifier{err: errors.New("llm unavailable")},
	}

	body := []byte(`{"task_id":"t1","project_name":"mock1","repo":["a"],"fuzzing_tooling":"b"}`)
	require.NoError(t, p.Process(context.Background(), "/tmp/ws", body), "a classifier failure must not fail the task")

	var metric map[string]any
	require.NoError(t, json.Unmarshal(seeds.inserted[0].MetricRaw, &metric))
	_, hasPoCType := metric["poc_type"]
	require.False(t, hasPoCType)
}
