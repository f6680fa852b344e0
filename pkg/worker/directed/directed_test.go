package directed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jordigilh/crs-fabric/pkg/queue"
)

type fakeSliceRequester struct{ calls int }

func (f *fakeSliceRequester) RequestSlice(ctx context.Context, req Request, maxWait time.Duration) (string, error) {
	f.calls++
	return NoResults, nil
}

type fakeBuilder struct{}

func (fakeBuilder) BuildAllowlistTarget(ctx context.Context, workspaceDir string, req Request, slicePath string) (string, error) {
	return workspaceDir + "/target", nil
}

type fakeLauncher struct {
	mu      sync.Mutex
	masters []string
	slaves  []string
}

func (f *fakeLauncher) LaunchMaster(ctx context.Context, targetPath, harness string) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.masters = append(f.masters, harness)
	return func() {}, nil
}

func (f *fakeLauncher) LaunchSlave(ctx context.Context, targetPath, harness string, slaveIndex int) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slaves = append(f.slaves, harness)
	return func() {}, nil
}

type fakeObserver struct {
	onCrash func(CrashEvent)
}

func (f *fakeObserver) Observe(ctx context.Context, harness string, onCrash func(CrashEvent)) (func(), error) {
	f.onCrash = onCrash
	return func() {}, nil
}

type fakeSyncer struct {
	mu  sync.Mutex
	ran []string
}

func (f *fakeSyncer) Run(ctx context.Context, harness string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, harness)
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
}

func (f *fakePublisher) Publish(ctx context.Context, name string, body []byte, opts queue.PublishOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, name)
	return nil
}

func TestDecodeRejectsMissingProjectName(t *testing.T) {
	p := &Processor{}
	_, err := p.Decode([]byte(`{"task_id":"t1"}`))
	require.Error(t, err)
}

func TestProcessLaunchesMasterAndSlavesPerHarness(t *testing.T) {
	launcher := &fakeLauncher{}
	observer := &fakeObserver{}
	syncer := &fakeSyncer{}
	bus := &fakePublisher{}
	p := &Processor{
		Bus:            bus,
		SliceRequester: &fakeSliceRequester{},
		Builder:        fakeBuilder{},
		Launcher:       launcher,
		Observer:       observer,
		Syncer:         syncer,
		SlaveCount:     3,
		Harnesses: func(ctx context.Context, projectName string) ([]string, error) {
			return []string{"h1", "h2"}, nil
		},
	}

	body := []byte(`{"task_id":"t1","project_name":"mock1"}`)
	require.NoError(t, p.Process(context.Background(), "/tmp/ws", body))

	require.ElementsMatch(t, []string{"h1", "h2"}, launcher.masters)
	require.Len(t, launcher.slaves, 6, "3 slaves per harness across 2 harnesses")
	require.NotNil(t, observer.onCrash)
}

func TestForwardCrashPublishesToTriageQueue(t *testing.T) {
	bus := &fakePublisher{}
	p := &Processor{Bus: bus}
	p.forwardCrash(context.Background(), Request{TaskID: "t1", ProjectName: "mock1"}, CrashEvent{Harness: "h1", PoCPath: "/tmp/crash", Sanitizer: "address"})

	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.Equal(t, []string{queue.TriageQueue}, bus.published)
}
