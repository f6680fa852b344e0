package build

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/crs-fabric/pkg/coordination"
	crserrors "github.com/jordigilh/crs-fabric/pkg/shared/errors"
)

func newTestSubstrate(t *testing.T) *Substrate {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cs := coordination.NewFromClient(client, nil)
	return NewSubstrate(cs, nil, 5*time.Second)
}

func TestEnsureBuiltRunsBuildOnce(t *testing.T) {
	s := newTestSubstrate(t)
	tuple := Tuple{TaskID: "t1", Sanitizer: "address", State: StateUnpatched}

	var calls int32
	build := func(ctx context.Context, tuple Tuple, outDir string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	require.NoError(t, s.EnsureBuilt(context.Background(), tuple, "/out", build))
	require.NoError(t, s.EnsureBuilt(context.Background(), tuple, "/out", build))
	require.Equal(t, int32(1), calls, "the second call must reuse the done sentinel")
}

func TestEnsureBuiltPropagatesBuildFailureAsBuildKind(t *testing.T) {
	s := newTestSubstrate(t)
	tuple := Tuple{TaskID: "t1", Sanitizer: "memory", State: StateUnpatched}

	boom := context.DeadlineExceeded
	err := s.EnsureBuilt(context.Background(), tuple, "/out", func(ctx context.Context, tuple Tuple, outDir string) error {
		return boom
	})
	require.Error(t, err)
	require.Equal(t, crserrors.KindBuildFailure, crserrors.KindOf(err))
}

func TestEnsureBuiltConcurrentCallersCoalesce(t *testing.T) {
	s := newTestSubstrate(t)
	tuple := Tuple{TaskID: "t1", Sanitizer: "undefined", State: StatePatched}

	var calls int32
	build := func(ctx context.Context, tuple Tuple, outDir string) error {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, s.EnsureBuilt(context.Background(), tuple, "/out", build))
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), calls, "concurrent callers for the same tuple must coalesce via singleflight")
}

func TestEnsureBuiltDistinctTuplesDoNotCoalesce(t *testing.T) {
	s := newTestSubstrate(t)

	var calls int32
	build := func(ctx context.Context, tuple Tuple, outDir string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	require.NoError(t, s.EnsureBuilt(context.Background(), Tuple{TaskID: "t1", Sanitizer: "address", State: StateUnpatched}, "/out", build))
	require.NoError(t, s.EnsureBuilt(context.Background(), Tuple{TaskID: "t1", Sanitizer: "address", State: StatePatched}, "/out", build))
	require.Equal(t, int32(2), calls)
}
