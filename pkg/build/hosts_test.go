package build

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/crs-fabric/pkg/coordination"
)

func TestHostsReadsDindHostsSet(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cs := coordination.NewFromClient(client, nil)
	pool := NewHostPool(cs, nil)

	ctx := context.Background()
	require.NoError(t, cs.SAdd(ctx, coordination.DindHostsKey, "tcp://host-a:2376", "tcp://host-b:2376"))

	hosts, err := pool.Hosts(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"tcp://host-a:2376", "tcp://host-b:2376"}, hosts)
}

func TestHostsEmptyWhenUnconfigured(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cs := coordination.NewFromClient(client, nil)
	pool := NewHostPool(cs, nil)

	hosts, err := pool.Hosts(context.Background())
	require.NoError(t, err)
	require.Empty(t, hosts)
}
