//go:build integration

package rediscache

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/nainya/bitemporal/pkg/holiday"
	"github.com/nainya/bitemporal/pkg/store"
	"github.com/nainya/bitemporal/pkg/store/memstore"
	"github.com/nainya/bitemporal/pkg/store/storetest"
)

func TestRedisContainerConformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	client, err := NewClient(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	var n atomic.Int64
	suite.Run(t, &storetest.Suite{
		New: func(clock store.Clock) (store.Backend[holiday.Holiday], error) {
			backend, err := memstore.New(storetest.Options(clock))
			if err != nil {
				return nil, err
			}
			return New[holiday.Holiday](backend, client, Options[holiday.Holiday]{
				Prefix:  fmt.Sprintf("it%d", n.Add(1)),
				Indexer: holiday.Index,
			})
		},
	})
}
