package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/bitemporal/internal/config"
	"github.com/nainya/bitemporal/internal/metrics"
	"github.com/nainya/bitemporal/pkg/holiday"
	"github.com/nainya/bitemporal/pkg/ids"
	"github.com/nainya/bitemporal/pkg/store/rediscache"
)

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("BITEMPORAL_BACKEND", "postgres")
	t.Setenv("BITEMPORAL_GRPC_PORT", "7000")

	cmd := newRootCommand()
	require.NoError(t, cmd.Flags().Parse([]string{"--backend", "memory", "--log-level", "debug"}))

	cfg, err := loadConfig("", cmd.Flags())
	require.NoError(t, err)
	assert.Equal(t, config.BackendMemory, cfg.Backend)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 7000, cfg.GRPCPort)
}

func TestLoadConfigRejectsInvalidFlags(t *testing.T) {
	cmd := newRootCommand()
	require.NoError(t, cmd.Flags().Parse([]string{"--backend", "mysql"}))
	_, err := loadConfig("", cmd.Flags())
	assert.Error(t, err)
}

func TestOpenBackends(t *testing.T) {
	ctx := context.Background()
	for _, cfg := range []config.Config{
		{Backend: config.BackendMemory},
		{Backend: config.BackendSQLite, DSN: filepath.Join(t.TempDir(), "hol.db"), TablePrefix: "hol"},
	} {
		t.Run(cfg.Backend, func(t *testing.T) {
			backend, err := openBackend(ctx, cfg)
			require.NoError(t, err)
			defer backend.Close()

			h := holiday.MustNew("UK", holiday.Bank, holiday.WithRegion(ids.ExternalID{Scheme: "ISO3166", Value: "GB"}))
			doc, err := backend.Add(ctx, h)
			require.NoError(t, err)
			assert.Equal(t, holiday.Scheme, doc.ObjectID().Scheme)
			require.NoError(t, backend.Ping(ctx))
		})
	}
}

func TestWithCache(t *testing.T) {
	ctx := context.Background()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	backend, err := openBackend(ctx, config.Config{Backend: config.BackendMemory})
	require.NoError(t, err)
	defer backend.Close()

	same, closeCache, err := withCache(ctx, config.Config{}, backend, m)
	require.NoError(t, err)
	assert.Same(t, backend, same)
	assert.NoError(t, closeCache())

	mr := miniredis.RunT(t)
	cached, closeCache, err := withCache(ctx, config.Config{
		RedisURL:    "redis://" + mr.Addr(),
		CacheTTL:    time.Minute,
		TablePrefix: "hol",
	}, backend, m)
	require.NoError(t, err)
	defer closeCache()
	assert.IsType(t, &rediscache.Store[holiday.Holiday]{}, cached)

	_, _, err = withCache(ctx, config.Config{RedisURL: "redis://127.0.0.1:1"}, backend, m)
	assert.Error(t, err)
}
