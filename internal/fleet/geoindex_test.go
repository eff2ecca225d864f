package fleet_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/mella/internal/domain"
	"github.com/example/mella/internal/fleet"
)

func newRedisIndex(t *testing.T) *fleet.RedisGeoIndex {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return fleet.NewRedisGeoIndex(client, "")
}

func TestRedisGeoIndexNearby(t *testing.T) {
	idx := newRedisIndex(t)
	ctx := context.Background()
	pickup := domain.GeoPoint{Lat: 9.0, Lng: 38.7}

	close1 := uuid.New()
	far := uuid.New()
	outOfRange := uuid.New()
	require.NoError(t, idx.Upsert(ctx, close1, domain.GeoPoint{Lat: 9.001, Lng: 38.701}))
	require.NoError(t, idx.Upsert(ctx, far, domain.GeoPoint{Lat: 9.02, Lng: 38.72}))
	require.NoError(t, idx.Upsert(ctx, outOfRange, domain.GeoPoint{Lat: 9.5, Lng: 39.2}))

	units, err := idx.Nearby(ctx, pickup, 5)
	require.NoError(t, err)
	require.Len(t, units, 2)
	require.Equal(t, close1, units[0].ID)
	require.Equal(t, far, units[1].ID)
	require.Less(t, units[0].DistanceKM, units[1].DistanceKM)
}

func TestRedisGeoIndexRemove(t *testing.T) {
	idx := newRedisIndex(t)
	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, idx.Upsert(ctx, id, domain.GeoPoint{Lat: 9.001, Lng: 38.701}))
	require.NoError(t, idx.Remove(ctx, id))

	units, err := idx.Nearby(ctx, domain.GeoPoint{Lat: 9, Lng: 38.7}, 5)
	require.NoError(t, err)
	require.Empty(t, units)
}

func TestMemoryGeoIndexMatchesRedisOrdering(t *testing.T) {
	idx := fleet.NewMemoryGeoIndex()
	ctx := context.Background()
	pickup := domain.GeoPoint{Lat: 9.0, Lng: 38.7}

	near := uuid.New()
	far := uuid.New()
	require.NoError(t, idx.Upsert(ctx, far, domain.GeoPoint{Lat: 9.02, Lng: 38.72}))
	require.NoError(t, idx.Upsert(ctx, near, domain.GeoPoint{Lat: 9.001, Lng: 38.701}))

	units, err := idx.Nearby(ctx, pickup, 5)
	require.NoError(t, err)
	require.Len(t, units, 2)
	require.Equal(t, near, units[0].ID)

	require.NoError(t, idx.Remove(ctx, near))
	units, err = idx.Nearby(ctx, pickup, 5)
	require.NoError(t, err)
	require.Len(t, units, 1)
	require.Equal(t, far, units[0].ID)
}
