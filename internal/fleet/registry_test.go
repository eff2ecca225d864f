package fleet_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/mella/internal/domain"
	"github.com/example/mella/internal/fleet"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestRegistry(t *testing.T) (*fleet.Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1700000000, 0).UTC()}
	reg := fleet.NewRegistry(fleet.NewMemoryGeoIndex(), nil, clock, nil, fleet.Config{
		HeartbeatStaleAfter: 30 * time.Second,
	})
	return reg, clock
}

func registerUnit(t *testing.T, reg *fleet.Registry, cap domain.CapabilityClass, at domain.GeoPoint) domain.Ambulance {
	t.Helper()
	amb, err := reg.Register(context.Background(), domain.Ambulance{
		Plate:       "AA-" + uuid.NewString()[:8],
		Capability:  cap,
		DriverName:  "driver",
		DriverPhone: "+251911000000",
		Location:    at,
	})
	require.NoError(t, err)
	return amb
}

func TestRegisterStartsFreeAtVersionOne(t *testing.T) {
	reg, _ := newTestRegistry(t)
	amb := registerUnit(t, reg, domain.CapabilityBasic, domain.GeoPoint{Lat: 9, Lng: 38.7})
	require.Equal(t, domain.AmbulanceFree, amb.State)
	require.Equal(t, int64(1), amb.Version)
}

func TestRegisterRejectsInvalidLocation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Register(context.Background(), domain.Ambulance{
		Plate:       "AA-1",
		DriverPhone: "+251911000000",
		Location:    domain.GeoPoint{Lat: 120, Lng: 0},
	})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestReserveCompareAndSwap(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	amb := registerUnit(t, reg, domain.CapabilityBasic, domain.GeoPoint{Lat: 9, Lng: 38.7})
	rideID := uuid.New()

	// stale version loses
	require.ErrorIs(t, reg.Reserve(ctx, amb.ID, amb.Version+5, rideID, time.Minute), domain.ErrConflict)

	require.NoError(t, reg.Reserve(ctx, amb.ID, amb.Version, rideID, time.Minute))

	got, err := reg.Get(ctx, amb.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AmbulanceReserved, got.State)
	require.Equal(t, amb.Version+1, got.Version)
	require.NotNil(t, got.ReservedBy)
	require.Equal(t, rideID, *got.ReservedBy)

	// no longer free
	require.ErrorIs(t, reg.Reserve(ctx, amb.ID, got.Version, uuid.New(), time.Minute), domain.ErrUnavailable)
}

func TestReserveUnknownAmbulance(t *testing.T) {
	reg, _ := newTestRegistry(t)
	err := reg.Reserve(context.Background(), uuid.New(), 1, uuid.New(), time.Minute)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConcurrentReserveExactlyOneWins(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	amb := registerUnit(t, reg, domain.CapabilityBasic, domain.GeoPoint{Lat: 9, Lng: 38.7})

	const contenders = 16
	var wg sync.WaitGroup
	errs := make(chan error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- reg.Reserve(ctx, amb.ID, amb.Version, uuid.New(), time.Minute)
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		require.True(t, err == domain.ErrConflict || err == domain.ErrUnavailable, "unexpected error: %v", err)
	}
	require.Equal(t, 1, wins)
}

func TestReleaseIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	amb := registerUnit(t, reg, domain.CapabilityBasic, domain.GeoPoint{Lat: 9, Lng: 38.7})
	require.NoError(t, reg.Reserve(ctx, amb.ID, amb.Version, uuid.New(), time.Minute))

	require.NoError(t, reg.Release(ctx, amb.ID))
	got, err := reg.Get(ctx, amb.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AmbulanceFree, got.State)
	require.Nil(t, got.ReservedBy)

	// second release on an already-free unit is a no-op ok
	require.NoError(t, reg.Release(ctx, amb.ID))
	again, err := reg.Get(ctx, amb.ID)
	require.NoError(t, err)
	require.Equal(t, got.Version, again.Version)

	require.ErrorIs(t, reg.Release(ctx, uuid.New()), domain.ErrNotFound)
}

func TestHeartbeatUpdatesLocationNotState(t *testing.T) {
	reg, clock := newTestRegistry(t)
	ctx := context.Background()
	amb := registerUnit(t, reg, domain.CapabilityBasic, domain.GeoPoint{Lat: 9, Lng: 38.7})
	require.NoError(t, reg.Reserve(ctx, amb.ID, amb.Version, uuid.New(), time.Minute))

	moved := domain.GeoPoint{Lat: 9.01, Lng: 38.71}
	require.NoError(t, reg.Heartbeat(ctx, amb.ID, moved, clock.Now()))

	got, err := reg.Get(ctx, amb.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AmbulanceReserved, got.State, "heartbeat must not change availability")
	require.Equal(t, moved, got.Location)
}

func TestQueryCandidatesRankingAndFiltering(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	pickup := domain.GeoPoint{Lat: 9.0, Lng: 38.7}

	near := registerUnit(t, reg, domain.CapabilityBasic, domain.GeoPoint{Lat: 9.001, Lng: 38.701})
	far := registerUnit(t, reg, domain.CapabilityICU, domain.GeoPoint{Lat: 9.02, Lng: 38.72})
	lowCap := registerUnit(t, reg, domain.CapabilityBasic, domain.GeoPoint{Lat: 9.002, Lng: 38.702})
	busy := registerUnit(t, reg, domain.CapabilityAdvanced, domain.GeoPoint{Lat: 9.0005, Lng: 38.7005})
	require.NoError(t, reg.Reserve(ctx, busy.ID, busy.Version, uuid.New(), time.Minute))

	// advanced minimum: lowCap and near are filtered, busy is reserved
	cands, err := reg.QueryCandidates(ctx, pickup, 10, domain.CapabilityAdvanced)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, far.ID, cands[0].ID)

	// basic minimum: distance ascending
	cands, err = reg.QueryCandidates(ctx, pickup, 10, domain.CapabilityBasic)
	require.NoError(t, err)
	require.Len(t, cands, 3)
	require.Equal(t, near.ID, cands[0].ID)
	require.Equal(t, lowCap.ID, cands[1].ID)
	require.Equal(t, far.ID, cands[2].ID)
	require.LessOrEqual(t, cands[0].DistanceKM, cands[1].DistanceKM)
}

func TestQueryCandidatesSkipsStaleHeartbeats(t *testing.T) {
	reg, clock := newTestRegistry(t)
	ctx := context.Background()
	pickup := domain.GeoPoint{Lat: 9.0, Lng: 38.7}
	amb := registerUnit(t, reg, domain.CapabilityBasic, domain.GeoPoint{Lat: 9.001, Lng: 38.701})

	clock.Advance(31 * time.Second)
	cands, err := reg.QueryCandidates(ctx, pickup, 10, domain.CapabilityBasic)
	require.NoError(t, err)
	require.Empty(t, cands)

	// a stale unit also refuses reservation even with the right version
	got, err := reg.Get(ctx, amb.ID)
	require.NoError(t, err)
	require.ErrorIs(t, reg.Reserve(ctx, amb.ID, got.Version, uuid.New(), time.Minute), domain.ErrUnavailable)
}

func TestMarkOfflineReturnsHeldRide(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	amb := registerUnit(t, reg, domain.CapabilityBasic, domain.GeoPoint{Lat: 9, Lng: 38.7})
	rideID := uuid.New()
	require.NoError(t, reg.Reserve(ctx, amb.ID, amb.Version, rideID, time.Minute))

	held, err := reg.MarkOffline(ctx, amb.ID)
	require.NoError(t, err)
	require.NotNil(t, held)
	require.Equal(t, rideID, *held)

	got, err := reg.Get(ctx, amb.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AmbulanceOffline, got.State)
	require.Nil(t, got.ReservedBy)

	// offline units never appear as candidates
	cands, err := reg.QueryCandidates(ctx, domain.GeoPoint{Lat: 9, Lng: 38.7}, 10, domain.CapabilityBasic)
	require.NoError(t, err)
	require.Empty(t, cands)
}

func TestReinstateRequiresFreshHeartbeat(t *testing.T) {
	reg, clock := newTestRegistry(t)
	ctx := context.Background()
	amb := registerUnit(t, reg, domain.CapabilityBasic, domain.GeoPoint{Lat: 9, Lng: 38.7})
	_, err := reg.MarkOffline(ctx, amb.ID)
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	require.ErrorIs(t, reg.Reinstate(ctx, amb.ID), domain.ErrUnavailable)

	require.NoError(t, reg.Heartbeat(ctx, amb.ID, amb.Location, clock.Now()))
	require.NoError(t, reg.Reinstate(ctx, amb.ID))

	got, err := reg.Get(ctx, amb.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AmbulanceFree, got.State)
}

func TestSetEnroute(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	amb := registerUnit(t, reg, domain.CapabilityBasic, domain.GeoPoint{Lat: 9, Lng: 38.7})

	require.ErrorIs(t, reg.SetEnroute(ctx, amb.ID), domain.ErrUnavailable)
	require.NoError(t, reg.Reserve(ctx, amb.ID, amb.Version, uuid.New(), time.Minute))
	require.NoError(t, reg.SetEnroute(ctx, amb.ID))

	got, err := reg.Get(ctx, amb.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AmbulanceEnroute, got.State)

	// release from enroute also lands back on free
	require.NoError(t, reg.Release(ctx, amb.ID))
	got, err = reg.Get(ctx, amb.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AmbulanceFree, got.State)
}
