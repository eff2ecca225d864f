package supervise_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/mella/internal/dispatch"
	"github.com/example/mella/internal/domain"
	"github.com/example/mella/internal/fleet"
	"github.com/example/mella/internal/ride"
	"github.com/example/mella/internal/supervise"
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

type fixture struct {
	registry   *fleet.Registry
	rides      *ride.Machine
	queue      *dispatch.Queue
	supervisor *supervise.Supervisor
	clock      *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1700000000, 0).UTC()}
	registry := fleet.NewRegistry(fleet.NewMemoryGeoIndex(), nil, clock, nil, fleet.Config{
		HeartbeatStaleAfter: 30 * time.Second,
	})
	rides := ride.NewMachine(nil, nil, nil, clock, nil)
	queue := dispatch.NewQueue()
	supervisor := supervise.New(registry, rides, queue, clock, nil, supervise.Config{
		SweepInterval:   time.Second,
		MaxRedispatches: 3,
		RequeueAfter:    10 * time.Second,
	})
	return &fixture{registry: registry, rides: rides, queue: queue, supervisor: supervisor, clock: clock}
}

func (f *fixture) addAmbulance(t *testing.T) domain.Ambulance {
	t.Helper()
	amb, err := f.registry.Register(context.Background(), domain.Ambulance{
		Plate:       "AA-" + uuid.NewString()[:8],
		Capability:  domain.CapabilityBasic,
		DriverName:  "driver",
		DriverPhone: "+251911000000",
		Location:    domain.GeoPoint{Lat: 9.0, Lng: 38.7},
	})
	require.NoError(t, err)
	return amb
}

// assignedRide wires up a ride bound to an ambulance the way the dispatcher
// would have left it: ambulance reserved, ride assigned with a deadline.
func (f *fixture) assignedRide(t *testing.T, amb domain.Ambulance, ttl time.Duration) domain.Ride {
	t.Helper()
	ctx := context.Background()
	r, err := f.rides.Create(ctx, domain.Ride{
		PatientName:  "Abebe",
		PatientPhone: "+251911000001",
		Pickup:       domain.GeoPoint{Lat: 9.001, Lng: 38.701},
		Priority:     domain.PriorityNormal,
	})
	require.NoError(t, err)

	current, err := f.registry.Get(ctx, amb.ID)
	require.NoError(t, err)
	require.NoError(t, f.registry.Reserve(ctx, amb.ID, current.Version, r.ID, ttl))

	r, err = f.rides.Assign(ctx, r.ID, amb.ID, f.clock.Now().Add(ttl))
	require.NoError(t, err)
	return r
}

func TestSweepRequeuesTimedOutAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	amb := f.addAmbulance(t)
	r := f.assignedRide(t, amb, 15*time.Second)

	// Deadline not reached yet: nothing moves.
	f.supervisor.Sweep(ctx)
	got, err := f.rides.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RideAssigned, got.Status)

	f.clock.Advance(16 * time.Second)
	f.registry.Heartbeat(ctx, amb.ID, amb.Location, f.clock.Now())
	f.supervisor.Sweep(ctx)

	got, err = f.rides.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RideRequested, got.Status)
	require.Equal(t, 1, got.RedispatchCount)
	require.Nil(t, got.AmbulanceID)
	require.True(t, f.queue.Contains(r.ID))

	freed, err := f.registry.Get(ctx, amb.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AmbulanceFree, freed.State)
	require.Nil(t, freed.ReservedBy)

	// The re-queued ride rides at elevated priority.
	id, tier, err := f.queue.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, r.ID, id)
	require.Equal(t, domain.PriorityUrgent, tier)
}

func TestSweepCancelsRideAfterRedispatchBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	amb := f.addAmbulance(t)
	r := f.assignedRide(t, amb, 15*time.Second)

	for i := 1; i <= 3; i++ {
		f.clock.Advance(16 * time.Second)
		f.registry.Heartbeat(ctx, amb.ID, amb.Location, f.clock.Now())
		f.supervisor.Sweep(ctx)

		got, err := f.rides.Get(ctx, r.ID)
		require.NoError(t, err)
		require.Equal(t, domain.RideRequested, got.Status)
		require.Equal(t, i, got.RedispatchCount)

		// Drain and rebind the way a later dispatch pass would.
		id, _, err := f.queue.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, r.ID, id)
		current, err := f.registry.Get(ctx, amb.ID)
		require.NoError(t, err)
		require.NoError(t, f.registry.Reserve(ctx, amb.ID, current.Version, r.ID, 15*time.Second))
		_, err = f.rides.Assign(ctx, r.ID, amb.ID, f.clock.Now().Add(15*time.Second))
		require.NoError(t, err)
	}

	f.clock.Advance(16 * time.Second)
	f.registry.Heartbeat(ctx, amb.ID, amb.Location, f.clock.Now())
	f.supervisor.Sweep(ctx)

	got, err := f.rides.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RideCanceled, got.Status)
	require.Equal(t, domain.CancelNoAmbulance, got.CancelReason)
	require.False(t, f.queue.Contains(r.ID))

	freed, err := f.registry.Get(ctx, amb.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AmbulanceFree, freed.State)
}

func TestSweepMarksStaleAmbulanceOfflineAndRecoversHeldRide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	amb := f.addAmbulance(t)
	r := f.assignedRide(t, amb, time.Hour)

	f.clock.Advance(31 * time.Second)
	f.supervisor.Sweep(ctx)

	offline, err := f.registry.Get(ctx, amb.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AmbulanceOffline, offline.State)
	require.Nil(t, offline.ReservedBy)

	got, err := f.rides.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RideRequested, got.Status)
	require.Equal(t, 1, got.RedispatchCount)
	require.True(t, f.queue.Contains(r.ID))
}

func TestSweepReinstatesOfflineAmbulanceAfterFreshHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	amb := f.addAmbulance(t)

	f.clock.Advance(31 * time.Second)
	f.supervisor.Sweep(ctx)
	got, err := f.registry.Get(ctx, amb.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AmbulanceOffline, got.State)

	require.NoError(t, f.registry.Heartbeat(ctx, amb.ID, amb.Location, f.clock.Now()))
	f.supervisor.Sweep(ctx)

	got, err = f.registry.Get(ctx, amb.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AmbulanceFree, got.State)
}

func TestSweepRequeuesStalledRequestedRide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, err := f.rides.Create(ctx, domain.Ride{
		PatientName:  "Abebe",
		PatientPhone: "+251911000001",
		Pickup:       domain.GeoPoint{Lat: 9.001, Lng: 38.701},
		Priority:     domain.PriorityUrgent,
	})
	require.NoError(t, err)

	// Too fresh to requeue.
	f.supervisor.Sweep(ctx)
	require.False(t, f.queue.Contains(r.ID))

	f.clock.Advance(11 * time.Second)
	f.supervisor.Sweep(ctx)
	require.True(t, f.queue.Contains(r.ID))

	// Already queued rides are not duplicated.
	before := f.queue.Len()
	f.supervisor.Sweep(ctx)
	require.Equal(t, before, f.queue.Len())

	id, tier, err := f.queue.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, r.ID, id)
	require.Equal(t, domain.PriorityCritical, tier)
}

func TestRunSweepsOnTicker(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	supervisor := supervise.New(f.registry, f.rides, f.queue, f.clock, nil, supervise.Config{
		SweepInterval: 10 * time.Millisecond,
	})
	amb := f.addAmbulance(t)
	f.clock.Advance(31 * time.Second)

	done := make(chan error, 1)
	go func() { done <- supervisor.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := f.registry.Get(context.Background(), amb.ID)
		return err == nil && got.State == domain.AmbulanceOffline
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
