// Package supervise runs the periodic sweep that keeps dispatch honest:
// assigned rides whose reservation deadline lapsed without a driver
// acknowledgment are re-queued or canceled, and ambulances with stale
// heartbeats are forced offline. The supervisor drives everything through the
// same public registry and state machine operations the dispatcher uses; it
// holds no private view of either.
package supervise

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/mella/internal/dispatch"
	"github.com/example/mella/internal/domain"
	"github.com/example/mella/internal/fleet"
	"github.com/example/mella/internal/ride"
)

// Config carries supervisor tunables.
type Config struct {
	SweepInterval time.Duration
	// MaxRedispatches bounds how often a ride may fall back to requested
	// before it is canceled with reason no_ambulance_available.
	MaxRedispatches int
	// RequeueAfter is how long a ride may sit in requested before the sweep
	// re-enqueues it for another dispatch pass.
	RequeueAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.MaxRedispatches <= 0 {
		c.MaxRedispatches = 3
	}
	if c.RequeueAfter <= 0 {
		c.RequeueAfter = 10 * time.Second
	}
	return c
}

// Supervisor watches pending reservations and fleet liveness.
type Supervisor struct {
	registry *fleet.Registry
	rides    *ride.Machine
	queue    *dispatch.Queue
	clock    domain.Clock
	logger   *zap.Logger
	tracer   trace.Tracer
	cfg      Config
}

// New constructs a Supervisor.
func New(registry *fleet.Registry, rides *ride.Machine, queue *dispatch.Queue, clock domain.Clock, logger *zap.Logger, cfg Config) *Supervisor {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		registry: registry,
		rides:    rides,
		queue:    queue,
		clock:    clock,
		logger:   logger,
		tracer:   otel.Tracer("mella.supervise"),
		cfg:      cfg.withDefaults(),
	}
}

// Run sweeps on a fixed interval until the context ends.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. It is exported so tests and operators can trigger it
// directly without the ticker.
func (s *Supervisor) Sweep(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "supervise.sweep")
	defer span.End()

	s.sweepFleet(ctx)
	s.sweepAssigned(ctx)
	s.sweepRequested(ctx)
}

// sweepFleet forces stale-heartbeat units offline and reinstates offline
// units that resumed heartbeating.
func (s *Supervisor) sweepFleet(ctx context.Context) {
	for _, amb := range s.registry.List(ctx, nil) {
		switch {
		case amb.State != domain.AmbulanceOffline && s.registry.Stale(amb):
			heldRide, err := s.registry.MarkOffline(ctx, amb.ID)
			if err != nil {
				s.logger.Warn("mark offline failed", zap.String("ambulance_id", amb.ID.String()), zap.Error(err))
				continue
			}
			s.logger.Info("ambulance offline after stale heartbeat",
				zap.String("ambulance_id", amb.ID.String()),
				zap.Time("last_heartbeat", amb.LastHeartbeat))
			if heldRide != nil {
				s.recoverRide(ctx, *heldRide)
			}
		case amb.State == domain.AmbulanceOffline && !s.registry.Stale(amb):
			if err := s.registry.Reinstate(ctx, amb.ID); err != nil {
				s.logger.Warn("reinstate failed", zap.String("ambulance_id", amb.ID.String()), zap.Error(err))
			}
		}
	}
}

// sweepAssigned handles reservation deadlines: no driver acknowledgment in
// time means the ambulance goes back to the pool and the ride is re-queued
// with elevated priority, or canceled once the re-dispatch budget is spent.
func (s *Supervisor) sweepAssigned(ctx context.Context) {
	now := s.clock.Now()
	for _, r := range s.rides.ByStatus(ctx, domain.RideAssigned) {
		if r.ReserveDeadline == nil || now.Before(*r.ReserveDeadline) {
			continue
		}
		if r.AmbulanceID != nil {
			if err := s.registry.Release(ctx, *r.AmbulanceID); err != nil && !errors.Is(err, domain.ErrNotFound) {
				s.logger.Warn("release timed-out reservation failed",
					zap.String("ambulance_id", r.AmbulanceID.String()), zap.Error(err))
			}
		}
		s.recoverRide(ctx, r.ID)
	}
}

// sweepRequested re-enqueues rides that previous dispatch passes left behind.
func (s *Supervisor) sweepRequested(ctx context.Context) {
	now := s.clock.Now()
	for _, r := range s.rides.ByStatus(ctx, domain.RideRequested) {
		if now.Sub(r.LastTransitionAt) < s.cfg.RequeueAfter || s.queue.Contains(r.ID) {
			continue
		}
		if r.RedispatchCount >= s.cfg.MaxRedispatches {
			s.cancelStarved(ctx, r.ID)
			continue
		}
		s.queue.Enqueue(r.ID, r.Priority.Elevated(), now)
	}
}

// recoverRide moves an assigned ride that lost its ambulance back to the
// requested pool, or cancels it once the re-dispatch budget is exhausted.
func (s *Supervisor) recoverRide(ctx context.Context, rideID uuid.UUID) {
	r, err := s.rides.Get(ctx, rideID)
	if err != nil {
		s.logger.Warn("recover ride load failed", zap.String("ride_id", rideID.String()), zap.Error(err))
		return
	}
	if r.Status != domain.RideAssigned {
		return
	}
	if r.RedispatchCount+1 > s.cfg.MaxRedispatches {
		if _, err := s.rides.Cancel(ctx, rideID, domain.CancelNoAmbulance); err != nil {
			s.logger.Warn("cancel starved ride failed", zap.String("ride_id", rideID.String()), zap.Error(err))
		} else {
			s.logger.Info("ride canceled after re-dispatch budget",
				zap.String("ride_id", rideID.String()),
				zap.Int("redispatch_count", r.RedispatchCount))
		}
		return
	}
	requeued, err := s.rides.Requeue(ctx, rideID)
	if err != nil {
		s.logger.Warn("requeue ride failed", zap.String("ride_id", rideID.String()), zap.Error(err))
		return
	}
	s.queue.Enqueue(requeued.ID, requeued.Priority.Elevated(), s.clock.Now())
	s.logger.Info("ride re-queued after reservation timeout",
		zap.String("ride_id", requeued.ID.String()),
		zap.Int("redispatch_count", requeued.RedispatchCount))
}

func (s *Supervisor) cancelStarved(ctx context.Context, rideID uuid.UUID) {
	if _, err := s.rides.Cancel(ctx, rideID, domain.CancelNoAmbulance); err != nil {
		s.logger.Warn("cancel starved ride failed", zap.String("ride_id", rideID.String()), zap.Error(err))
		return
	}
	s.logger.Info("ride canceled after re-dispatch budget", zap.String("ride_id", rideID.String()))
}
