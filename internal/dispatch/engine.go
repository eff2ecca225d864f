// Package dispatch implements the matching core: given a ride request it
// selects and reserves the best available ambulance under contention, binds
// the ride, and reports a typed outcome. The engine holds no state of its own
// beyond the re-dispatch queue; ambulances belong to the fleet registry and
// rides to the state machine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/mella/internal/domain"
	"github.com/example/mella/internal/fleet"
	"github.com/example/mella/internal/geo"
	"github.com/example/mella/internal/ride"
)

// Outcome is the typed result of a dispatch attempt.
type Outcome string

const (
	OutcomeBound            Outcome = "bound"
	OutcomeNoCandidates     Outcome = "no_candidates"
	OutcomeExhaustedRetries Outcome = "exhausted_retries"
	// OutcomeCanceled is reported when the ride was canceled while the
	// dispatch attempt was in flight.
	OutcomeCanceled Outcome = "canceled"
)

// Config carries the dispatch policy knobs. All of them are configuration,
// not architecture; defaults apply when zero.
type Config struct {
	InitialRadiusKM float64
	MaxRadiusKM     float64
	ReserveTTL      time.Duration
	ConflictRetries int
	Backoff         time.Duration
	AverageSpeedKMH float64
}

func (c Config) withDefaults() Config {
	if c.InitialRadiusKM <= 0 {
		c.InitialRadiusKM = 5
	}
	if c.MaxRadiusKM < c.InitialRadiusKM {
		c.MaxRadiusKM = 20
	}
	if c.ReserveTTL <= 0 {
		c.ReserveTTL = 15 * time.Second
	}
	if c.ConflictRetries <= 0 {
		c.ConflictRetries = 1
	}
	if c.Backoff <= 0 {
		c.Backoff = 50 * time.Millisecond
	}
	if c.AverageSpeedKMH <= 0 {
		c.AverageSpeedKMH = 40
	}
	return c
}

// Request is a validated-on-entry ride request.
type Request struct {
	PatientName   string
	PatientPhone  string
	Pickup        domain.GeoPoint
	Destination   string
	Priority      domain.Priority
	MinCapability domain.CapabilityClass
}

// Assignment is the result of one dispatch attempt.
type Assignment struct {
	Outcome     Outcome       `json:"outcome"`
	Ride        domain.Ride   `json:"ride"`
	AmbulanceID *uuid.UUID    `json:"ambulance_id,omitempty"`
	DistanceKM  float64       `json:"distance_km,omitempty"`
	ETA         time.Duration `json:"eta,omitempty"`
}

// Engine orchestrates candidate search and reservation.
type Engine struct {
	registry *fleet.Registry
	rides    *ride.Machine
	queue    *Queue
	clock    domain.Clock
	logger   *zap.Logger
	tracer   trace.Tracer
	cfg      Config
}

// NewEngine constructs an Engine.
func NewEngine(registry *fleet.Registry, rides *ride.Machine, queue *Queue, clock domain.Clock, logger *zap.Logger, cfg Config) *Engine {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if queue == nil {
		queue = NewQueue()
	}
	return &Engine{
		registry: registry,
		rides:    rides,
		queue:    queue,
		clock:    clock,
		logger:   logger,
		tracer:   otel.Tracer("mella.dispatch"),
		cfg:      cfg.withDefaults(),
	}
}

// Queue exposes the re-dispatch queue shared with the supervisor.
func (e *Engine) Queue() *Queue { return e.queue }

// Dispatch validates the request, creates the ride and runs one matching
// pass. On no_candidates or exhausted_retries the ride stays requested and is
// eligible for re-dispatch.
func (e *Engine) Dispatch(ctx context.Context, req Request) (Assignment, error) {
	if !req.Pickup.Valid() || req.PatientName == "" || req.PatientPhone == "" {
		return Assignment{}, domain.ErrInvalidRequest
	}
	r, err := e.rides.Create(ctx, domain.Ride{
		PatientName:   req.PatientName,
		PatientPhone:  req.PatientPhone,
		Pickup:        req.Pickup,
		Destination:   req.Destination,
		Priority:      req.Priority,
		MinCapability: req.MinCapability,
	})
	if err != nil {
		return Assignment{}, err
	}
	return e.Redispatch(ctx, r)
}

// Redispatch runs one matching pass over an existing requested ride.
func (e *Engine) Redispatch(ctx context.Context, r domain.Ride) (Assignment, error) {
	ctx, span := e.tracer.Start(ctx, "dispatch.match")
	defer span.End()
	start := time.Now()

	assignment, err := e.match(ctx, r)
	outcome := "error"
	if err == nil {
		outcome = string(assignment.Outcome)
	}
	dispatchDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return assignment, err
}

func (e *Engine) match(ctx context.Context, r domain.Ride) (Assignment, error) {
	sawCandidate := false
	for radius := e.cfg.InitialRadiusKM; ; radius *= 2 {
		candidates, err := e.registry.QueryCandidates(ctx, r.Pickup, radius, r.MinCapability)
		if err != nil {
			return Assignment{}, fmt.Errorf("query candidates: %w", err)
		}
		for _, cand := range candidates {
			sawCandidate = true
			if !e.tryReserve(ctx, r.ID, cand) {
				continue
			}
			return e.bind(ctx, r, cand)
		}
		if radius >= e.cfg.MaxRadiusKM {
			break
		}
		// observe an external cancel between expansion rounds
		current, err := e.rides.Get(ctx, r.ID)
		if err != nil {
			return Assignment{}, err
		}
		if current.Status == domain.RideCanceled {
			return Assignment{Outcome: OutcomeCanceled, Ride: current}, nil
		}
	}

	if sawCandidate {
		e.logger.Info("dispatch exhausted candidates",
			zap.String("ride_id", r.ID.String()),
			zap.String("priority", r.Priority.String()))
		return Assignment{Outcome: OutcomeExhaustedRetries, Ride: r}, nil
	}
	e.logger.Info("no candidates in range",
		zap.String("ride_id", r.ID.String()),
		zap.Float64("max_radius_km", e.cfg.MaxRadiusKM))
	return Assignment{Outcome: OutcomeNoCandidates, Ride: r}, nil
}

// tryReserve attempts the compare-and-swap against one candidate. A version
// conflict means another dispatch won the race with a stale snapshot; the
// candidate is re-read once and retried before being abandoned.
func (e *Engine) tryReserve(ctx context.Context, rideID uuid.UUID, cand fleet.Candidate) bool {
	version := cand.Version
	for attempt := 0; ; attempt++ {
		err := e.registry.Reserve(ctx, cand.ID, version, rideID, e.cfg.ReserveTTL)
		switch {
		case err == nil:
			reserveAttempts.WithLabelValues("ok").Inc()
			return true
		case errors.Is(err, domain.ErrConflict):
			reserveAttempts.WithLabelValues("conflict").Inc()
			if attempt >= e.cfg.ConflictRetries {
				return false
			}
			select {
			case <-time.After(e.cfg.Backoff << attempt):
			case <-ctx.Done():
				return false
			}
			fresh, err := e.registry.Get(ctx, cand.ID)
			if err != nil || fresh.State != domain.AmbulanceFree {
				reserveAttempts.WithLabelValues("unavailable").Inc()
				return false
			}
			version = fresh.Version
		case errors.Is(err, domain.ErrUnavailable):
			reserveAttempts.WithLabelValues("unavailable").Inc()
			return false
		case errors.Is(err, domain.ErrNotFound):
			reserveAttempts.WithLabelValues("not_found").Inc()
			return false
		default:
			reserveAttempts.WithLabelValues("error").Inc()
			e.logger.Warn("reserve failed",
				zap.String("ambulance_id", cand.ID.String()),
				zap.String("ride_id", rideID.String()),
				zap.Error(err))
			return false
		}
	}
}

// bind transitions the ride to assigned. If the transition fails because the
// ride was canceled while the reservation was in flight, the freshly reserved
// ambulance is released immediately.
func (e *Engine) bind(ctx context.Context, r domain.Ride, cand fleet.Candidate) (Assignment, error) {
	deadline := e.clock.Now().Add(e.cfg.ReserveTTL)
	assigned, err := e.rides.Assign(ctx, r.ID, cand.ID, deadline)
	if err != nil {
		if relErr := e.registry.Release(ctx, cand.ID); relErr != nil {
			e.logger.Warn("release after failed bind", zap.String("ambulance_id", cand.ID.String()), zap.Error(relErr))
		}
		if errors.Is(err, domain.ErrInvalidTransition) {
			current, getErr := e.rides.Get(ctx, r.ID)
			if getErr == nil && current.Status == domain.RideCanceled {
				return Assignment{Outcome: OutcomeCanceled, Ride: current}, nil
			}
		}
		return Assignment{}, err
	}

	ambID := cand.ID
	e.logger.Info("ride bound",
		zap.String("ride_id", r.ID.String()),
		zap.String("ambulance_id", ambID.String()),
		zap.Float64("distance_km", cand.DistanceKM))
	return Assignment{
		Outcome:     OutcomeBound,
		Ride:        assigned,
		AmbulanceID: &ambID,
		DistanceKM:  cand.DistanceKM,
		ETA:         geo.EstimateETA(cand.DistanceKM, e.cfg.AverageSpeedKMH),
	}, nil
}

// Run drains the re-dispatch queue until the context ends. Rides are served
// strictly by priority tier, FIFO within a tier, so a critical re-dispatch is
// never starved by a stream of normal requests.
func (e *Engine) Run(ctx context.Context) error {
	for {
		rideID, _, err := e.queue.Pop(ctx)
		if err != nil {
			return err
		}
		r, err := e.rides.Get(ctx, rideID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			e.logger.Warn("redispatch load failed", zap.String("ride_id", rideID.String()), zap.Error(err))
			continue
		}
		if r.Status != domain.RideRequested {
			continue
		}
		if _, err := e.Redispatch(ctx, r); err != nil {
			e.logger.Warn("redispatch failed", zap.String("ride_id", rideID.String()), zap.Error(err))
		}
	}
}
