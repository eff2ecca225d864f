// Package ride owns ride records and enforces the lifecycle state machine.
// Every mutation goes through Machine, which validates the transition table,
// stamps transition times and emits events for the supervisor and the
// notification pipeline.
package ride

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/mella/internal/docstore"
	"github.com/example/mella/internal/domain"
)

type record struct {
	mu   sync.Mutex
	ride domain.Ride
}

// Machine is the authoritative holder of ride state. Transitions for a given
// ride are serialized by a per-ride mutex; distinct rides never contend.
type Machine struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*record

	store    docstore.Store
	events   domain.EventPublisher
	notifier domain.Notifier
	clock    domain.Clock
	logger   *zap.Logger
}

// NewMachine constructs a Machine. store, events and notifier may be nil.
func NewMachine(store docstore.Store, events domain.EventPublisher, notifier domain.Notifier, clock domain.Clock, logger *zap.Logger) *Machine {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		records:  make(map[uuid.UUID]*record),
		store:    store,
		events:   events,
		notifier: notifier,
		clock:    clock,
		logger:   logger,
	}
}

// Create validates and stores a new ride in the requested state.
func (m *Machine) Create(ctx context.Context, ride domain.Ride) (domain.Ride, error) {
	if !ride.Pickup.Valid() || ride.PatientName == "" || ride.PatientPhone == "" {
		return domain.Ride{}, domain.ErrInvalidRequest
	}
	if ride.MinCapability == 0 {
		ride.MinCapability = domain.CapabilityBasic
	}
	if ride.ID == uuid.Nil {
		ride.ID = uuid.New()
	}
	now := m.clock.Now()
	ride.Status = domain.RideRequested
	ride.AmbulanceID = nil
	ride.ReserveDeadline = nil
	ride.CreatedAt = now
	ride.LastTransitionAt = now
	ride.Version = 1

	m.mu.Lock()
	if _, exists := m.records[ride.ID]; exists {
		m.mu.Unlock()
		return domain.Ride{}, domain.ErrConflict
	}
	m.records[ride.ID] = &record{ride: ride}
	m.mu.Unlock()

	if err := m.persist(ctx, ride); err != nil {
		return domain.Ride{}, err
	}
	return ride, nil
}

// Get returns a snapshot of the ride.
func (m *Machine) Get(_ context.Context, id uuid.UUID) (domain.Ride, error) {
	rec := m.lookup(id)
	if rec == nil {
		return domain.Ride{}, domain.ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.ride, nil
}

// Assign binds the ride to a reserved ambulance and starts the reservation
// deadline clock.
func (m *Machine) Assign(ctx context.Context, id, ambulanceID uuid.UUID, deadline time.Time) (domain.Ride, error) {
	return m.transition(ctx, id, domain.RideAssigned, func(r *domain.Ride) {
		amb := ambulanceID
		r.AmbulanceID = &amb
		r.ReserveDeadline = &deadline
	})
}

// Acknowledge records the driver accepting the assignment.
func (m *Machine) Acknowledge(ctx context.Context, id uuid.UUID) (domain.Ride, error) {
	return m.transition(ctx, id, domain.RideEnroute, func(r *domain.Ride) {
		r.ReserveDeadline = nil
	})
}

// Pickup marks the patient on board.
func (m *Machine) Pickup(ctx context.Context, id uuid.UUID) (domain.Ride, error) {
	return m.transition(ctx, id, domain.RidePickedUp, nil)
}

// Arrive marks arrival at the receiving hospital.
func (m *Machine) Arrive(ctx context.Context, id uuid.UUID) (domain.Ride, error) {
	return m.transition(ctx, id, domain.RideArrivedHospital, nil)
}

// Complete closes the ride. The ambulance binding stays on the record as
// immutable history.
func (m *Machine) Complete(ctx context.Context, id uuid.UUID) (domain.Ride, error) {
	return m.transition(ctx, id, domain.RideCompleted, nil)
}

// Cancel terminates the ride with the given reason. Legal from every state
// except completed.
func (m *Machine) Cancel(ctx context.Context, id uuid.UUID, reason domain.CancelReason) (domain.Ride, error) {
	return m.transition(ctx, id, domain.RideCanceled, func(r *domain.Ride) {
		r.CancelReason = reason
	})
}

// Requeue returns a timed-out assignment to the requested pool, clearing the
// binding and counting the re-dispatch.
func (m *Machine) Requeue(ctx context.Context, id uuid.UUID) (domain.Ride, error) {
	return m.transition(ctx, id, domain.RideRequested, func(r *domain.Ride) {
		r.AmbulanceID = nil
		r.ReserveDeadline = nil
		r.RedispatchCount++
	})
}

// ByStatus returns snapshots of all rides currently in the given status,
// ordered by creation time.
func (m *Machine) ByStatus(_ context.Context, status domain.RideStatus) []domain.Ride {
	m.mu.RLock()
	records := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec)
	}
	m.mu.RUnlock()

	var out []domain.Ride
	for _, rec := range records {
		rec.mu.Lock()
		r := rec.ride
		rec.mu.Unlock()
		if r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Machine) transition(ctx context.Context, id uuid.UUID, to domain.RideStatus, mutate func(*domain.Ride)) (domain.Ride, error) {
	rec := m.lookup(id)
	if rec == nil {
		return domain.Ride{}, domain.ErrNotFound
	}

	rec.mu.Lock()
	from := rec.ride.Status
	if !from.CanTransitionTo(to) {
		rec.mu.Unlock()
		return domain.Ride{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	rec.ride.Status = to
	rec.ride.LastTransitionAt = m.clock.Now()
	if mutate != nil {
		mutate(&rec.ride)
	}
	rec.ride.Version++
	snapshot := rec.ride
	rec.mu.Unlock()

	m.persistBestEffort(ctx, snapshot)
	m.emit(ctx, snapshot, from, to)
	return snapshot, nil
}

func (m *Machine) emit(ctx context.Context, ride domain.Ride, from, to domain.RideStatus) {
	event := domain.TransitionEvent{
		RideID:      ride.ID,
		From:        from,
		To:          to,
		AmbulanceID: ride.AmbulanceID,
		At:          ride.LastTransitionAt,
	}
	if m.events != nil {
		if err := m.events.Publish(ctx, event); err != nil {
			m.logger.Warn("transition event publish failed", zap.String("ride_id", ride.ID.String()), zap.Error(err))
		}
	}
	if m.notifier != nil {
		payload := map[string]any{"from": string(from), "to": string(to)}
		if ride.AmbulanceID != nil {
			payload["ambulance_id"] = ride.AmbulanceID.String()
		}
		if err := m.notifier.Notify(ctx, ride.ID, string(to), payload); err != nil {
			m.logger.Debug("notify failed", zap.String("ride_id", ride.ID.String()), zap.Error(err))
		}
	}
}

func (m *Machine) lookup(id uuid.UUID) *record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[id]
}

func (m *Machine) persist(ctx context.Context, ride domain.Ride) error {
	if m.store == nil {
		return nil
	}
	data, err := json.Marshal(ride)
	if err != nil {
		return fmt.Errorf("marshal ride: %w", err)
	}
	err = m.store.Save(ctx, docstore.CollectionRide, docstore.Record{ID: ride.ID, Version: ride.Version, Data: data})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: persist ride %s: %v", domain.ErrInfrastructure, ride.ID, err)
	}
	return err
}

func (m *Machine) persistBestEffort(ctx context.Context, ride domain.Ride) {
	if err := m.persist(ctx, ride); err != nil {
		m.logger.Warn("ride persist failed", zap.String("ride_id", ride.ID.String()), zap.Error(err))
	}
}
