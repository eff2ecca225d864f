package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point lies inside the legal lat/lng ranges.
func (p GeoPoint) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// CapabilityClass is the ordered equipment tier of an ambulance.
// A higher class can always serve a request for a lower one.
type CapabilityClass int

const (
	CapabilityBasic CapabilityClass = iota + 1
	CapabilityAdvanced
	CapabilityICU
)

func (c CapabilityClass) String() string {
	switch c {
	case CapabilityBasic:
		return "basic"
	case CapabilityAdvanced:
		return "advanced"
	case CapabilityICU:
		return "icu"
	default:
		return "unknown"
	}
}

// ParseCapability maps the wire representation to a CapabilityClass.
func ParseCapability(s string) (CapabilityClass, error) {
	switch s {
	case "basic", "":
		return CapabilityBasic, nil
	case "advanced":
		return CapabilityAdvanced, nil
	case "icu":
		return CapabilityICU, nil
	}
	return 0, ErrInvalidRequest
}

// Priority orders competing ride requests.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityUrgent
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ParsePriority maps the wire representation to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "normal", "":
		return PriorityNormal, nil
	case "urgent":
		return PriorityUrgent, nil
	case "critical":
		return PriorityCritical, nil
	}
	return 0, ErrInvalidRequest
}

// Elevated returns the next priority tier, capped at critical. Used when a
// stalled ride is re-queued so it is not starved by fresh requests.
func (p Priority) Elevated() Priority {
	if p >= PriorityCritical {
		return PriorityCritical
	}
	return p + 1
}

// AmbulanceState is the availability state owned by the fleet registry.
type AmbulanceState string

const (
	AmbulanceFree     AmbulanceState = "free"
	AmbulanceReserved AmbulanceState = "reserved"
	AmbulanceEnroute  AmbulanceState = "enroute"
	AmbulanceOffline  AmbulanceState = "offline"
)

// Ambulance is a fleet unit. Mutable fields change only through the fleet
// registry; Version increments on every mutation.
type Ambulance struct {
	ID            uuid.UUID       `json:"id"`
	Plate         string          `json:"plate"`
	Capability    CapabilityClass `json:"capability"`
	DriverName    string          `json:"driver_name"`
	DriverPhone   string          `json:"driver_phone"`
	Provider      string          `json:"provider,omitempty"`
	Location      GeoPoint        `json:"location"`
	State         AmbulanceState  `json:"state"`
	Version       int64           `json:"version"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
	ReservedBy    *uuid.UUID      `json:"reserved_by,omitempty"`
	ReserveExpiry time.Time       `json:"reserve_expiry,omitempty"`
}

// RideStatus is a state in the ride lifecycle machine.
type RideStatus string

const (
	RideRequested       RideStatus = "requested"
	RideAssigned        RideStatus = "assigned"
	RideEnroute         RideStatus = "enroute"
	RidePickedUp        RideStatus = "picked_up"
	RideArrivedHospital RideStatus = "arrived_hospital"
	RideCompleted       RideStatus = "completed"
	RideCanceled        RideStatus = "canceled"
)

// allowedTransitions is the fixed legal transition table. The assigned ->
// requested edge exists only for supervisor reassignment after a reservation
// deadline lapses.
var allowedTransitions = map[RideStatus][]RideStatus{
	RideRequested:       {RideAssigned, RideCanceled},
	RideAssigned:        {RideEnroute, RideRequested, RideCanceled},
	RideEnroute:         {RidePickedUp, RideCanceled},
	RidePickedUp:        {RideArrivedHospital, RideCanceled},
	RideArrivedHospital: {RideCompleted, RideCanceled},
}

// CanTransitionTo reports whether the table allows moving to next.
func (s RideStatus) CanTransitionTo(next RideStatus) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the ride can make no further progress.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCanceled
}

// Bound reports whether the status requires a non-nil ambulance binding.
func (s RideStatus) Bound() bool {
	switch s {
	case RideAssigned, RideEnroute, RidePickedUp, RideArrivedHospital:
		return true
	}
	return false
}

// CancelReason records why a ride ended in canceled.
type CancelReason string

const (
	CancelRequester   CancelReason = "requester_cancel"
	CancelNoAmbulance CancelReason = "no_ambulance_available"
)

// Ride is a transport request moving through the lifecycle machine.
type Ride struct {
	ID               uuid.UUID    `json:"id"`
	PatientName      string       `json:"patient_name"`
	PatientPhone     string       `json:"patient_phone"`
	Pickup           GeoPoint     `json:"pickup"`
	Destination      string       `json:"destination,omitempty"`
	Priority         Priority     `json:"priority"`
	MinCapability    CapabilityClass `json:"min_capability"`
	Status           RideStatus   `json:"status"`
	AmbulanceID      *uuid.UUID   `json:"ambulance_id,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	LastTransitionAt time.Time    `json:"last_transition_at"`
	ReserveDeadline  *time.Time   `json:"reserve_deadline,omitempty"`
	RedispatchCount  int          `json:"redispatch_count"`
	CancelReason     CancelReason `json:"cancel_reason,omitempty"`
	Version          int64        `json:"version"`
}

// TransitionEvent is emitted on every successful ride transition.
type TransitionEvent struct {
	RideID      uuid.UUID  `json:"ride_id"`
	From        RideStatus `json:"from"`
	To          RideStatus `json:"to"`
	AmbulanceID *uuid.UUID `json:"ambulance_id,omitempty"`
	At          time.Time  `json:"at"`
}

// EventPublisher carries transition events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event TransitionEvent) error
}

// Notifier delivers best-effort ride notifications. Failures must never block
// ride progression; callers ignore the returned error beyond logging.
type Notifier interface {
	Notify(ctx context.Context, rideID uuid.UUID, event string, payload map[string]any) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Error taxonomy. Domain outcomes are sentinel errors so call sites can
// branch with errors.Is without string matching.
var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrConflict          = errors.New("version conflict")
	ErrNotFound          = errors.New("not found")
	ErrUnavailable       = errors.New("ambulance unavailable")
	ErrNoCandidates      = errors.New("no candidates in range")
	ErrExhaustedRetries  = errors.New("dispatch retries exhausted")
	ErrInvalidTransition = errors.New("invalid ride state transition")
	ErrInfrastructure    = errors.New("infrastructure error")
)
