// Package httpapi exposes the dispatch core over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/mella/internal/auth"
	"github.com/example/mella/internal/dispatch"
	"github.com/example/mella/internal/domain"
	"github.com/example/mella/internal/fleet"
	"github.com/example/mella/internal/httpapi/middleware"
	"github.com/example/mella/internal/ride"
)

// Options configures the optional outer layers of the router. Zero values
// disable them, which is how the tests run.
type Options struct {
	JWTSecret   string
	RateLimiter *middleware.RateLimiter
}

// Handler exposes ride and fleet endpoints.
type Handler struct {
	engine   *dispatch.Engine
	rides    *ride.Machine
	registry *fleet.Registry
	idem     ride.IdempotencyStore
	logger   *zap.Logger
	opts     Options
}

// NewHandler constructs a Handler. idem may be nil to disable replay.
func NewHandler(engine *dispatch.Engine, rides *ride.Machine, registry *fleet.Registry, idem ride.IdempotencyStore, logger *zap.Logger, opts Options) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, rides: rides, registry: registry, idem: idem, logger: logger, opts: opts}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	if h.opts.RateLimiter != nil {
		r.Use(h.opts.RateLimiter.Middleware)
	}

	requesterAuth := h.guard(auth.RoleRequester, auth.RoleOperator)
	driverAuth := h.guard(auth.RoleDriver, auth.RoleOperator)
	operatorAuth := h.guard(auth.RoleOperator)

	r.Group(func(r chi.Router) {
		r.Use(requesterAuth)
		r.Post("/v1/rides", h.submitRide)
		r.Get("/v1/rides/{id}", h.getRide)
		r.Post("/v1/rides/{id}/cancel", h.cancelRide)
	})
	r.Group(func(r chi.Router) {
		r.Use(driverAuth)
		r.Post("/v1/rides/{id}/acknowledge", h.acknowledgeRide)
		r.Post("/v1/rides/{id}/pickup", h.pickupRide)
		r.Post("/v1/rides/{id}/arrive", h.arriveRide)
		r.Post("/v1/rides/{id}/complete", h.completeRide)
		r.Post("/v1/ambulances/{id}/heartbeat", h.heartbeat)
	})
	r.Group(func(r chi.Router) {
		r.Use(operatorAuth)
		r.Post("/v1/ambulances", h.registerAmbulance)
		r.Get("/v1/ambulances", h.listAmbulances)
	})
	return r
}

func (h *Handler) guard(roles ...string) func(http.Handler) http.Handler {
	if h.opts.JWTSecret == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	return auth.Middleware(h.opts.JWTSecret, roles...)
}

type geoPayload struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type submitRideRequest struct {
	PatientName   string     `json:"patient_name"`
	PatientPhone  string     `json:"patient_phone"`
	Pickup        geoPayload `json:"pickup"`
	Destination   string     `json:"destination"`
	Priority      string     `json:"priority"`
	MinCapability string     `json:"min_capability"`
}

func (h *Handler) submitRide(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key != "" && h.idem != nil {
		if cached, ok, err := h.idem.GetResponse(r.Context(), key); err == nil && ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotency-Replayed", "true")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(cached)
			return
		}
	}

	var payload submitRideRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	priority := domain.PriorityNormal
	if payload.Priority != "" {
		var err error
		if priority, err = domain.ParsePriority(payload.Priority); err != nil {
			http.Error(w, "invalid priority", http.StatusBadRequest)
			return
		}
	}
	minCap := domain.CapabilityBasic
	if payload.MinCapability != "" {
		var err error
		if minCap, err = domain.ParseCapability(payload.MinCapability); err != nil {
			http.Error(w, "invalid min_capability", http.StatusBadRequest)
			return
		}
	}

	assignment, err := h.engine.Dispatch(r.Context(), dispatch.Request{
		PatientName:   payload.PatientName,
		PatientPhone:  payload.PatientPhone,
		Pickup:        domain.GeoPoint{Lat: payload.Pickup.Lat, Lng: payload.Pickup.Lng},
		Destination:   payload.Destination,
		Priority:      priority,
		MinCapability: minCap,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	body, err := json.Marshal(assignment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if key != "" && h.idem != nil {
		if err := h.idem.PutResponse(r.Context(), key, body); err != nil {
			h.logger.Warn("idempotency store write failed", zap.Error(err))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

func (h *Handler) getRide(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	rideSnapshot, err := h.rides.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rideSnapshot)
}

func (h *Handler) cancelRide(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	canceled, err := h.rides.Cancel(r.Context(), id, domain.CancelRequester)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if canceled.AmbulanceID != nil {
		if err := h.registry.Release(r.Context(), *canceled.AmbulanceID); err != nil {
			h.logger.Warn("release after cancel failed",
				zap.String("ambulance_id", canceled.AmbulanceID.String()), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, canceled)
}

func (h *Handler) acknowledgeRide(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	acked, err := h.rides.Acknowledge(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if acked.AmbulanceID != nil {
		if err := h.registry.SetEnroute(r.Context(), *acked.AmbulanceID); err != nil {
			h.logger.Warn("set enroute failed",
				zap.String("ambulance_id", acked.AmbulanceID.String()), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, acked)
}

func (h *Handler) pickupRide(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, h.rides.Pickup)
}

func (h *Handler) arriveRide(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, h.rides.Arrive)
}

func (h *Handler) completeRide(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	completed, err := h.rides.Complete(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if completed.AmbulanceID != nil {
		if err := h.registry.Release(r.Context(), *completed.AmbulanceID); err != nil {
			h.logger.Warn("release after completion failed",
				zap.String("ambulance_id", completed.AmbulanceID.String()), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, completed)
}

func (h *Handler) simpleTransition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id uuid.UUID) (domain.Ride, error)) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	updated, err := op(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type registerAmbulanceRequest struct {
	Plate       string     `json:"plate"`
	Capability  string     `json:"capability"`
	DriverName  string     `json:"driver_name"`
	DriverPhone string     `json:"driver_phone"`
	Provider    string     `json:"provider"`
	Location    geoPayload `json:"location"`
}

func (h *Handler) registerAmbulance(w http.ResponseWriter, r *http.Request) {
	var payload registerAmbulanceRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	capability := domain.CapabilityBasic
	if payload.Capability != "" {
		var err error
		if capability, err = domain.ParseCapability(payload.Capability); err != nil {
			http.Error(w, "invalid capability", http.StatusBadRequest)
			return
		}
	}
	amb, err := h.registry.Register(r.Context(), domain.Ambulance{
		Plate:       payload.Plate,
		Capability:  capability,
		DriverName:  payload.DriverName,
		DriverPhone: payload.DriverPhone,
		Provider:    payload.Provider,
		Location:    domain.GeoPoint{Lat: payload.Location.Lat, Lng: payload.Location.Lng},
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, amb)
}

type heartbeatRequest struct {
	Location geoPayload `json:"location"`
	At       time.Time  `json:"at"`
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var payload heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.registry.Heartbeat(r.Context(), id, domain.GeoPoint{Lat: payload.Location.Lat, Lng: payload.Location.Lng}, payload.At); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listAmbulances(w http.ResponseWriter, r *http.Request) {
	stateFilter := r.URL.Query().Get("state")
	capFilter := r.URL.Query().Get("capability")
	var minCap domain.CapabilityClass
	if capFilter != "" {
		var err error
		if minCap, err = domain.ParseCapability(capFilter); err != nil {
			http.Error(w, "invalid capability", http.StatusBadRequest)
			return
		}
	}
	units := h.registry.List(r.Context(), func(amb domain.Ambulance) bool {
		if stateFilter != "" && string(amb.State) != stateFilter {
			return false
		}
		if minCap != 0 && amb.Capability < minCap {
			return false
		}
		return true
	})
	writeJSON(w, http.StatusOK, units)
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrUnavailable), errors.Is(err, domain.ErrInfrastructure):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.logger.Error("request failed", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
