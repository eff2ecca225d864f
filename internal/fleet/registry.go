// Package fleet owns ambulance records and their availability state. All
// mutations funnel through the Registry so the version counter and the
// free/reserved/enroute/offline transitions stay consistent under concurrent
// dispatch attempts.
package fleet

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

// Config carries registry tunables.
type Config struct {
	// HeartbeatStaleAfter is how long without a heartbeat before a unit is
	// treated as offline regardless of its stored state.
	HeartbeatStaleAfter time.Duration
	// PersistRetries bounds write-through attempts against the document store.
	PersistRetries int
	// PersistBackoff is the base backoff between persist attempts.
	PersistBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatStaleAfter <= 0 {
		c.HeartbeatStaleAfter = 30 * time.Second
	}
	if c.PersistRetries <= 0 {
		c.PersistRetries = 3
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = 50 * time.Millisecond
	}
	return c
}

// Candidate is a ranked reservation target returned by QueryCandidates. The
// version is the snapshot the dispatcher must present to Reserve.
type Candidate struct {
	ID         uuid.UUID
	DistanceKM float64
	Capability domain.CapabilityClass
	Version    int64
}

type unit struct {
	mu  sync.Mutex
	amb domain.Ambulance
}

// Registry is the authoritative holder of ambulance state. Locking is per
// ambulance; there is no global write lock on the hot path.
type Registry struct {
	mu    sync.RWMutex
	units map[uuid.UUID]*unit

	geo    GeoIndex
	store  docstore.Store
	clock  domain.Clock
	logger *zap.Logger
	cfg    Config
}

// NewRegistry constructs a Registry. store may be nil for in-memory runs.
func NewRegistry(geoIndex GeoIndex, store docstore.Store, clock domain.Clock, logger *zap.Logger, cfg Config) *Registry {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		units:  make(map[uuid.UUID]*unit),
		geo:    geoIndex,
		store:  store,
		clock:  clock,
		logger: logger,
		cfg:    cfg.withDefaults(),
	}
}

// Register adds a new ambulance to the fleet in the free state.
func (r *Registry) Register(ctx context.Context, amb domain.Ambulance) (domain.Ambulance, error) {
	if !amb.Location.Valid() || amb.Plate == "" || amb.DriverPhone == "" {
		return domain.Ambulance{}, domain.ErrInvalidRequest
	}
	if amb.Capability == 0 {
		amb.Capability = domain.CapabilityBasic
	}
	if amb.ID == uuid.Nil {
		amb.ID = uuid.New()
	}
	amb.State = domain.AmbulanceFree
	amb.Version = 1
	amb.LastHeartbeat = r.clock.Now()
	amb.ReservedBy = nil

	r.mu.Lock()
	if _, exists := r.units[amb.ID]; exists {
		r.mu.Unlock()
		return domain.Ambulance{}, domain.ErrConflict
	}
	r.units[amb.ID] = &unit{amb: amb}
	r.mu.Unlock()

	if err := r.indexLocation(ctx, amb.ID, amb.Location); err != nil {
		r.logger.Warn("geo index upsert failed", zap.String("ambulance_id", amb.ID.String()), zap.Error(err))
	}
	if err := r.persist(ctx, amb); err != nil {
		return domain.Ambulance{}, err
	}
	return amb, nil
}

// Get returns a snapshot of the ambulance.
func (r *Registry) Get(_ context.Context, id uuid.UUID) (domain.Ambulance, error) {
	u := r.lookup(id)
	if u == nil {
		return domain.Ambulance{}, domain.ErrNotFound
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.amb, nil
}

// Reserve holds the ambulance for rideID via compare-and-swap: it succeeds
// only when the unit is free, its heartbeat is fresh, and the version equals
// the dispatcher's candidate snapshot. Exactly one of any set of concurrent
// Reserve calls for the same unit can succeed.
func (r *Registry) Reserve(ctx context.Context, id uuid.UUID, expectedVersion int64, rideID uuid.UUID, ttl time.Duration) error {
	u := r.lookup(id)
	if u == nil {
		return domain.ErrNotFound
	}
	now := r.clock.Now()

	u.mu.Lock()
	if u.amb.State != domain.AmbulanceFree || r.stale(u.amb, now) {
		u.mu.Unlock()
		return domain.ErrUnavailable
	}
	if u.amb.Version != expectedVersion {
		u.mu.Unlock()
		return domain.ErrConflict
	}
	u.amb.State = domain.AmbulanceReserved
	u.amb.ReservedBy = &rideID
	u.amb.ReserveExpiry = now.Add(ttl)
	u.amb.Version++
	snapshot := u.amb
	u.mu.Unlock()

	if err := r.persist(ctx, snapshot); err != nil {
		r.revertReserve(u, snapshot.Version)
		return err
	}
	return nil
}

// revertReserve undoes a reservation whose write-through failed, provided no
// later mutation has already moved the unit on.
func (r *Registry) revertReserve(u *unit, reservedVersion int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.amb.Version != reservedVersion {
		return
	}
	u.amb.State = domain.AmbulanceFree
	u.amb.ReservedBy = nil
	u.amb.ReserveExpiry = time.Time{}
	u.amb.Version++
}

// Release returns a reserved or enroute ambulance to the free pool. Releasing
// an already-free unit is a no-op, so the dispatcher and the supervisor can
// both issue it without coordination.
func (r *Registry) Release(ctx context.Context, id uuid.UUID) error {
	u := r.lookup(id)
	if u == nil {
		return domain.ErrNotFound
	}

	u.mu.Lock()
	switch u.amb.State {
	case domain.AmbulanceReserved, domain.AmbulanceEnroute:
		u.amb.State = domain.AmbulanceFree
	case domain.AmbulanceFree, domain.AmbulanceOffline:
		if u.amb.ReservedBy == nil {
			u.mu.Unlock()
			return nil
		}
	}
	u.amb.ReservedBy = nil
	u.amb.ReserveExpiry = time.Time{}
	u.amb.Version++
	snapshot := u.amb
	u.mu.Unlock()

	r.persistBestEffort(ctx, snapshot)
	return nil
}

// SetEnroute moves a reserved ambulance to enroute once the driver
// acknowledges the assignment.
func (r *Registry) SetEnroute(ctx context.Context, id uuid.UUID) error {
	u := r.lookup(id)
	if u == nil {
		return domain.ErrNotFound
	}
	u.mu.Lock()
	if u.amb.State != domain.AmbulanceReserved {
		u.mu.Unlock()
		return domain.ErrUnavailable
	}
	u.amb.State = domain.AmbulanceEnroute
	u.amb.Version++
	snapshot := u.amb
	u.mu.Unlock()

	r.persistBestEffort(ctx, snapshot)
	return nil
}

// Heartbeat records a liveness/location update. It never changes the
// availability state.
func (r *Registry) Heartbeat(ctx context.Context, id uuid.UUID, location domain.GeoPoint, at time.Time) error {
	if !location.Valid() {
		return domain.ErrInvalidRequest
	}
	u := r.lookup(id)
	if u == nil {
		return domain.ErrNotFound
	}
	if at.IsZero() {
		at = r.clock.Now()
	}

	u.mu.Lock()
	u.amb.Location = location
	u.amb.LastHeartbeat = at
	u.amb.Version++
	snapshot := u.amb
	u.mu.Unlock()

	if err := r.indexLocation(ctx, id, location); err != nil {
		r.logger.Warn("geo index upsert failed", zap.String("ambulance_id", id.String()), zap.Error(err))
	}
	r.persistBestEffort(ctx, snapshot)
	return nil
}

// MarkOffline forces the unit offline and clears any reservation it holds.
// It returns the ride the unit was reserved for, if any, so the caller can
// re-dispatch it.
func (r *Registry) MarkOffline(ctx context.Context, id uuid.UUID) (*uuid.UUID, error) {
	u := r.lookup(id)
	if u == nil {
		return nil, domain.ErrNotFound
	}

	u.mu.Lock()
	heldRide := u.amb.ReservedBy
	u.amb.State = domain.AmbulanceOffline
	u.amb.ReservedBy = nil
	u.amb.ReserveExpiry = time.Time{}
	u.amb.Version++
	snapshot := u.amb
	u.mu.Unlock()

	if r.geo != nil {
		if err := r.geo.Remove(ctx, id); err != nil {
			r.logger.Warn("geo index remove failed", zap.String("ambulance_id", id.String()), zap.Error(err))
		}
	}
	r.persistBestEffort(ctx, snapshot)
	return heldRide, nil
}

// Reinstate returns an offline ambulance with a fresh heartbeat to the free
// pool. Called by the supervisor; Heartbeat itself never flips state.
func (r *Registry) Reinstate(ctx context.Context, id uuid.UUID) error {
	u := r.lookup(id)
	if u == nil {
		return domain.ErrNotFound
	}
	now := r.clock.Now()

	u.mu.Lock()
	if u.amb.State != domain.AmbulanceOffline || r.stale(u.amb, now) {
		u.mu.Unlock()
		return domain.ErrUnavailable
	}
	u.amb.State = domain.AmbulanceFree
	u.amb.Version++
	snapshot := u.amb
	u.mu.Unlock()

	if err := r.indexLocation(ctx, id, snapshot.Location); err != nil {
		r.logger.Warn("geo index upsert failed", zap.String("ambulance_id", id.String()), zap.Error(err))
	}
	r.persistBestEffort(ctx, snapshot)
	return nil
}

// QueryCandidates delegates the radius search to the geo index, then filters
// to free, sufficiently equipped, heartbeat-fresh units. Results are ordered
// by distance ascending; ties prefer the cheaper capability class, then the
// lower ambulance id for determinism.
func (r *Registry) QueryCandidates(ctx context.Context, point domain.GeoPoint, radiusKM float64, minCapability domain.CapabilityClass) ([]Candidate, error) {
	if r.geo == nil {
		return nil, domain.ErrInfrastructure
	}
	hits, err := r.geo.Nearby(ctx, point, radiusKM)
	if err != nil {
		return nil, fmt.Errorf("geo nearby: %w", err)
	}
	now := r.clock.Now()

	candidates := make([]Candidate, 0, len(hits))
	for _, hit := range hits {
		u := r.lookup(hit.ID)
		if u == nil {
			continue
		}
		u.mu.Lock()
		amb := u.amb
		u.mu.Unlock()
		if amb.State != domain.AmbulanceFree || amb.Capability < minCapability || r.stale(amb, now) {
			continue
		}
		candidates = append(candidates, Candidate{
			ID:         amb.ID,
			DistanceKM: hit.DistanceKM,
			Capability: amb.Capability,
			Version:    amb.Version,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.DistanceKM != b.DistanceKM {
			return a.DistanceKM < b.DistanceKM
		}
		if a.Capability != b.Capability {
			return a.Capability < b.Capability
		}
		return a.ID.String() < b.ID.String()
	})
	return candidates, nil
}

// List returns snapshots of all ambulances matching the filter.
func (r *Registry) List(_ context.Context, filter func(domain.Ambulance) bool) []domain.Ambulance {
	r.mu.RLock()
	units := make([]*unit, 0, len(r.units))
	for _, u := range r.units {
		units = append(units, u)
	}
	r.mu.RUnlock()

	var out []domain.Ambulance
	for _, u := range units {
		u.mu.Lock()
		amb := u.amb
		u.mu.Unlock()
		if filter == nil || filter(amb) {
			out = append(out, amb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// Stale reports whether the snapshot's heartbeat is beyond the threshold.
func (r *Registry) Stale(amb domain.Ambulance) bool {
	return r.stale(amb, r.clock.Now())
}

func (r *Registry) stale(amb domain.Ambulance, now time.Time) bool {
	return now.Sub(amb.LastHeartbeat) > r.cfg.HeartbeatStaleAfter
}

func (r *Registry) lookup(id uuid.UUID) *unit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.units[id]
}

func (r *Registry) indexLocation(ctx context.Context, id uuid.UUID, point domain.GeoPoint) error {
	if r.geo == nil {
		return nil
	}
	return r.geo.Upsert(ctx, id, point)
}

// persist writes the snapshot through to the document store with bounded
// backoff. After exhausting the budget the failure surfaces as an
// infrastructure error distinct from any domain outcome.
func (r *Registry) persist(ctx context.Context, amb domain.Ambulance) error {
	if r.store == nil {
		return nil
	}
	data, err := json.Marshal(amb)
	if err != nil {
		return fmt.Errorf("marshal ambulance: %w", err)
	}
	rec := docstore.Record{ID: amb.ID, Version: amb.Version, Data: data}

	var lastErr error
	for attempt := 0; attempt < r.cfg.PersistRetries; attempt++ {
		lastErr = r.store.Save(ctx, docstore.CollectionAmbulance, rec)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, docstore.ErrVersionMismatch) {
			// registry serializes writers per unit, so a mismatch means the
			// stored copy diverged; retrying cannot help
			break
		}
		select {
		case <-time.After(r.cfg.PersistBackoff << attempt):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: persist ambulance %s: %v", domain.ErrInfrastructure, amb.ID, lastErr)
}

func (r *Registry) persistBestEffort(ctx context.Context, amb domain.Ambulance) {
	if err := r.persist(ctx, amb); err != nil {
		r.logger.Warn("ambulance persist failed", zap.String("ambulance_id", amb.ID.String()), zap.Error(err))
	}
}
