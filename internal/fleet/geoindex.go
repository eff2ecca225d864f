package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/mella/internal/domain"
	"github.com/example/mella/internal/geo"
)

// NearbyUnit is one geo index hit: an ambulance id with its distance from the
// query point.
type NearbyUnit struct {
	ID         uuid.UUID
	DistanceKM float64
}

// GeoIndex abstracts the spatial query capability the registry delegates
// radius searches to. Implementations return hits sorted by distance.
type GeoIndex interface {
	Upsert(ctx context.Context, id uuid.UUID, point domain.GeoPoint) error
	Remove(ctx context.Context, id uuid.UUID) error
	Nearby(ctx context.Context, point domain.GeoPoint, radiusKM float64) ([]NearbyUnit, error)
}

var errInvalidGeoResult = errors.New("invalid geo search result")

// RedisGeoIndex implements GeoIndex on Redis GEO commands.
type RedisGeoIndex struct {
	client redis.Cmdable
	key    string
}

// NewRedisGeoIndex constructs a Redis-backed geo index.
func NewRedisGeoIndex(client redis.Cmdable, key string) *RedisGeoIndex {
	if key == "" {
		key = "fleet:locs"
	}
	return &RedisGeoIndex{client: client, key: key}
}

// Upsert adds or moves the ambulance in the index.
func (r *RedisGeoIndex) Upsert(ctx context.Context, id uuid.UUID, point domain.GeoPoint) error {
	err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Name:      id.String(),
		Longitude: point.Lng,
		Latitude:  point.Lat,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis geoadd: %w", err)
	}
	return nil
}

// Remove drops the ambulance from the index.
func (r *RedisGeoIndex) Remove(ctx context.Context, id uuid.UUID) error {
	if err := r.client.ZRem(ctx, r.key, id.String()).Err(); err != nil {
		return fmt.Errorf("redis zrem: %w", err)
	}
	return nil
}

// Nearby returns ambulances within radiusKM sorted by distance ascending.
func (r *RedisGeoIndex) Nearby(ctx context.Context, point domain.GeoPoint, radiusKM float64) ([]NearbyUnit, error) {
	results, err := r.client.GeoRadius(ctx, r.key, point.Lng, point.Lat, &redis.GeoRadiusQuery{
		Radius:   radiusKM,
		Unit:     "km",
		WithDist: true,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis georadius: %w", err)
	}
	units := make([]NearbyUnit, 0, len(results))
	for _, res := range results {
		id, err := uuid.Parse(res.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errInvalidGeoResult, res.Name)
		}
		units = append(units, NearbyUnit{ID: id, DistanceKM: res.Dist})
	}
	return units, nil
}

// MemoryGeoIndex is a haversine scan over an in-memory map, used in tests and
// local runs without Redis.
type MemoryGeoIndex struct {
	mu     sync.RWMutex
	points map[uuid.UUID]domain.GeoPoint
}

// NewMemoryGeoIndex constructs an empty index.
func NewMemoryGeoIndex() *MemoryGeoIndex {
	return &MemoryGeoIndex{points: make(map[uuid.UUID]domain.GeoPoint)}
}

func (m *MemoryGeoIndex) Upsert(_ context.Context, id uuid.UUID, point domain.GeoPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[id] = point
	return nil
}

func (m *MemoryGeoIndex) Remove(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.points, id)
	return nil
}

func (m *MemoryGeoIndex) Nearby(_ context.Context, point domain.GeoPoint, radiusKM float64) ([]NearbyUnit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var units []NearbyUnit
	for id, p := range m.points {
		if d := geo.DistanceKM(point, p); d <= radiusKM {
			units = append(units, NearbyUnit{ID: id, DistanceKM: d})
		}
	}
	sort.Slice(units, func(i, j int) bool {
		if units[i].DistanceKM != units[j].DistanceKM {
			return units[i].DistanceKM < units[j].DistanceKM
		}
		return units[i].ID.String() < units[j].ID.String()
	})
	return units, nil
}
