package docstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis implements Store on Redis hashes. The version check and write run in
// a single Lua script so concurrent savers cannot interleave.
type Redis struct {
	client    redis.Cmdable
	keyPrefix string
	casScript *redis.Script
}

const casLua = `
local key = KEYS[1]
local index = KEYS[2]
local id = ARGV[1]
local version = tonumber(ARGV[2])
local data = ARGV[3]

local stored = redis.call('HGET', key, 'version')
if stored then
  if tonumber(stored) ~= version - 1 then
    return 0
  end
elseif version ~= 1 then
  return 0
end

redis.call('HSET', key, 'version', version, 'data', data)
redis.call('SADD', index, id)
return 1
`

// NewRedis constructs a Redis-backed store.
func NewRedis(client redis.Cmdable, prefix string) *Redis {
	if prefix == "" {
		prefix = "doc"
	}
	return &Redis{client: client, keyPrefix: prefix, casScript: redis.NewScript(casLua)}
}

// Load retrieves a record.
func (r *Redis) Load(ctx context.Context, collection string, id uuid.UUID) (Record, error) {
	values, err := r.client.HGetAll(ctx, r.recordKey(collection, id)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(values) == 0 {
		return Record{}, ErrNotFound
	}
	version, err := strconv.ParseInt(values["version"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("parse version: %w", err)
	}
	return Record{ID: id, Version: version, Data: []byte(values["data"])}, nil
}

// Save upserts the record through the compare-and-swap script.
func (r *Redis) Save(ctx context.Context, collection string, rec Record) error {
	keys := []string{r.recordKey(collection, rec.ID), r.indexKey(collection)}
	res, err := r.casScript.Run(ctx, r.client, keys, rec.ID.String(), rec.Version, string(rec.Data)).Int()
	if err != nil {
		return fmt.Errorf("redis cas: %w", err)
	}
	if res != 1 {
		return ErrVersionMismatch
	}
	return nil
}

// Query scans the collection index and loads every matching record.
func (r *Redis) Query(ctx context.Context, collection string, filter Filter) ([]Record, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	var out []Record
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		rec, err := r.Load(ctx, collection, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter == nil || filter(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *Redis) recordKey(collection string, id uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%s", r.keyPrefix, collection, id)
}

func (r *Redis) indexKey(collection string) string {
	return fmt.Sprintf("%s:%s", r.keyPrefix, collection)
}
