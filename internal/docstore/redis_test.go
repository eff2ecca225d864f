package docstore_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/mella/internal/docstore"
)

func newRedisStore(t *testing.T) *docstore.Redis {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return docstore.NewRedis(client, "")
}

func TestRedisSaveAndLoad(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()
	id := uuid.New()

	err := store.Save(ctx, docstore.CollectionRide, docstore.Record{ID: id, Version: 1, Data: []byte(`{"status":"requested"}`)})
	require.NoError(t, err)

	rec, err := store.Load(ctx, docstore.CollectionRide, id)
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.Version)
	require.JSONEq(t, `{"status":"requested"}`, string(rec.Data))
}

func TestRedisSaveRejectsStaleVersion(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, store.Save(ctx, docstore.CollectionAmbulance, docstore.Record{ID: id, Version: 1, Data: []byte(`{}`)}))
	require.NoError(t, store.Save(ctx, docstore.CollectionAmbulance, docstore.Record{ID: id, Version: 2, Data: []byte(`{}`)}))

	// replaying version 2 must fail, as must skipping ahead
	err := store.Save(ctx, docstore.CollectionAmbulance, docstore.Record{ID: id, Version: 2, Data: []byte(`{}`)})
	require.ErrorIs(t, err, docstore.ErrVersionMismatch)
	err = store.Save(ctx, docstore.CollectionAmbulance, docstore.Record{ID: id, Version: 5, Data: []byte(`{}`)})
	require.ErrorIs(t, err, docstore.ErrVersionMismatch)
}

func TestRedisFirstWriteMustBeVersionOne(t *testing.T) {
	store := newRedisStore(t)
	err := store.Save(context.Background(), docstore.CollectionRide, docstore.Record{ID: uuid.New(), Version: 3, Data: []byte(`{}`)})
	require.ErrorIs(t, err, docstore.ErrVersionMismatch)
}

func TestRedisQueryFilters(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()
	kept := uuid.New()
	require.NoError(t, store.Save(ctx, docstore.CollectionRide, docstore.Record{ID: kept, Version: 1, Data: []byte(`keep`)}))
	require.NoError(t, store.Save(ctx, docstore.CollectionRide, docstore.Record{ID: uuid.New(), Version: 1, Data: []byte(`drop`)}))

	recs, err := store.Query(ctx, docstore.CollectionRide, func(rec docstore.Record) bool {
		return string(rec.Data) == "keep"
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, kept, recs[0].ID)
}

func TestMemoryStoreMatchesRedisSemantics(t *testing.T) {
	store := docstore.NewMemory()
	ctx := context.Background()
	id := uuid.New()

	_, err := store.Load(ctx, docstore.CollectionRide, id)
	require.ErrorIs(t, err, docstore.ErrNotFound)

	require.NoError(t, store.Save(ctx, docstore.CollectionRide, docstore.Record{ID: id, Version: 1}))
	err = store.Save(ctx, docstore.CollectionRide, docstore.Record{ID: id, Version: 3})
	require.ErrorIs(t, err, docstore.ErrVersionMismatch)
	require.NoError(t, store.Save(ctx, docstore.CollectionRide, docstore.Record{ID: id, Version: 2}))
}
