// Package docstore abstracts the document store holding ambulance and ride
// records. The registry and state machine are authoritative in memory; the
// store is a write-through persistence layer validated by record version.
package docstore

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Collections used by the dispatch core.
const (
	CollectionAmbulance = "ambulance"
	CollectionRide      = "ride"
)

var (
	// ErrNotFound indicates the record does not exist in the collection.
	ErrNotFound = errors.New("document not found")
	// ErrVersionMismatch indicates the stored version differs from the one
	// the caller read. The caller must re-read before saving again.
	ErrVersionMismatch = errors.New("document version mismatch")
)

// Record is a versioned document.
type Record struct {
	ID      uuid.UUID
	Version int64
	Data    []byte
}

// Filter selects records during Query. A nil func matches everything.
type Filter func(Record) bool

// Store is the document store contract consumed by the core.
type Store interface {
	Load(ctx context.Context, collection string, id uuid.UUID) (Record, error)
	// Save upserts the record. For existing records the stored version must
	// equal rec.Version-1, i.e. the caller increments the version before
	// saving; a first write carries version 1.
	Save(ctx context.Context, collection string, rec Record) error
	Query(ctx context.Context, collection string, filter Filter) ([]Record, error)
}
