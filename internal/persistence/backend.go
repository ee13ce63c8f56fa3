// Package persistence implements spec.md §4.5's Persistence Adapter: a
// single serial mutation log per node, with the contract that a batch's
// future completes only once every mutation in it is durable, and a crash
// mid-batch rolls the whole batch back. Grounded on
// `ADKA2006-Vibranium_Quadsquad/storage/postgres/client.go`'s
// `database/sql` + `lib/pq` usage for the Postgres backend, and on
// `channeldb/db.go`'s bolt `Update`-wrapped-transaction pattern for the
// embedded backend, generalized here across three interchangeable storage
// engines behind one interface (spec.md treats the on-disk format as
// opaque to the core; only the atomic-mutation contract is specified).
package persistence

import (
	"context"

	"github.com/go-errors/errors"
)

// ErrBackendUnavailable is returned when a batch cannot even be attempted
// because the backend is down; per spec.md §7 this is always fatal to the
// router loop.
var ErrBackendUnavailable = errors.New("persistence: backend unavailable")

// Mutation is one opaque key/value write or delete within a bucket
// (namespace). The core treats the encoding of Key/Value as private to
// whichever package produced the mutation (internal/friend, internal/mc,
// internal/node); persistence only needs atomicity across a Batch, not
// interpretation of its contents, matching spec.md §6's "Persisted state...
// opaque to the core".
type Mutation struct {
	Bucket string
	Key    []byte
	Value  []byte // nil together with Delete == true means remove Key
	Delete bool
}

// Batch is one serial mutation-log entry: a set of mutations that must land
// durably all-or-nothing.
type Batch []Mutation

// Snapshot is the last durable state returned by GetState at startup: every
// stored key, grouped by bucket, for the caller to reconstruct in-memory
// node state from (spec.md §4.5: "get_state() returns the last durable
// state at startup").
type Snapshot map[string]map[string][]byte

// Backend is the storage-engine-agnostic contract every persistence
// implementation satisfies. Mutate must not return until the batch is
// durable (or definitely failed); the router must not emit any outgoing
// message whose correctness depends on a mutation until Mutate returns nil
// for the batch containing it.
type Backend interface {
	Mutate(ctx context.Context, batch Batch) error
	GetState(ctx context.Context) (Snapshot, error)
	Close() error
}

func applyToSnapshot(snap Snapshot, batch Batch) {
	for _, m := range batch {
		bucket, ok := snap[m.Bucket]
		if !ok {
			bucket = make(map[string][]byte)
			snap[m.Bucket] = bucket
		}
		if m.Delete {
			delete(bucket, string(m.Key))
			continue
		}
		bucket[string(m.Key)] = append([]byte{}, m.Value...)
	}
}
