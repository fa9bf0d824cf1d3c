// Package optimistic reconciles locally created provisional records against
// the canonical records the backend eventually returns.
//
// A provisional record carries a temp- prefixed identifier and lives in the
// cache slot it was created into. Reconciliation replaces it in place, so
// list order is stable, and suppresses duplicates when the canonical record
// races ahead of the mutation's own response.
package optimistic

import (
	"context"

	"github.com/veldt-labs/tokenhall/internal/cache"
	"github.com/veldt-labs/tokenhall/internal/platform/id"
)

// Identity supplies the per-entity hooks the coordinator needs: identifier
// access and the duplicate matcher used for push-vs-response races.
type Identity[V any] struct {
	// ID returns the record's identifier.
	ID func(V) string
	// WithID returns the record with its identifier replaced.
	WithID func(V, string) V
	// SameOrigin reports whether candidate is the canonical form of the
	// provisional record (same author, scope, and content, created close
	// in time). It is only consulted when identifiers differ.
	SameOrigin func(provisional, candidate V) bool
}

// Absorption describes what Absorb did with a pushed canonical record.
type Absorption int

const (
	// AbsorbInserted added the record at the head of the collection.
	AbsorbInserted Absorption = iota
	// AbsorbReplacedProvisional swapped a matching provisional record in
	// place.
	AbsorbReplacedProvisional
	// AbsorbRefreshed updated an existing record with the same identifier.
	AbsorbRefreshed
)

// Coordinator manages provisional records inside one typed cache store.
type Coordinator[K comparable, V any] struct {
	store    *cache.Store[K, V]
	identity Identity[V]
}

// New creates a coordinator bound to a cache store.
func New[K comparable, V any](store *cache.Store[K, V], identity Identity[V]) *Coordinator[K, V] {
	return &Coordinator[K, V]{store: store, identity: identity}
}

// CreateOptimistic stamps a provisional identifier onto record and inserts
// it at the head of the key's collection, creating the slot if the page was
// never loaded. It is synchronous and always succeeds.
func (c *Coordinator[K, V]) CreateOptimistic(key K, record V) (V, error) {
	provisionalID, err := id.NewProvisional()
	if err != nil {
		return record, err
	}
	record = c.identity.WithID(record, provisionalID)

	if updated := c.store.Update(key, func(values []V) []V {
		return append([]V{record}, values...)
	}); !updated {
		c.store.Set(key, []V{record})
	}
	return record, nil
}

// Commit submits the real mutation for a provisional record. On success the
// provisional record is replaced in place by the canonical one; if a push
// event already delivered the canonical record, Commit only removes the
// placeholder. On failure the provisional record is removed and the error
// returned for user-facing rollback.
func (c *Coordinator[K, V]) Commit(ctx context.Context, key K, provisionalID string, submit func(context.Context) (V, error)) (V, error) {
	canonical, err := submit(ctx)
	if err != nil {
		c.Discard(key, provisionalID)
		var zero V
		return zero, err
	}

	canonicalID := c.identity.ID(canonical)
	c.store.Update(key, func(values []V) []V {
		canonicalAt := -1
		provisionalAt := -1
		for i, value := range values {
			switch c.identity.ID(value) {
			case canonicalID:
				canonicalAt = i
			case provisionalID:
				provisionalAt = i
			}
		}

		switch {
		case canonicalAt >= 0 && provisionalAt >= 0:
			// The push transport won the race; drop the placeholder.
			values[canonicalAt] = canonical
			return append(values[:provisionalAt], values[provisionalAt+1:]...)
		case canonicalAt >= 0:
			values[canonicalAt] = canonical
			return values
		case provisionalAt >= 0:
			values[provisionalAt] = canonical
			return values
		default:
			// Slot was invalidated while the mutation was in flight; the
			// next fetch returns the canonical record anyway.
			return values
		}
	})
	return canonical, nil
}

// Discard removes a provisional record without submitting anything.
func (c *Coordinator[K, V]) Discard(key K, provisionalID string) {
	c.store.Update(key, func(values []V) []V {
		for i, value := range values {
			if c.identity.ID(value) == provisionalID {
				return append(values[:i], values[i+1:]...)
			}
		}
		return values
	})
}

// Absorb reconciles a canonical record delivered by the push transport.
// Re-delivery of the same record refreshes it in place, and a canonical
// record whose provisional twin is still pending replaces that twin rather
// than inserting a second copy. Applying the same event twice leaves the
// collection unchanged.
func (c *Coordinator[K, V]) Absorb(key K, canonical V) Absorption {
	canonicalID := c.identity.ID(canonical)
	result := AbsorbInserted

	if updated := c.store.Update(key, func(values []V) []V {
		for i, value := range values {
			if c.identity.ID(value) == canonicalID {
				values[i] = canonical
				result = AbsorbRefreshed
				return values
			}
		}
		for i, value := range values {
			if id.IsProvisional(c.identity.ID(value)) && c.identity.SameOrigin(value, canonical) {
				values[i] = canonical
				result = AbsorbReplacedProvisional
				return values
			}
		}
		return append([]V{canonical}, values...)
	}); !updated {
		c.store.Set(key, []V{canonical})
	}
	return result
}

// Remove drops a record by canonical identifier, for push delete events.
func (c *Coordinator[K, V]) Remove(key K, recordID string) {
	c.Discard(key, recordID)
}

// Toggle applies an immediate local flip to the record matched by find,
// submits the mutation, and on failure restores the exact pre-mutation
// record rather than reversing the flip, so rapid repeated toggles cannot
// drift.
func Toggle[K comparable, V any](ctx context.Context, store *cache.Store[K, V], key K, find func(V) bool, flip func(V) V, submit func(context.Context) error) error {
	var snapshot V
	found := false
	store.Update(key, func(values []V) []V {
		for i, value := range values {
			if find(value) {
				snapshot = value
				found = true
				values[i] = flip(value)
				return values
			}
		}
		return values
	})

	err := submit(ctx)
	if err == nil {
		return nil
	}
	if found {
		store.Update(key, func(values []V) []V {
			for i, value := range values {
				if find(value) {
					values[i] = snapshot
					return values
				}
			}
			return values
		})
	}
	return err
}
