// Package objstore defines the flat-namespace object store the grant
// engine persists into. Semantics are whole-object put/get/delete plus
// listing by key prefix; there are no partial updates and no
// cross-key transactions.
package objstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for keys with no stored object.
var ErrNotFound = errors.New("objstore: object not found")

// Store is the persistence contract for grant records, verification
// tokens, and account bindings.
type Store interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}
