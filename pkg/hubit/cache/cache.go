// Package cache implements the persisted, model-level cache (spec
// module H): an opaque store keyed by model identity, one artifact per
// identity, queried by Model.Get in ReuseCached mode and written in
// CacheIncremental/CacheAfterExecution mode.
//
// Spec.md §6 specifies only the interface ("reads return either an
// empty store... or the stored store"); this package supplies Backend
// and three concrete implementations, each wiring a different domain
// dependency: DiskBackend (zstd + gob, the default), S3Backend
// (aws-sdk-go), VaultBackend (vaultkv).
package cache

import (
	"encoding/gob"

	"github.com/mrsonne/hubit-go/pkg/hubit/store"
)

func init() {
	// Registered so gob can encode whatever concrete types a component's
	// sink.Set calls put into a store.Flat value.
	gob.Register(map[string]interface{}{})
	gob.Register(map[interface{}]interface{}{})
	gob.Register([]interface{}{})
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(true)
	gob.Register("")
}

// Backend is the persisted cache's storage boundary, spec §6.
type Backend interface {
	// Load returns the stored flat values for identity, or an empty
	// store and false if nothing has been written for it yet.
	Load(identity string) (store.Flat, bool, error)
	// Store persists data under identity, replacing whatever was there.
	Store(identity string, data store.Flat) error
}
