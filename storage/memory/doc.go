// Package memory provides an in-memory implementation of the storage
// interfaces.
//
// All state lives in maps guarded by a single sync.RWMutex, so every
// check-and-set (code consumption, refresh rotation, consent consumption,
// IP accounting) is trivially atomic. A background loop removes expired
// entries until Stop is called.
//
// For multi-instance deployments use the storage/valkey package instead.
//
//	store := memory.New()
//	defer store.Stop()
package memory
