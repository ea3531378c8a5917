// Package memory provides an in-memory implementation of storage.Store.
//
// All state lives in maps guarded by a single sync.RWMutex, which also makes
// the compare-and-revoke operations atomic: of several concurrent redemptions
// of the same authorization code exactly one succeeds. A background loop
// deletes records that were revoked or expired longer than the retention
// period ago (24 hours by default).
//
// The store suits development, tests and single-instance deployments. Use
// storage/redis when several server instances share state.
//
//	store := memory.New()
//	defer store.Stop()
package memory
