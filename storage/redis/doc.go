// Package redis provides a Redis-backed implementation of storage.Store for
// deployments that run several server instances against shared state.
//
// Records are stored as JSON strings. Unique values (application uids,
// authorization codes, device and user codes, tokens and refresh tokens) are
// claimed with SETNX, so two writers can never both own one. Revocation,
// device polling and device approval run as optimistic WATCH/MULTI
// transactions: of several concurrent redemptions of one authorization code
// exactly one succeeds.
//
// Keys carry no TTL. Call DeleteStale periodically (the server's Cleanup does
// this) to drop records that were revoked or expired long enough ago.
//
// Standalone, Sentinel and Cluster deployments are supported through
// go-redis's UniversalClient:
//
//	store, err := redis.New(ctx, redis.Config{
//		Addrs:     []string{"localhost:6379"},
//		KeyPrefix: "oauth:",
//	})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package redis
