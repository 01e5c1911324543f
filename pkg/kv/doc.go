// Package kv provides a Redis-like key-value store abstraction with in-memory
// and Redis-backed implementations.
//
// The Store interface covers the string, hash and set operations the vault
// state projection needs, plus Apply for writing a group of keys atomically.
// Backends register themselves from their package init:
//
//	import _ "github.com/leafsii/leafsii-vault/pkg/kv/redis"
//
//	store, err := kv.NewStoreFromConfig(kv.Config{
//		Backend:  kv.BackendRedis,
//		RedisURL: "redis://localhost:6379/0",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	value, err := store.Get(ctx, "key")
//	if errors.Is(err, kv.ErrNotFound) {
//		log.Println("Key not found")
//	}
//
// There is no silent failover between backends: a projection that quietly
// wrote to process memory would not survive a restart, so an unreachable
// Redis surfaces as ErrBackendUnavailable instead.
package kv
