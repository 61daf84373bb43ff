// Package store provides SQLite-backed on-device storage for the sync engine.
//
// The store exposes two things:
//   - A key-value table holding whole blobs under namespaced keys. The
//     mutation queue and the query cache each own one key.
//   - An append-only resolution journal recording conflicts the resolver
//     settled and mutations the user discarded.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Blob encoding and corruption handling belong to the callers; the store
// treats values as opaque bytes.
package store
