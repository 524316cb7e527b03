// Package storage provides the durable state shared by all tremor nodes:
// tasks, schedule records, registry entries, node-task associations and
// the cluster configuration record.
//
// # Implementations
//
// MemoryStore keeps everything in maps guarded by a sync.RWMutex. Several
// in-process nodes may share one MemoryStore to simulate a shared
// database in tests.
//
// SQLStore runs on SQLite (github.com/mattn/go-sqlite3) for single-host
// deployments and on PostgreSQL (github.com/lib/pq) for real clusters.
// The schema is embedded and applied on Open; SQLite databases track
// their schema version in PRAGMA user_version.
//
// # Thread Safety
//
// Both implementations are safe for concurrent use. Values returned by
// MemoryStore are copies; mutating them does not affect the store.
package storage
