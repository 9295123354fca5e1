// Package repositories implements SQLite persistence for accounts, runtime settings and the log snapshot.
//
// Key Implementations:
//   - [AccountRepository] : account records, written in bounded atomic batches with a per-record fallback
//   - [DedupCache] : in-memory set of stored identifiers with a TTL, invalidated after every write
//   - [SettingsRepository] : runtime settings stored as JSON
//   - [SnapshotRepository] : the newest log entries, kept for replay after a restart
//
// Driver errors are mapped onto shared sentinels: a full database becomes [shared.ErrQuotaExhausted]
// and a UNIQUE violation becomes [shared.ErrDuplicate].
package repositories
