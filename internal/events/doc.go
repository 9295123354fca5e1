// Package events fans out pipeline log events to live subscribers and keeps a bounded rolling log.
//
// # Delivery
//
// Each subscriber owns a buffered channel. [Bus.Publish] never blocks: a subscriber whose buffer is
// full is dropped and its channel closed, so a stalled consumer cannot hold up the workflows.
//
// # Rolling Log
//
// Published events are appended to an in-memory log bounded by entry count and age. [Bus.History]
// returns the newest entries for replay to freshly connected subscribers.
//
// # Snapshots
//
// The newest entries are written to a [SnapshotStore] on a fixed timer, and immediately after a
// complete event or an error-level event. [Bus.Restore] seeds the log from a stored snapshot after a restart.
package events
