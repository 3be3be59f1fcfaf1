// Package store holds the latest snapshot per tracked gauge and fans
// updates out to subscribers.
//
// The main components are:
//
//   - [Store]: Interface defining storage and subscription operations
//   - [MemoryStore]: In-memory implementation of Store with pub/sub
//   - [Snapshot]: Per-gauge reading plus learned-control summary
//
// The store is designed for concurrent access with proper synchronization.
// Subscribers receive updates via channels with non-blocking sends (slow
// subscribers will miss updates rather than block the system).
//
// Users of the streamgauge library should not need to interact with this
// package directly. Storage is managed internally by the tracker.
package store
