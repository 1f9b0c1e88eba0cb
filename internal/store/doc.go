// Package store provides storage and pub/sub for machine snapshots.
//
// The main components are:
//
//   - [Store]: Interface defining storage and subscription operations
//   - [MemoryStore]: In-memory implementation of Store with pub/sub
//
// The store is the only state shared between monitor loops. Each Put
// replaces one machine's snapshot atomically; readers get deep copies, so a
// snapshot is never observed half-written. Subscribers receive updates via
// channels with non-blocking sends (slow subscribers miss updates rather than
// stall the loops).
//
// Users of the bystronic package should not need to interact with this
// package directly.
package store
