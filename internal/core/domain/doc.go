// Package domain defines the core domain models for tablesnap.
//
// Domain models are pure value objects and entities without any
// IO dependencies or framework coupling. This package contains:
//
//   - Entity: a uniquely identified, mutable world record
//   - Attributes: per-entity typed side tables (SortedMap per kind)
//   - Snapshot: the immutable result handed to a snapshot consumer
//   - Errors: Domain-specific error definitions
//
// Entities are owned by the entity table; everything that leaves the
// table (snapshots, lookups) is a clone.
package domain
