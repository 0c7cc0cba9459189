// Package coordinator collects consistent snapshots of the live entity
// table without stalling the goroutine that keeps mutating it.
//
// A collection (Session) walks the table shard by shard in bounded
// batches. Between batches the table lock is released so mutators can
// run; their hooks (OnAdd, OnRemove, OnUpdate) reconcile each change
// against the copy frontier:
//
//   - updates to copied entities refresh the copy
//   - adds behind the frontier are injected
//   - removals of copied entities are compacted out at the end
//
// The result is exactly the persistent entities as of when copying of
// their shard completed, with later updates applied. Every collection
// hands out a Signal that resolves once, either with the finished
// snapshot or with domain.ErrSaveSuperseded.
//
// The coordinator is driven by Tick from the host's frame loop. All
// session state is guarded by the table lock: Tick, Begin and Abort take
// it, and hooks are called by the table while it is held.
package coordinator
