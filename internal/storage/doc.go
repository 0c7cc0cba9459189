// Package storage provides the storage engine for tablesnap.
//
// The engine owns the sharded entity table and the snapshot coordinator
// and drives both from a frame loop. Saves are collected incrementally
// over frames and handed to a Sink once complete.
//
// Architecture:
//
//   - Table: sharded in-memory entity table (package table)
//   - Coordinator: batched copy walk with mutation interception
//   - Sink: snapshot consumer, either encrypted files or BadgerDB
//
// The engine supports:
//
//   - Recovery: the latest snapshot is loaded on startup and the
//     generation counter continues from it
//   - Ordering: a snapshot is never written over a newer one
//   - Encryption: optional at-rest encryption for the file sink
package storage
