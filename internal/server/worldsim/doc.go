// Package worldsim drives a synthetic workload against the entity table.
//
// A Simulator runs as an engine frame function. Each frame it takes as
// many tokens as its rate limiter allows and applies one random table
// mutation per token: spawns, despawns, moves, owner changes, attribute
// edits and remote upserts. It exists to exercise incremental snapshots
// under load in development and soak tests.
package worldsim
