package coordinator

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/yndnr/tablesnap-go/internal/core/domain"
	"github.com/yndnr/tablesnap-go/internal/storage/table"
)

// lineSharder puts sector (x, 0) into shard x for 0 <= x < n and
// everything else into the outside bucket.
type lineSharder struct {
	n int
}

func (s lineSharder) ShardCount() int { return s.n }

func (s lineSharder) ShardOf(_ domain.EntityID, sec domain.Sector) int {
	if sec.Y != 0 || sec.X < 0 || int(sec.X) >= s.n {
		return table.OutsideShard
	}
	return int(sec.X)
}

// shardPos returns a position inside the given shard of a lineSharder.
func shardPos(shard int) domain.Vec3 {
	return domain.Vec3{X: float32(shard * domain.SectorSize)}
}

// outsidePos returns a position in the outside bucket.
func outsidePos(n int) domain.Vec3 {
	return domain.Vec3{X: float32(n * domain.SectorSize), Z: 10 * domain.SectorSize}
}

type fixture struct {
	t   *testing.T
	tbl *table.Table
	c   *Coordinator
	log *bytes.Buffer
}

func newFixture(t *testing.T, shards, batch int) *fixture {
	t.Helper()
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	tbl := table.New(table.WithSharder(lineSharder{n: shards}), table.WithLogger(logger))
	c := New(tbl, WithBatchSize(batch), WithLogger(logger))
	tbl.SetHooks(c)
	return &fixture{t: t, tbl: tbl, c: c, log: buf}
}

// add stores a new entity at pos and returns its ID.
func (f *fixture) add(pos domain.Vec3, persistent bool) domain.EntityID {
	f.t.Helper()
	e := domain.NewEntity(1, pos)
	e.Persistent = persistent
	if err := f.tbl.Add(e); err != nil {
		f.t.Fatalf("Add: %v", err)
	}
	return e.ID
}

func (f *fixture) addTo(shard int) domain.EntityID {
	f.t.Helper()
	return f.add(shardPos(shard), true)
}

func (f *fixture) remove(id domain.EntityID) {
	f.t.Helper()
	if !f.tbl.Remove(id) {
		f.t.Fatalf("Remove(%s) = false", id)
	}
}

func (f *fixture) setOwner(id domain.EntityID, owner int64) {
	f.t.Helper()
	if err := f.tbl.Update(id, func(e *domain.Entity) { e.SetOwner(owner) }); err != nil {
		f.t.Fatalf("Update: %v", err)
	}
}

func (f *fixture) begin(u Urgency) *Signal {
	f.t.Helper()
	sig, err := f.c.Begin(u)
	if err != nil {
		f.t.Fatalf("Begin(%s): %v", u, err)
	}
	return sig
}

func (f *fixture) frontier() Frontier {
	f.t.Helper()
	if f.c.session == nil {
		f.t.Fatal("no active session")
	}
	return f.c.session.frontier
}

// finish drives the session to completion and returns the snapshot.
func (f *fixture) finish(sig *Signal) *domain.Snapshot {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := f.c.Run(ctx, sig)
	if err != nil {
		f.t.Fatalf("Run: %v", err)
	}
	return snap
}

func snapshotIDs(snap *domain.Snapshot) map[domain.EntityID]int {
	ids := make(map[domain.EntityID]int, snap.Len())
	for _, e := range snap.Entities {
		ids[e.ID]++
	}
	return ids
}

func assertIDs(t *testing.T, snap *domain.Snapshot, want ...domain.EntityID) {
	t.Helper()
	got := snapshotIDs(snap)
	for id, n := range got {
		if n != 1 {
			t.Errorf("entity %s appears %d times", id, n)
		}
	}
	if len(got) != len(want) || snap.Len() != len(want) {
		t.Fatalf("snapshot has %d entities (%d distinct), want %d", snap.Len(), len(got), len(want))
	}
	for _, id := range want {
		if got[id] != 1 {
			t.Errorf("entity %s missing from snapshot", id)
		}
	}
}

func findEntity(snap *domain.Snapshot, id domain.EntityID) *domain.Entity {
	for _, e := range snap.Entities {
		if e.ID == id {
			return e
		}
	}
	return nil
}
