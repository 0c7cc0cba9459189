package coordinator

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	"github.com/yndnr/tablesnap-go/internal/core/domain"
)

// frontierWatch wraps the coordinator's hooks to check that a hook only
// ever moves the frontier back by a single in-shard step.
type frontierWatch struct {
	t *testing.T
	c *Coordinator
}

func (w frontierWatch) OnAdd(e *domain.Entity, shard int) {
	before := w.frontier()
	w.c.OnAdd(e, shard)
	if after := w.frontier(); after != before {
		w.t.Fatalf("OnAdd moved frontier %v -> %v", before, after)
	}
}

func (w frontierWatch) OnRemove(e *domain.Entity, shard, slot int) {
	before := w.frontier()
	w.c.OnRemove(e, shard, slot)
	after := w.frontier()
	if after != before && after != (Frontier{Shard: before.Shard, Offset: before.Offset - 1}) {
		w.t.Fatalf("OnRemove moved frontier %v -> %v", before, after)
	}
}

func (w frontierWatch) OnUpdate(e *domain.Entity) {
	before := w.frontier()
	w.c.OnUpdate(e)
	if after := w.frontier(); after != before {
		w.t.Fatalf("OnUpdate moved frontier %v -> %v", before, after)
	}
}

func (w frontierWatch) frontier() Frontier {
	if w.c.session == nil {
		return Frontier{}
	}
	return w.c.session.frontier
}

// mutate applies one random table operation.
func mutate(t *testing.T, f *fixture, rng *rand.Rand, shards int, live *[]domain.EntityID) {
	t.Helper()
	randomPos := func() domain.Vec3 {
		if rng.Intn(10) == 0 {
			return outsidePos(shards + rng.Intn(3))
		}
		return shardPos(rng.Intn(shards))
	}
	pick := func() (int, domain.EntityID, bool) {
		if len(*live) == 0 {
			return 0, "", false
		}
		i := rng.Intn(len(*live))
		return i, (*live)[i], true
	}

	switch op := rng.Intn(10); {
	case op < 3:
		e := domain.NewEntity(int32(rng.Intn(100)), randomPos())
		e.Persistent = rng.Intn(5) != 0
		var attrs *domain.Attributes
		if rng.Intn(2) == 0 {
			attrs = &domain.Attributes{}
			attrs.SetInt(domain.AttributeKey("level"), int32(rng.Intn(50)))
		}
		if err := f.tbl.AddWithAttributes(e, attrs); err != nil {
			t.Fatalf("Add: %v", err)
		}
		*live = append(*live, e.ID)
	case op < 5:
		i, id, ok := pick()
		if !ok {
			return
		}
		if !f.tbl.Remove(id) {
			t.Fatalf("Remove(%s) = false", id)
		}
		*live = append((*live)[:i], (*live)[i+1:]...)
	case op < 7:
		_, id, ok := pick()
		if !ok {
			return
		}
		owner := rng.Int63n(1000)
		// An entity regaining persistence behind the frontier is only
		// in the snapshot if it was copied, so regain only when no walk
		// could have skipped it.
		regain := f.c.session == nil || f.c.session.Copied(id)
		err := f.tbl.Update(id, func(e *domain.Entity) {
			e.SetOwner(owner)
			switch {
			case e.Persistent && rng.Intn(8) == 0:
				e.Persistent = false
			case !e.Persistent && regain && rng.Intn(2) == 0:
				e.Persistent = true
			}
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
	case op < 9:
		_, id, ok := pick()
		if !ok {
			return
		}
		if err := f.tbl.Move(id, randomPos()); err != nil {
			t.Fatalf("Move: %v", err)
		}
	default:
		_, id, ok := pick()
		if !ok {
			return
		}
		key := domain.AttributeKey(fmt.Sprintf("k%d", rng.Intn(3)))
		err := f.tbl.SetAttributes(id, func(a *domain.Attributes) {
			if rng.Intn(3) == 0 && a.Floats != nil {
				a.Floats.Remove(key)
				return
			}
			a.SetFloat(key, rng.Float32())
		})
		if err != nil {
			t.Fatalf("SetAttributes: %v", err)
		}
	}
}

// TestConsistencyUnderRandomInterleavings checks that the snapshot equals
// the persistent content of the table at the moment it was finalized,
// whatever mutations ran between the batch steps.
func TestConsistencyUnderRandomInterleavings(t *testing.T) {
	for seed := int64(1); seed <= 40; seed++ {
		seed := seed
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			shards := 1 + rng.Intn(6)
			batch := 1 + rng.Intn(4)
			f := newFixture(t, shards, batch)
			f.tbl.SetHooks(frontierWatch{t: t, c: f.c})

			var live []domain.EntityID
			for i := 0; i < 30+rng.Intn(30); i++ {
				mutate(t, f, rng, shards, &live)
			}

			sig := f.begin(Background)
			prev := f.frontier()
			for steps := 0; ; steps++ {
				if steps > 10000 {
					t.Fatal("collection did not finish")
				}
				if !f.c.Tick() {
					break
				}
				cur := f.frontier()
				if !prev.Before(cur) {
					t.Fatalf("frontier did not advance: %v -> %v", prev, cur)
				}
				for n := rng.Intn(6); n > 0; n-- {
					mutate(t, f, rng, shards, &live)
				}
				prev = f.frontier()
			}

			if !sig.Resolved() {
				t.Fatal("signal unresolved after the last tick")
			}
			snap, err := sig.Wait(t.Context())
			if err != nil {
				t.Fatalf("Wait: %v", err)
			}
			checkAgainstTable(t, f, snap, live)
		})
	}
}

func checkAgainstTable(t *testing.T, f *fixture, snap *domain.Snapshot, live []domain.EntityID) {
	t.Helper()

	want := make(map[domain.EntityID]*domain.Entity)
	for _, id := range live {
		e, ok := f.tbl.Get(id)
		if !ok {
			t.Fatalf("live entity %s missing from table", id)
		}
		if e.Persistent {
			want[id] = e
		}
	}

	got := snapshotIDs(snap)
	for id, n := range got {
		if n != 1 {
			t.Fatalf("entity %s appears %d times", id, n)
		}
		if _, ok := want[id]; !ok {
			t.Fatalf("snapshot holds %s which is not a live persistent entity", id)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("snapshot has %d entities, table has %d persistent", len(got), len(want))
	}

	attrCount := 0
	for _, e := range snap.Entities {
		if !reflect.DeepEqual(e, want[e.ID]) {
			t.Fatalf("entity %s = %+v, want %+v", e.ID, e, want[e.ID])
		}
		liveAttrs := f.tbl.CloneAttributes(e.ID)
		if liveAttrs != nil {
			attrCount++
		}
		if !reflect.DeepEqual(snap.Attributes[e.ID], liveAttrs) {
			t.Fatalf("attributes of %s differ from the table", e.ID)
		}
	}
	if len(snap.Attributes) != attrCount {
		t.Fatalf("snapshot has %d attribute sets, want %d", len(snap.Attributes), attrCount)
	}
}
