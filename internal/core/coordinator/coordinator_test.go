package coordinator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yndnr/tablesnap-go/internal/core/domain"
	"github.com/yndnr/tablesnap-go/internal/telemetry/metric"
)

func TestParseVerbosity(t *testing.T) {
	tests := []struct {
		in      string
		want    Verbosity
		wantErr bool
	}{
		{"off", VerbosityOff, false},
		{"Simple", VerbositySimple, false},
		{"", VerbositySimple, false},
		{" detailed ", VerbosityDetailed, false},
		{"loud", VerbositySimple, true},
	}
	for _, tt := range tests {
		got, err := ParseVerbosity(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseVerbosity(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseVerbosity(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestParseUrgency(t *testing.T) {
	if u, err := ParseUrgency("blocking"); err != nil || u != Blocking {
		t.Fatalf("ParseUrgency(blocking) = %s, %v", u, err)
	}
	if u, err := ParseUrgency(""); err != nil || u != Background {
		t.Fatalf("ParseUrgency(\"\") = %s, %v", u, err)
	}
	if _, err := ParseUrgency("now"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("ParseUrgency(now) err = %v", err)
	}
}

func TestCollectEmptyTable(t *testing.T) {
	f := newFixture(t, 4, 10)
	sig := f.begin(Background)
	if sig.Generation() != 1 {
		t.Fatalf("Generation = %d, want 1", sig.Generation())
	}
	snap := f.finish(sig)
	if snap.Len() != 0 {
		t.Fatalf("Len = %d, want 0", snap.Len())
	}
	if snap.Generation != 1 {
		t.Fatalf("snapshot generation = %d, want 1", snap.Generation)
	}
}

func TestCollectSkipsNonPersistentAndEmptyShards(t *testing.T) {
	f := newFixture(t, 5, 1)
	a := f.addTo(1)
	f.add(shardPos(1), false)
	b := f.addTo(4)

	snap := f.finish(f.begin(Background))
	assertIDs(t, snap, a, b)
	if snap.Stats.Copied != 2 {
		t.Fatalf("Copied = %d, want 2", snap.Stats.Copied)
	}
}

func TestBatchSizeYieldsAfterEveryBatch(t *testing.T) {
	f := newFixture(t, 2, 3)
	for i := 0; i < 4; i++ {
		f.addTo(0)
		f.addTo(1)
	}

	sig := f.begin(Background)
	ticks := 0
	for f.c.Tick() {
		ticks++
		if ticks > 10 {
			t.Fatal("collection did not finish")
		}
	}
	// 8 entities in batches of 3 yield twice, the third step finishes.
	if ticks != 2 {
		t.Fatalf("yielding ticks = %d, want 2", ticks)
	}
	snap, err := sig.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if snap.Len() != 8 || snap.Stats.Steps != 3 {
		t.Fatalf("Len = %d Steps = %d, want 8 and 3", snap.Len(), snap.Stats.Steps)
	}
	if snap.Stats.LongestBlock > snap.Stats.Collect {
		t.Fatal("longest block exceeds total collect time")
	}
}

func TestNonPositiveBatchSizeNeverYields(t *testing.T) {
	for _, batch := range []int{0, -5} {
		f := newFixture(t, 3, batch)
		for i := 0; i < 10; i++ {
			f.addTo(i % 3)
		}
		sig := f.begin(Background)
		if f.c.Tick() {
			t.Fatalf("batch %d: Tick yielded", batch)
		}
		if !sig.Resolved() {
			t.Fatalf("batch %d: signal not resolved after one tick", batch)
		}
	}
}

func TestSetBatchSizeAppliesToNextStep(t *testing.T) {
	f := newFixture(t, 1, 1)
	for i := 0; i < 5; i++ {
		f.addTo(0)
	}
	sig := f.begin(Background)
	f.c.Tick()
	f.c.SetBatchSize(0)
	if f.c.Tick() {
		t.Fatal("Tick yielded after batch size was cleared")
	}
	if snap, _ := sig.Wait(context.Background()); snap.Len() != 5 {
		t.Fatalf("Len = %d, want 5", snap.Len())
	}
}

func TestOutsideBucketCopiedWithAttributes(t *testing.T) {
	f := newFixture(t, 2, 1)
	in := f.addTo(0)

	key := domain.AttributeKey("label")
	far := domain.NewEntity(2, outsidePos(50))
	attrs := &domain.Attributes{}
	attrs.SetString(key, "far away")
	if err := f.tbl.AddWithAttributes(far, attrs); err != nil {
		t.Fatalf("AddWithAttributes: %v", err)
	}
	f.add(outsidePos(60), false)

	sig := f.begin(Background)
	f.c.Tick()

	// Outside mutations are never reconciled; the final pass sees them.
	late := f.add(outsidePos(70), true)
	if f.c.session.Copied(late) {
		t.Fatal("outside add was injected")
	}

	snap := f.finish(sig)
	assertIDs(t, snap, in, far.ID, late)
	if v, _ := snap.Attributes[far.ID].Strings.Get(key); v != "far away" {
		t.Fatalf("outside attributes = %q, want %q", v, "far away")
	}
	if snap.Entities[len(snap.Entities)-1].ID != late {
		t.Fatal("outside entities should follow sharded ones")
	}
}

func TestBeginBackgroundDroppedWhileActive(t *testing.T) {
	reg := metric.NewRegistry()
	f := newFixture(t, 2, 1)
	f.c.metrics = reg
	f.addTo(0)
	f.addTo(1)

	first := f.begin(Background)
	f.c.Tick()

	sig, err := f.c.Begin(Background)
	if !errors.Is(err, domain.ErrSaveInProgress) {
		t.Fatalf("Begin err = %v, want %v", err, domain.ErrSaveInProgress)
	}
	if sig != nil {
		t.Fatal("dropped request returned a signal")
	}
	if got := testutil.ToFloat64(reg.SavesDropped); got != 1 {
		t.Fatalf("dropped metric = %v, want 1", got)
	}

	snap := f.finish(first)
	if snap.Len() != 2 || snap.Generation != 1 {
		t.Fatalf("first collection = %d entities gen %d", snap.Len(), snap.Generation)
	}
}

func TestBeginBlockingSupersedesActive(t *testing.T) {
	f := newFixture(t, 3, 1)
	a, b, c := f.addTo(0), f.addTo(1), f.addTo(2)

	first := f.begin(Background)
	f.c.Tick()
	d := f.addTo(0)

	second := f.begin(Blocking)
	if !second.Resolved() {
		t.Fatal("blocking Begin returned an unresolved signal")
	}
	if second.Generation() != first.Generation()+1 {
		t.Fatalf("generations %d then %d", first.Generation(), second.Generation())
	}

	_, err := first.Wait(context.Background())
	if !errors.Is(err, domain.ErrSaveSuperseded) {
		t.Fatalf("superseded err = %v, want %v", err, domain.ErrSaveSuperseded)
	}

	snap, err := second.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	assertIDs(t, snap, a, b, c, d)

	if f.c.Tick() {
		t.Fatal("Tick after blocking save reported an active collection")
	}
	if !strings.Contains(f.log.String(), "aborted collection") {
		t.Fatal("supersede was not logged")
	}
}

func TestBlockingWithoutActiveCollects(t *testing.T) {
	f := newFixture(t, 2, 1)
	a := f.addTo(1)

	sig := f.begin(Blocking)
	snap, err := sig.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	assertIDs(t, snap, a)
	if snap.Stats.Steps != 1 {
		t.Fatalf("Steps = %d, want 1", snap.Stats.Steps)
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	f := newFixture(t, 2, 1)
	a := f.addTo(0)
	f.addTo(1)

	sig := f.begin(Background)
	if !f.c.Abort() {
		t.Fatal("Abort returned false with an active collection")
	}
	if f.c.Abort() {
		t.Fatal("second Abort returned true")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := sig.Wait(ctx)
	if snap != nil || !errors.Is(err, domain.ErrSaveSuperseded) {
		t.Fatalf("Wait = %v, %v; want nil, %v", snap, err, domain.ErrSaveSuperseded)
	}

	// Hooks and ticks after abort touch nothing.
	f.setOwner(a, 4)
	f.remove(a)
	if f.c.Tick() {
		t.Fatal("Tick after Abort reported an active collection")
	}
}

func TestAbortMidWalkNeverSucceeds(t *testing.T) {
	f := newFixture(t, 1, 1)
	for i := 0; i < 3; i++ {
		f.addTo(0)
	}
	sig := f.begin(Background)
	f.c.Tick()
	f.c.Abort()

	if _, err := f.c.Run(context.Background(), sig); !errors.Is(err, domain.ErrSaveSuperseded) {
		t.Fatalf("Run err = %v, want %v", err, domain.ErrSaveSuperseded)
	}

	next := f.begin(Background)
	if next.Generation() != 2 {
		t.Fatalf("next generation = %d, want 2", next.Generation())
	}
	if snap := f.finish(next); snap.Len() != 3 {
		t.Fatalf("Len = %d, want 3", snap.Len())
	}
}

func TestRunHonorsContext(t *testing.T) {
	f := newFixture(t, 1, 1)
	f.addTo(0)
	sig := f.begin(Background)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.c.Run(ctx, sig); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want %v", err, context.Canceled)
	}
}

func TestPreparersContributeMeta(t *testing.T) {
	f := newFixture(t, 1, 5)
	f.addTo(0)
	f.c.AddPreparer(PreparerFunc(func(gen uint64, meta map[string]string) {
		meta["world"] = "test"
		if gen != 1 {
			t.Errorf("preparer generation = %d, want 1", gen)
		}
	}))

	snap := f.finish(f.begin(Background))
	if snap.Meta["world"] != "test" {
		t.Fatalf("Meta = %v", snap.Meta)
	}
}

func TestStatusTracksProgress(t *testing.T) {
	f := newFixture(t, 2, 1)
	f.addTo(0)
	f.addTo(1)

	if st := f.c.Status(); st.Active {
		t.Fatal("idle coordinator reported active")
	}

	sig := f.begin(Background)
	f.c.Tick()
	st := f.c.Status()
	if !st.Active || st.Generation != 1 || st.Copied != 1 || st.Urgency != "background" {
		t.Fatalf("Status = %+v", st)
	}
	if gen, ok := f.c.Active(); !ok || gen != 1 {
		t.Fatalf("Active = %d, %v", gen, ok)
	}

	snap := f.finish(sig)
	st = f.c.Status()
	if st.Active || st.LastGeneration != 1 || st.LastFinishedAt != snap.CreatedAt {
		t.Fatalf("Status after finish = %+v", st)
	}
}

func TestWithGenerationContinuesSequence(t *testing.T) {
	f := newFixture(t, 1, 1)
	c := New(f.tbl, WithGeneration(41))
	f.tbl.SetHooks(c)

	sig, err := c.Begin(Blocking)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if sig.Generation() != 42 {
		t.Fatalf("Generation = %d, want 42", sig.Generation())
	}
}

func TestEnsureGenerationNeverLowers(t *testing.T) {
	f := newFixture(t, 1, 1)
	f.c.EnsureGeneration(10)
	f.c.EnsureGeneration(3)

	sig := f.begin(Blocking)
	if sig.Generation() != 11 {
		t.Fatalf("Generation = %d, want 11", sig.Generation())
	}
}

func TestReportVerbosity(t *testing.T) {
	tests := []struct {
		v    Verbosity
		want string
		not  string
	}{
		{VerbosityOff, "", "snapshot collected"},
		{VerbositySimple, "estimated_blocking_without_batching", "injected"},
		{VerbosityDetailed, "injected", "estimated_blocking_without_batching"},
	}
	for _, tt := range tests {
		t.Run(tt.v.String(), func(t *testing.T) {
			f := newFixture(t, 1, 1)
			f.addTo(0)
			f.c.SetVerbosity(tt.v)
			f.finish(f.begin(Background))

			out := f.log.String()
			if tt.want != "" && !strings.Contains(out, tt.want) {
				t.Errorf("log %q missing %q", out, tt.want)
			}
			if strings.Contains(out, tt.not) {
				t.Errorf("log %q contains %q", out, tt.not)
			}
		})
	}
}

func TestSignalResolvesOnce(t *testing.T) {
	s := newSignal(3)
	if s.Resolved() {
		t.Fatal("new signal already resolved")
	}
	if !s.resolve(&domain.Snapshot{Generation: 3}, nil) {
		t.Fatal("first resolve returned false")
	}
	if s.resolve(nil, domain.ErrSaveSuperseded) {
		t.Fatal("second resolve returned true")
	}
	snap, err := s.Wait(context.Background())
	if err != nil || snap.Generation != 3 {
		t.Fatalf("Wait = %v, %v", snap, err)
	}
}
