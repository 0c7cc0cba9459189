package benchmark

import (
	"fmt"
	"log/slog"
	"runtime"
	"testing"

	"github.com/yndnr/tablesnap-go/internal/core/domain"
	"github.com/yndnr/tablesnap-go/internal/storage/attrstore"
	"github.com/yndnr/tablesnap-go/internal/storage/table"
)

// EntityCounts are the table sizes used by the larger benchmarks.
var EntityCounts = []int{5000, 20000, 100000}

// SmallEntityCounts for quick benchmarks.
var SmallEntityCounts = []int{1000, 5000, 10000}

// worldSize bounds entity positions; part of the population lands outside
// the sharded area.
const worldSize = 6000

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTable() *table.Table {
	return table.New(
		table.WithSharder(table.NewGridSharder(16)),
		table.WithAttributes(attrstore.New()),
		table.WithLogger(discardLogger()),
	)
}

// prefillTable adds count entities, every other one with attributes.
func prefillTable(b *testing.B, tbl *table.Table, count int) []domain.EntityID {
	b.Helper()
	ids := make([]domain.EntityID, count)
	for i := 0; i < count; i++ {
		pos := domain.Vec3{
			X: float32((i*7919)%worldSize) - worldSize/2,
			Z: float32((i*104729)%worldSize) - worldSize/2,
		}
		e := domain.NewEntity(int32(i%32), pos)
		var attrs *domain.Attributes
		if i%2 == 0 {
			attrs = &domain.Attributes{}
			attrs.SetFloat(domain.AttributeKey("health"), 100)
			attrs.SetString(domain.AttributeKey("name"), fmt.Sprintf("crate-%d", i))
		}
		if err := tbl.AddWithAttributes(e, attrs); err != nil {
			b.Fatalf("AddWithAttributes: %v", err)
		}
		ids[i] = e.ID
	}
	return ids
}

// testSnapshot builds a snapshot of count entities without a table.
func testSnapshot(gen uint64, count int) *domain.Snapshot {
	snap := &domain.Snapshot{
		Generation: gen,
		Attributes: make(map[domain.EntityID]*domain.Attributes),
	}
	for i := 0; i < count; i++ {
		e := domain.NewEntity(int32(i%32), domain.Vec3{X: float32(i)})
		snap.Entities = append(snap.Entities, e)
		if i%2 == 0 {
			a := &domain.Attributes{}
			a.SetFloat(domain.AttributeKey("health"), float32(i))
			snap.Attributes[e.ID] = a
		}
	}
	return snap
}

// reportMemory reports heap usage after a GC.
func reportMemory(b *testing.B, prefix string) {
	var m runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&m)
	b.ReportMetric(float64(m.Alloc)/(1024*1024), prefix+"_MB")
	b.ReportMetric(float64(m.NumGC), prefix+"_GC")
}

// runWithEntityCounts runs benchFn once per table size.
func runWithEntityCounts(b *testing.B, counts []int, benchFn func(b *testing.B, count int)) {
	for _, count := range counts {
		b.Run(fmt.Sprintf("entities_%d", count), func(b *testing.B) {
			benchFn(b, count)
		})
	}
}
