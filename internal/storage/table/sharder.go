package table

import (
	"github.com/spaolacci/murmur3"

	"github.com/yndnr/tablesnap-go/internal/core/domain"
)

// OutsideShard is the shard index of the unbounded outside bucket.
const OutsideShard = -1

// Sharder maps an entity to a shard.
type Sharder interface {
	// ShardCount returns the number of fixed shards.
	ShardCount() int

	// ShardOf returns the shard holding an entity with the given ID and
	// sector, or OutsideShard if it falls outside the fixed shards.
	ShardOf(id domain.EntityID, sector domain.Sector) int
}

// GridSharder partitions the world into a width×width square of sectors
// centered on the origin. Sectors beyond the square go to the outside bucket.
type GridSharder struct {
	width int
}

// NewGridSharder creates a grid sharder. Width is clamped to at least 1.
func NewGridSharder(width int) GridSharder {
	if width < 1 {
		width = 1
	}
	return GridSharder{width: width}
}

// ShardCount implements Sharder.
func (g GridSharder) ShardCount() int {
	return g.width * g.width
}

// ShardOf implements Sharder.
func (g GridSharder) ShardOf(_ domain.EntityID, s domain.Sector) int {
	half := int32(g.width / 2)
	x, y := s.X+half, s.Y+half
	if x < 0 || y < 0 || int(x) >= g.width || int(y) >= g.width {
		return OutsideShard
	}
	return int(y)*g.width + int(x)
}

// HashSharder spreads entities over a fixed number of shards by ID.
// It never uses the outside bucket.
type HashSharder struct {
	count int
}

// NewHashSharder creates a hash sharder. Count is clamped to at least 1.
func NewHashSharder(count int) HashSharder {
	if count < 1 {
		count = 1
	}
	return HashSharder{count: count}
}

// ShardCount implements Sharder.
func (h HashSharder) ShardCount() int {
	return h.count
}

// ShardOf implements Sharder.
func (h HashSharder) ShardOf(id domain.EntityID, _ domain.Sector) int {
	return int(murmur3.Sum32([]byte(id)) % uint32(h.count))
}
