package domain

import (
	"math"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// EntityIDPrefix is the prefix for entity IDs.
	EntityIDPrefix = "ent-"

	// SectorSize is the world-space edge length of one sector.
	SectorSize = 64
)

// EntityID is the stable, globally unique identifier of an entity.
// Format: ent-{ulid_lowercase}, 30 characters total.
type EntityID string

// String implements fmt.Stringer.
func (id EntityID) String() string {
	return string(id)
}

// NewEntityID generates a new entity ID using ULID.
func NewEntityID() EntityID {
	return EntityID(EntityIDPrefix + strings.ToLower(ulid.Make().String()))
}

// IsValidEntityID checks if a string is a valid entity ID.
func IsValidEntityID(id string) bool {
	id = strings.ToLower(id)
	if !strings.HasPrefix(id, EntityIDPrefix) {
		return false
	}
	// ent- (4) + ULID (26) = 30 characters
	if len(id) != len(EntityIDPrefix)+ulid.EncodedSize {
		return false
	}
	_, err := ulid.ParseStrict(strings.ToUpper(id[len(EntityIDPrefix):]))
	return err == nil
}

// Sector is a coarse grid cell of the world.
type Sector struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

// SectorOf returns the sector containing a world position.
func SectorOf(p Vec3) Sector {
	return Sector{
		X: int32(math.Floor(float64(p.X)/SectorSize + 0.5)),
		Y: int32(math.Floor(float64(p.Z)/SectorSize + 0.5)),
	}
}

// Less orders sectors row-major.
func (s Sector) Less(o Sector) bool {
	if s.Y != o.Y {
		return s.Y < o.Y
	}
	return s.X < o.X
}

// Entity is a mutable world record stored in the entity table.
//
// The table owns the canonical instance; every copy leaving the table
// (lookups, snapshots) is produced by Clone.
type Entity struct {
	// ID is the unique identifier of the entity.
	ID EntityID `json:"id"`

	// Prefab identifies the kind of object.
	Prefab int32 `json:"prefab"`

	// Owner is the peer currently simulating the entity (0 = none).
	Owner int64 `json:"owner"`

	// OwnerRevision is bumped whenever Owner changes.
	OwnerRevision uint32 `json:"owner_revision"`

	// Persistent entities are included in snapshots.
	Persistent bool `json:"persistent"`

	// Revision is the data revision, bumped by every update.
	Revision uint64 `json:"revision"`

	Position Vec3   `json:"position"`
	Rotation Quat   `json:"rotation"`
	Sector   Sector `json:"sector"`

	// CreatedAt is the creation timestamp (Unix milliseconds).
	CreatedAt int64 `json:"created_at"`
}

// NewEntity creates a persistent entity with a generated ID at the given position.
func NewEntity(prefab int32, pos Vec3) *Entity {
	return &Entity{
		ID:         NewEntityID(),
		Prefab:     prefab,
		Persistent: true,
		Revision:   1,
		Position:   pos,
		Rotation:   IdentityQuat,
		Sector:     SectorOf(pos),
		CreatedAt:  time.Now().UnixMilli(),
	}
}

// Validate checks that the entity can be stored.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return ErrEntityValidation.WithDetails("id is required")
	}
	if !IsValidEntityID(string(e.ID)) {
		return ErrEntityValidation.WithDetails("malformed id: " + string(e.ID))
	}
	return nil
}

// IncreaseRevision bumps the data revision.
func (e *Entity) IncreaseRevision() {
	e.Revision++
}

// SetOwner changes the owner and bumps the owner revision.
func (e *Entity) SetOwner(owner int64) {
	if e.Owner == owner {
		return
	}
	e.Owner = owner
	e.OwnerRevision++
}

// Clone creates a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	clone := *e
	return &clone
}
