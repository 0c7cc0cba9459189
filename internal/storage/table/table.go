// Package table provides the authoritative in-memory entity table.
//
// Entities live in a fixed number of shards plus one unbounded outside
// bucket. Every membership or state change calls the registered Hooks
// synchronously, inside the table's critical section, so an in-flight
// snapshot can reconcile against it.
//
// New entities are always appended at the end of their shard's slot list;
// removals compact the list in place, preserving the order of the rest.
package table

import (
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/yndnr/tablesnap-go/internal/core/domain"
	"github.com/yndnr/tablesnap-go/internal/storage/attrstore"
)

// Hooks observes table mutations. Implementations must not call back
// into the table: they run while the table lock is held.
type Hooks interface {
	// OnAdd is called after e was appended to shard. New entities always
	// go to the end of a shard's slot list, never before existing ones.
	OnAdd(e *domain.Entity, shard int)

	// OnRemove is called after e was removed from slot of shard.
	OnRemove(e *domain.Entity, shard, slot int)

	// OnUpdate is called after e's state changed in place.
	OnUpdate(e *domain.Entity)
}

type noopHooks struct{}

func (noopHooks) OnAdd(*domain.Entity, int)         {}
func (noopHooks) OnRemove(*domain.Entity, int, int) {}
func (noopHooks) OnUpdate(*domain.Entity)           {}

// DefaultGridWidth is the default grid width in sectors.
const DefaultGridWidth = 64

// Table is the live entity table.
type Table struct {
	mu sync.Mutex

	sharder Sharder
	shards  [][]*domain.Entity
	outside map[domain.Sector][]*domain.Entity

	// index is read without the table lock by Count and Has.
	index *xsync.MapOf[domain.EntityID, *domain.Entity]
	attrs *attrstore.Store

	hooks  Hooks
	logger *slog.Logger
}

// Option configures the Table.
type Option func(*Table)

// WithSharder sets the sharding strategy.
func WithSharder(s Sharder) Option {
	return func(t *Table) {
		t.sharder = s
	}
}

// WithAttributes sets the attribute store shared with other components.
func WithAttributes(s *attrstore.Store) Option {
	return func(t *Table) {
		t.attrs = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Table) {
		t.logger = l
	}
}

// New creates an empty table.
func New(opts ...Option) *Table {
	t := &Table{
		sharder: NewGridSharder(DefaultGridWidth),
		outside: make(map[domain.Sector][]*domain.Entity),
		index:   xsync.NewMapOf[domain.EntityID, *domain.Entity](),
		hooks:   noopHooks{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.attrs == nil {
		t.attrs = attrstore.New()
	}
	t.shards = make([][]*domain.Entity, t.sharder.ShardCount())
	return t
}

// Locker returns the lock guarding the table. Holding it excludes every
// mutation, which is what a snapshot batch step needs.
func (t *Table) Locker() sync.Locker {
	return &t.mu
}

// SetHooks registers the mutation hooks. A nil value disables them.
func (t *Table) SetHooks(h Hooks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h == nil {
		h = noopHooks{}
	}
	t.hooks = h
}

// Attributes returns the live attribute store.
func (t *Table) Attributes() *attrstore.Store {
	return t.attrs
}

// Add stores a new entity. The table keeps its own copy.
func (t *Table) Add(e *domain.Entity) error {
	return t.AddWithAttributes(e, nil)
}

// AddWithAttributes stores a new entity together with its attributes.
func (t *Table) AddWithAttributes(e *domain.Entity, attrs *domain.Attributes) error {
	if err := e.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.index.Load(e.ID); ok {
		return domain.ErrEntityConflict.WithDetails(string(e.ID))
	}

	clone := e.Clone()
	clone.Sector = domain.SectorOf(clone.Position)
	if attrs != nil {
		t.attrs.Put(clone.ID, attrs)
	}
	t.index.Store(clone.ID, clone)
	t.insertLocked(clone)
	return nil
}

// Remove deletes an entity and reports whether it was found.
func (t *Table) Remove(id domain.EntityID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.index.Load(id)
	if !ok {
		return false
	}
	if !t.detachLocked(e) {
		return false
	}
	t.index.Delete(id)
	t.attrs.Delete(id)
	return true
}

// Update applies fn to the entity in place and bumps its revision.
// If fn moves the entity to another sector, it is relocated first.
func (t *Table) Update(id domain.EntityID, fn func(e *domain.Entity)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.index.Load(id)
	if !ok {
		return domain.ErrEntityNotFound.WithDetails(string(id))
	}

	before := *e
	fn(e)
	e.ID = before.ID
	t.relocateLocked(e, before.Sector)
	e.IncreaseRevision()
	t.hooks.OnUpdate(e)
	return nil
}

// Move changes the entity's position.
func (t *Table) Move(id domain.EntityID, pos domain.Vec3) error {
	return t.Update(id, func(e *domain.Entity) {
		e.Position = pos
	})
}

// SetAttributes edits the entity's attributes and bumps its revision.
func (t *Table) SetAttributes(id domain.EntityID, fn func(a *domain.Attributes)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.index.Load(id)
	if !ok {
		return domain.ErrEntityNotFound.WithDetails(string(id))
	}

	t.attrs.Update(id, fn)
	e.IncreaseRevision()
	t.hooks.OnUpdate(e)
	return nil
}

// Apply upserts an entity received from a remote peer. Unlike Update the
// revision is taken from the remote state as is.
func (t *Table) Apply(remote *domain.Entity, attrs *domain.Attributes) error {
	if err := remote.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.index.Load(remote.ID)
	if !ok {
		clone := remote.Clone()
		clone.Sector = domain.SectorOf(clone.Position)
		t.attrs.Put(clone.ID, attrs)
		t.index.Store(clone.ID, clone)
		t.insertLocked(clone)
		return nil
	}

	oldSector := e.Sector
	*e = *remote
	t.relocateLocked(e, oldSector)
	t.attrs.Put(e.ID, attrs)
	t.hooks.OnUpdate(e)
	return nil
}

// Get returns a copy of the entity.
func (t *Table) Get(id domain.EntityID) (*domain.Entity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.index.Load(id)
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Has reports whether the entity is in the table.
func (t *Table) Has(id domain.EntityID) bool {
	_, ok := t.index.Load(id)
	return ok
}

// Count returns the number of entities in the table.
func (t *Table) Count() int {
	return t.index.Size()
}

// Restore replaces the whole table content. Hooks are not called.
func (t *Table) Restore(entities []*domain.Entity, attrs map[domain.EntityID]*domain.Attributes) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.shards = make([][]*domain.Entity, t.sharder.ShardCount())
	t.outside = make(map[domain.Sector][]*domain.Entity)
	t.index.Clear()
	t.attrs.Clear()

	for _, e := range entities {
		if err := e.Validate(); err != nil {
			return err
		}
		if _, ok := t.index.Load(e.ID); ok {
			t.logger.Warn("duplicate entity in restore data", "entity_id", e.ID)
			continue
		}
		clone := e.Clone()
		clone.Sector = domain.SectorOf(clone.Position)
		t.index.Store(clone.ID, clone)
		t.appendLocked(clone)
		if a, ok := attrs[clone.ID]; ok {
			t.attrs.Put(clone.ID, a)
		}
	}
	return nil
}

// The accessors below serve the snapshot walk. The caller must hold Locker.

// ShardCount returns the number of fixed shards.
func (t *Table) ShardCount() int {
	return len(t.shards)
}

// Shard returns the live slot list of shard i. The slice must not be
// modified or retained past the critical section.
func (t *Table) Shard(i int) []*domain.Entity {
	return t.shards[i]
}

// RangeOutside visits the outside bucket in a stable (sector, slot) order.
func (t *Table) RangeOutside(fn func(e *domain.Entity)) {
	sectors := make([]domain.Sector, 0, len(t.outside))
	for s := range t.outside {
		sectors = append(sectors, s)
	}
	sort.Slice(sectors, func(i, j int) bool { return sectors[i].Less(sectors[j]) })
	for _, s := range sectors {
		for _, e := range t.outside[s] {
			fn(e)
		}
	}
}

// CloneAttributes returns a deep copy of the entity's attributes, or nil.
func (t *Table) CloneAttributes(id domain.EntityID) *domain.Attributes {
	return t.attrs.Clone(id)
}

func (t *Table) appendLocked(e *domain.Entity) int {
	shard := t.sharder.ShardOf(e.ID, e.Sector)
	if shard == OutsideShard {
		t.outside[e.Sector] = append(t.outside[e.Sector], e)
	} else {
		t.shards[shard] = append(t.shards[shard], e)
	}
	return shard
}

func (t *Table) insertLocked(e *domain.Entity) {
	shard := t.appendLocked(e)
	t.hooks.OnAdd(e, shard)
}

// detachLocked removes e from its shard (or outside bucket) using e.Sector.
func (t *Table) detachLocked(e *domain.Entity) bool {
	shard := t.sharder.ShardOf(e.ID, e.Sector)

	var list []*domain.Entity
	if shard == OutsideShard {
		list = t.outside[e.Sector]
	} else {
		list = t.shards[shard]
	}

	slot := slices.Index(list, e)
	if slot < 0 {
		t.logger.Warn("entity missing from its shard",
			"entity_id", e.ID,
			"shard", shard,
			"sector_x", e.Sector.X,
			"sector_y", e.Sector.Y)
		return false
	}
	list = slices.Delete(list, slot, slot+1)

	if shard == OutsideShard {
		if len(list) == 0 {
			delete(t.outside, e.Sector)
		} else {
			t.outside[e.Sector] = list
		}
	} else {
		t.shards[shard] = list
	}

	t.hooks.OnRemove(e, shard, slot)
	return true
}

// relocateLocked moves e to the shard of its new sector when the sector
// derived from its position differs from oldSector.
func (t *Table) relocateLocked(e *domain.Entity, oldSector domain.Sector) {
	newSector := domain.SectorOf(e.Position)
	if newSector == oldSector {
		e.Sector = oldSector
		return
	}

	oldShard := t.sharder.ShardOf(e.ID, oldSector)
	newShard := t.sharder.ShardOf(e.ID, newSector)
	if oldShard == newShard && oldShard != OutsideShard {
		e.Sector = newSector
		return
	}

	e.Sector = oldSector
	if t.detachLocked(e) {
		e.Sector = newSector
		t.insertLocked(e)
		return
	}
	e.Sector = newSector
}
