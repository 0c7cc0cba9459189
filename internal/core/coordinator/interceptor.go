package coordinator

import (
	"github.com/yndnr/tablesnap-go/internal/core/domain"
	"github.com/yndnr/tablesnap-go/internal/storage/table"
)

// The methods below implement table.Hooks. The table calls them while
// holding its lock, so they share the walk's exclusion and never lock.

var _ table.Hooks = (*Coordinator)(nil)

// OnUpdate refreshes the copy of an already copied entity. The copy
// stays indexed even when the entity stopped being persistent, so a
// later update can make it persistent again; non-persistent copies are
// dropped when the walk finishes.
func (c *Coordinator) OnUpdate(e *domain.Entity) {
	s := c.session
	if s == nil || !s.refresh(e, c.src.CloneAttributes(e.ID)) {
		return
	}
	s.stats.Refreshed++
}

// OnAdd injects a persistent entity added to a shard the walk already
// passed. Entities added at or after the frontier shard are reached by
// the walk itself, since the table appends new entities at the end of
// their shard.
func (c *Coordinator) OnAdd(e *domain.Entity, shard int) {
	s := c.session
	if s == nil || shard == table.OutsideShard {
		return
	}
	if shard >= s.frontier.Shard || !e.Persistent {
		return
	}
	s.capture(e, c.src.CloneAttributes(e.ID))
	s.stats.Injected++
}

// OnRemove keeps the frontier aligned with the compacted live shard and
// excludes removed entities that were already copied.
func (c *Coordinator) OnRemove(e *domain.Entity, shard, slot int) {
	s := c.session
	if s == nil || shard == table.OutsideShard {
		return
	}

	switch {
	case shard == s.frontier.Shard && slot <= s.frontier.Offset:
		// The walk resumes at Offset+1 of the live shard, which just
		// shifted down by one.
		s.frontier.Offset--
	case shard >= s.frontier.Shard:
		return
	}

	if s.exclude(e.ID) {
		s.stats.Removed++
	}
}
