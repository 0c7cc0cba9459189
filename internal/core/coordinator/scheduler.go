package coordinator

import (
	"context"
	"time"

	"github.com/yndnr/tablesnap-go/internal/core/domain"
)

// Tick runs one batch step of the active collection and reports whether
// a collection is still in progress afterwards. It is meant to be called
// once per frame by the goroutine that mutates the table.
func (c *Coordinator) Tick() bool {
	l := c.src.Locker()
	l.Lock()
	defer l.Unlock()

	s := c.session
	if s == nil {
		return false
	}
	if c.stepLocked(s, c.BatchSize()) {
		return false
	}
	c.publishLocked()
	return true
}

// Run drives Tick until sig resolves or ctx is done. It is intended for
// hosts without a frame loop, such as tools and tests.
func (c *Coordinator) Run(ctx context.Context, sig *Signal) (*domain.Snapshot, error) {
	for {
		select {
		case <-sig.Done():
			return sig.Wait(ctx)
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if !c.Tick() {
			return sig.Wait(ctx)
		}
	}
}

// stepLocked copies up to batch persistent entities starting right after
// the frontier. A batch <= 0 copies everything in one step. It returns
// true once the session was finalized.
func (c *Coordinator) stepLocked(s *Session, batch int) bool {
	start := time.Now()
	s.stats.Steps++

	remaining := batch
	shardCount := c.src.ShardCount()
	shard, slot := s.frontier.Shard, s.frontier.Offset+1

	for ; shard < shardCount; shard, slot = shard+1, 0 {
		entities := c.src.Shard(shard)
		for ; slot < len(entities); slot++ {
			e := entities[slot]
			if !e.Persistent {
				continue
			}
			s.capture(e, c.src.CloneAttributes(e.ID))
			s.stats.Copied++

			if batch <= 0 {
				continue
			}
			if remaining--; remaining <= 0 {
				s.frontier = Frontier{Shard: shard, Offset: slot}
				c.endStep(s, start)
				return false
			}
		}
	}
	// Hooks cannot run before finalize, so the frontier only matters for
	// status reporting from here on.
	s.frontier = Frontier{Shard: shardCount, Offset: -1}

	s.stats.Removed += s.dropNonPersistent()
	s.compact()

	outsideStart := time.Now()
	c.src.RangeOutside(func(e *domain.Entity) {
		if e.Persistent {
			s.appendUncounted(e, c.src.CloneAttributes(e.ID))
			s.stats.Copied++
		}
	})
	s.stats.Outside = time.Since(outsideStart)

	c.endStep(s, start)
	c.finalizeLocked(s)
	return true
}

func (c *Coordinator) endStep(s *Session, start time.Time) {
	d := time.Since(start)
	s.stats.Collect += d
	if d > s.stats.LongestBlock {
		s.stats.LongestBlock = d
	}
}
