package coordinator

import (
	"slices"
	"time"

	"github.com/yndnr/tablesnap-go/internal/core/domain"
)

// Frontier is the position up to and including which a collection has
// copied the table. Entities at or before it are copied; entities after
// it are not yet reached.
type Frontier struct {
	Shard  int `json:"shard"`
	Offset int `json:"offset"`
}

// startFrontier is the frontier of a collection that copied nothing yet.
var startFrontier = Frontier{Shard: 0, Offset: -1}

// Before reports whether f is strictly before o in walk order.
func (f Frontier) Before(o Frontier) bool {
	if f.Shard != o.Shard {
		return f.Shard < o.Shard
	}
	return f.Offset < o.Offset
}

// Session is the private state of one in-flight collection.
type Session struct {
	generation uint64
	signal     *Signal
	urgency    Urgency
	startedAt  time.Time

	frontier Frontier

	// output is the prospective snapshot, append-only until compaction.
	output []*domain.Entity

	// indexOf maps copied entities to their position in output.
	indexOf map[domain.EntityID]int

	// pendingRemovals holds output positions of copied entities that
	// were removed from the table later.
	pendingRemovals []int

	attrs map[domain.EntityID]*domain.Attributes

	stats domain.SaveStats
}

func newSession(generation uint64, urgency Urgency) *Session {
	return &Session{
		generation: generation,
		signal:     newSignal(generation),
		urgency:    urgency,
		startedAt:  time.Now(),
		frontier:   startFrontier,
		indexOf:    make(map[domain.EntityID]int),
		attrs:      make(map[domain.EntityID]*domain.Attributes),
	}
}

// Generation returns the session's generation.
func (s *Session) Generation() uint64 {
	return s.generation
}

// Frontier returns the current copy frontier.
func (s *Session) Frontier() Frontier {
	return s.frontier
}

// Copied reports whether the entity is currently represented in the output.
func (s *Session) Copied(id domain.EntityID) bool {
	_, ok := s.indexOf[id]
	return ok
}

// capture appends a copy of e and its attributes to the output.
func (s *Session) capture(e *domain.Entity, attrs *domain.Attributes) {
	if pos, ok := s.indexOf[e.ID]; ok {
		// Already represented; refresh in place so the id stays unique.
		s.output[pos] = e.Clone()
		s.setAttrs(e.ID, attrs)
		return
	}
	s.indexOf[e.ID] = len(s.output)
	s.output = append(s.output, e.Clone())
	s.setAttrs(e.ID, attrs)
}

// refresh replaces the copy of an already copied entity.
func (s *Session) refresh(e *domain.Entity, attrs *domain.Attributes) bool {
	pos, ok := s.indexOf[e.ID]
	if !ok {
		return false
	}
	s.output[pos] = e.Clone()
	s.setAttrs(e.ID, attrs)
	return true
}

// exclude schedules a copied entity for removal from the output.
func (s *Session) exclude(id domain.EntityID) bool {
	pos, ok := s.indexOf[id]
	if !ok {
		return false
	}
	s.pendingRemovals = append(s.pendingRemovals, pos)
	delete(s.indexOf, id)
	delete(s.attrs, id)
	return true
}

// dropNonPersistent schedules every copy that is no longer persistent
// for removal and returns how many there were.
func (s *Session) dropNonPersistent() int {
	n := 0
	for id, pos := range s.indexOf {
		if !s.output[pos].Persistent && s.exclude(id) {
			n++
		}
	}
	return n
}

func (s *Session) setAttrs(id domain.EntityID, attrs *domain.Attributes) {
	if attrs == nil {
		delete(s.attrs, id)
		return
	}
	s.attrs[id] = attrs
}

// compact drops pending removals from the output. Positions are handled
// in descending order so that swapping with the last element never
// moves an entry that is still queued for removal.
func (s *Session) compact() {
	slices.SortFunc(s.pendingRemovals, func(a, b int) int { return b - a })
	for _, pos := range s.pendingRemovals {
		last := len(s.output) - 1
		if pos != last {
			moved := s.output[last]
			s.output[pos] = moved
			s.indexOf[moved.ID] = pos
		}
		s.output[last] = nil
		s.output = s.output[:last]
	}
	s.pendingRemovals = nil
}

// appendUncounted adds an entity without index bookkeeping. Used by the
// outside pass, which runs after the last possible hook.
func (s *Session) appendUncounted(e *domain.Entity, attrs *domain.Attributes) {
	s.output = append(s.output, e.Clone())
	if attrs != nil {
		s.attrs[e.ID] = attrs
	}
}

// snapshot builds the immutable hand-off value and clears the session.
func (s *Session) snapshot(meta map[string]string) *domain.Snapshot {
	snap := &domain.Snapshot{
		Generation: s.generation,
		CreatedAt:  time.Now().UnixMilli(),
		Entities:   s.output,
		Attributes: s.attrs,
		Meta:       meta,
		Stats:      s.stats,
	}
	s.output = nil
	s.indexOf = nil
	s.attrs = nil
	s.pendingRemovals = nil
	return snap
}
