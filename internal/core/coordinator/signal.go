package coordinator

import (
	"context"
	"sync"

	"github.com/yndnr/tablesnap-go/internal/core/domain"
)

// Signal is the single-assignment completion signal of one collection.
//
// It resolves exactly once: with the finished snapshot, or with
// domain.ErrSaveSuperseded if the collection was aborted. A failed
// signal means no snapshot was produced and the caller should retry
// with a fresh save.
type Signal struct {
	generation uint64
	done       chan struct{}
	once       sync.Once

	snapshot *domain.Snapshot
	err      error
}

func newSignal(generation uint64) *Signal {
	return &Signal{
		generation: generation,
		done:       make(chan struct{}),
	}
}

// Generation returns the generation of the collection behind the signal.
func (s *Signal) Generation() uint64 {
	return s.generation
}

// Done returns a channel closed once the signal is resolved.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Resolved reports whether the signal has been resolved.
func (s *Signal) Resolved() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the signal resolves or ctx is done.
func (s *Signal) Wait(ctx context.Context) (*domain.Snapshot, error) {
	select {
	case <-s.done:
		return s.snapshot, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve sets the result. Later calls are ignored and return false.
func (s *Signal) resolve(snap *domain.Snapshot, err error) bool {
	resolved := false
	s.once.Do(func() {
		s.snapshot = snap
		s.err = err
		close(s.done)
		resolved = true
	})
	return resolved
}
