package domain

import "time"

// SaveStats describes how a snapshot was collected.
type SaveStats struct {
	// Collect is the total time spent copying, summed over all batch steps.
	Collect time.Duration `json:"collect"`

	// LongestBlock is the longest single uninterrupted step.
	LongestBlock time.Duration `json:"longest_block"`

	// Outside is the time spent copying the outside bucket.
	Outside time.Duration `json:"outside"`

	Steps     int `json:"steps"`
	Copied    int `json:"copied"`
	Injected  int `json:"injected"`
	Refreshed int `json:"refreshed"`
	Removed   int `json:"removed"`
}

// Snapshot is the point-in-time copy of all persistent entities handed
// to a snapshot consumer. It must not be mutated after hand-off.
type Snapshot struct {
	// Generation is the monotonically increasing id of the session
	// that produced the snapshot.
	Generation uint64

	// CreatedAt is the finalize timestamp (Unix milliseconds).
	CreatedAt int64

	Entities   []*Entity
	Attributes map[EntityID]*Attributes

	// Meta carries values contributed by preparers at finalize time.
	Meta map[string]string

	Stats SaveStats
}

// Len returns the number of entities in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Entities)
}
