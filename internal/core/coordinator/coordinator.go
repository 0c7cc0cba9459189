package coordinator

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yndnr/tablesnap-go/internal/core/domain"
	"github.com/yndnr/tablesnap-go/internal/telemetry/metric"
)

// DefaultBatchSize is the number of entities copied per step.
const DefaultBatchSize = 3000

// Source is the read side of the entity table used by the walk.
// Every method except Locker is called with the lock held.
type Source interface {
	// Locker returns the lock that excludes table mutations.
	Locker() sync.Locker

	// ShardCount returns the number of fixed shards.
	ShardCount() int

	// Shard returns the live slot list of shard i.
	Shard(i int) []*domain.Entity

	// RangeOutside visits every entity of the outside bucket.
	RangeOutside(fn func(e *domain.Entity))

	// CloneAttributes returns a private copy of the entity's attributes,
	// or nil if it has none.
	CloneAttributes(id domain.EntityID) *domain.Attributes
}

// ============================================================================
// Urgency and Verbosity
// ============================================================================

// Urgency decides what happens to a save request that arrives while a
// collection is running.
type Urgency int

const (
	// Background requests are dropped while a collection is running.
	Background Urgency = iota

	// Blocking requests abort the running collection and collect
	// synchronously.
	Blocking
)

// String implements fmt.Stringer.
func (u Urgency) String() string {
	switch u {
	case Background:
		return "background"
	case Blocking:
		return "blocking"
	default:
		return fmt.Sprintf("urgency(%d)", int(u))
	}
}

// ParseUrgency parses "background" or "blocking".
func ParseUrgency(s string) (Urgency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "background":
		return Background, nil
	case "blocking":
		return Blocking, nil
	default:
		return Background, domain.ErrInvalidArgument.WithDetails("unknown save mode: " + s)
	}
}

// Verbosity controls the report logged after each collection.
type Verbosity int32

const (
	// VerbosityOff logs nothing.
	VerbosityOff Verbosity = iota
	// VerbositySimple logs the estimated blocking time without batching
	// and the longest actual block.
	VerbositySimple
	// VerbosityDetailed logs per-phase timings and counters.
	VerbosityDetailed
)

// String implements fmt.Stringer.
func (v Verbosity) String() string {
	switch v {
	case VerbosityOff:
		return "off"
	case VerbositySimple:
		return "simple"
	case VerbosityDetailed:
		return "detailed"
	default:
		return fmt.Sprintf("verbosity(%d)", int(v))
	}
}

// ParseVerbosity parses "off", "simple" or "detailed".
func ParseVerbosity(s string) (Verbosity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "none":
		return VerbosityOff, nil
	case "", "simple":
		return VerbositySimple, nil
	case "detailed":
		return VerbosityDetailed, nil
	default:
		return VerbositySimple, domain.ErrInvalidArgument.WithDetails("unknown save logging level: " + s)
	}
}

// ============================================================================
// Coordinator
// ============================================================================

// Preparer contributes metadata to a snapshot when it is finalized.
// It runs with the table lock held and must not call into the table.
type Preparer interface {
	PrepareSnapshot(generation uint64, meta map[string]string)
}

// PreparerFunc adapts a function to Preparer.
type PreparerFunc func(generation uint64, meta map[string]string)

// PrepareSnapshot implements Preparer.
func (f PreparerFunc) PrepareSnapshot(generation uint64, meta map[string]string) {
	f(generation, meta)
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	Active         bool     `json:"active"`
	Generation     uint64   `json:"generation"`
	Urgency        string   `json:"urgency,omitempty"`
	Frontier       Frontier `json:"frontier"`
	Copied         int      `json:"copied"`
	Steps          int      `json:"steps"`
	StartedAt      int64    `json:"started_at,omitempty"`
	LastGeneration uint64   `json:"last_generation"`
	LastFinishedAt int64    `json:"last_finished_at,omitempty"`
}

// Coordinator owns the active collection and reconciles table mutations
// against it.
type Coordinator struct {
	src     Source
	logger  *slog.Logger
	metrics *metric.Registry

	batchSize atomic.Int64
	verbosity atomic.Int32

	// Guarded by the source lock.
	session    *Session
	generation uint64

	mu        sync.Mutex
	preparers []Preparer
	status    Status
}

// Option configures the Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(r *metric.Registry) Option {
	return func(c *Coordinator) {
		c.metrics = r
	}
}

// WithBatchSize sets the number of entities copied per step.
func WithBatchSize(n int) Option {
	return func(c *Coordinator) {
		c.SetBatchSize(n)
	}
}

// WithVerbosity sets the report verbosity.
func WithVerbosity(v Verbosity) Option {
	return func(c *Coordinator) {
		c.SetVerbosity(v)
	}
}

// WithGeneration sets the last used generation, so that generations
// keep increasing across restarts.
func WithGeneration(g uint64) Option {
	return func(c *Coordinator) {
		c.generation = g
	}
}

// New creates a coordinator reading from src. The caller registers the
// coordinator as the table's hooks.
func New(src Source, opts ...Option) *Coordinator {
	c := &Coordinator{
		src:    src,
		logger: slog.Default(),
	}
	c.batchSize.Store(DefaultBatchSize)
	c.verbosity.Store(int32(VerbositySimple))
	for _, opt := range opts {
		opt(c)
	}
	c.status.LastGeneration = c.generation
	return c
}

// SetBatchSize changes the batch size. It takes effect at the next step.
// Values <= 0 disable yielding.
func (c *Coordinator) SetBatchSize(n int) {
	c.batchSize.Store(int64(n))
}

// BatchSize returns the current batch size.
func (c *Coordinator) BatchSize() int {
	return int(c.batchSize.Load())
}

// SetVerbosity changes the report verbosity.
func (c *Coordinator) SetVerbosity(v Verbosity) {
	c.verbosity.Store(int32(v))
}

// Verbosity returns the report verbosity.
func (c *Coordinator) Verbosity() Verbosity {
	return Verbosity(c.verbosity.Load())
}

// AddPreparer registers a snapshot preparer.
func (c *Coordinator) AddPreparer(p Preparer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preparers = append(c.preparers, p)
}

// Begin starts a collection and returns its completion signal.
//
// A Background request while a collection is running is dropped with
// domain.ErrSaveInProgress. A Blocking request aborts the running
// collection, whose signal resolves to domain.ErrSaveSuperseded, and
// then collects synchronously: the returned signal is already resolved.
func (c *Coordinator) Begin(urgency Urgency) (*Signal, error) {
	l := c.src.Locker()
	l.Lock()
	defer l.Unlock()

	c.metrics.RecordSaveRequest(urgency.String())

	if c.session != nil {
		if urgency != Blocking {
			c.metrics.IncSaveDropped()
			c.logger.Debug("save request dropped, collection in progress",
				"generation", c.session.generation)
			return nil, domain.ErrSaveInProgress.WithDetails(
				fmt.Sprintf("generation %d", c.session.generation))
		}
		c.abortLocked("superseded by blocking save")
	}

	c.generation++
	s := newSession(c.generation, urgency)
	c.session = s

	if urgency == Blocking {
		c.stepLocked(s, 0)
		return s.signal, nil
	}

	c.publishLocked()
	return s.signal, nil
}

// Abort discards the running collection and resolves its signal with
// domain.ErrSaveSuperseded. It reports whether a collection was running.
func (c *Coordinator) Abort() bool {
	l := c.src.Locker()
	l.Lock()
	defer l.Unlock()

	if c.session == nil {
		return false
	}
	c.abortLocked("aborted")
	return true
}

// EnsureGeneration raises the generation counter to at least g so the
// next collection is numbered after a recovered snapshot.
func (c *Coordinator) EnsureGeneration(g uint64) {
	l := c.src.Locker()
	l.Lock()
	defer l.Unlock()
	c.generation = max(c.generation, g)
}

// Active returns the running collection's generation, if any.
func (c *Coordinator) Active() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.Generation, c.status.Active
}

// Status returns a point-in-time view of the coordinator. It does not
// take the table lock and may lag by at most one step.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Coordinator) abortLocked(reason string) {
	s := c.session
	c.session = nil
	s.signal.resolve(nil, domain.ErrSaveSuperseded.WithDetails(
		fmt.Sprintf("generation %d %s", s.generation, reason)))

	c.metrics.IncSaveSuperseded()
	c.logger.Info("aborted collection",
		"generation", s.generation,
		"reason", reason,
		"frontier_shard", s.frontier.Shard,
		"frontier_offset", s.frontier.Offset,
		"copied", s.stats.Copied)

	c.publishLocked()
}

func (c *Coordinator) finalizeLocked(s *Session) {
	c.mu.Lock()
	preparers := slices.Clone(c.preparers)
	c.mu.Unlock()

	var meta map[string]string
	if len(preparers) > 0 {
		meta = make(map[string]string)
		for _, p := range preparers {
			p.PrepareSnapshot(s.generation, meta)
		}
	}

	snap := s.snapshot(meta)
	c.session = nil

	c.report(snap)
	c.metrics.ObserveCollection(
		snap.Stats.Collect.Seconds(),
		snap.Stats.LongestBlock.Seconds(),
		snap.Stats.Steps,
		snap.Len())

	c.mu.Lock()
	c.status = Status{
		LastGeneration: snap.Generation,
		LastFinishedAt: snap.CreatedAt,
	}
	c.mu.Unlock()

	s.signal.resolve(snap, nil)
}

// publishLocked refreshes the status copy read by Status.
func (c *Coordinator) publishLocked() {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if s == nil {
		c.status.Active = false
		c.status.Generation = 0
		c.status.Urgency = ""
		c.status.Frontier = Frontier{}
		c.status.Copied = 0
		c.status.Steps = 0
		c.status.StartedAt = 0
		return
	}
	c.status.Active = true
	c.status.Generation = s.generation
	c.status.Urgency = s.urgency.String()
	c.status.Frontier = s.frontier
	c.status.Copied = s.stats.Copied
	c.status.Steps = s.stats.Steps
	c.status.StartedAt = s.startedAt.UnixMilli()
}

func (c *Coordinator) report(snap *domain.Snapshot) {
	st := snap.Stats
	switch c.Verbosity() {
	case VerbositySimple:
		c.logger.Info("world snapshot collected",
			"generation", snap.Generation,
			"estimated_blocking_without_batching", st.Collect.Round(time.Millisecond).String(),
			"longest_block", st.LongestBlock.Round(time.Microsecond).String())
	case VerbosityDetailed:
		c.logger.Info("world snapshot collected",
			"generation", snap.Generation,
			"entities", snap.Len(),
			"collect", st.Collect.String(),
			"longest_block", st.LongestBlock.String(),
			"outside", st.Outside.String(),
			"steps", st.Steps,
			"copied", st.Copied,
			"injected", st.Injected,
			"refreshed", st.Refreshed,
			"removed", st.Removed)
	}
}
