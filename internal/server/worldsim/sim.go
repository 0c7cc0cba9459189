package worldsim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/yndnr/tablesnap-go/internal/core/domain"
	"github.com/yndnr/tablesnap-go/internal/storage/table"
)

// Default configuration values.
const (
	DefaultWorldSize = 4096
	DefaultPrefabs   = 32
)

// Attribute keys written by the simulator.
var (
	keyHealth = domain.AttributeKey("health")
	keyLevel  = domain.AttributeKey("level")
	keyName   = domain.AttributeKey("name")
)

// Config configures a Simulator.
type Config struct {
	// Entities is the population spawned into an empty table.
	Entities int

	// Rate is the number of mutations per second; Burst caps the
	// mutations applied in one frame.
	Rate  float64
	Burst int

	// Seed makes a run reproducible. Zero seeds from the clock.
	Seed int64

	// WorldSize is the edge length of the square area entities live in.
	WorldSize float32
}

// Stats counts applied mutations.
type Stats struct {
	Spawned    uint64 `json:"spawned"`
	Despawned  uint64 `json:"despawned"`
	Moved      uint64 `json:"moved"`
	Updated    uint64 `json:"updated"`
	Attributes uint64 `json:"attributes"`
	Applied    uint64 `json:"applied"`
	Throttled  uint64 `json:"throttled"`
}

// Simulator mutates a table at a bounded rate. Frame must only be called
// from one goroutine.
type Simulator struct {
	tbl     *table.Table
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter
	rng     *rand.Rand

	// ids tracks live entities; only touched from Frame and Populate.
	ids []domain.EntityID

	frames     atomic.Uint64
	spawned    atomic.Uint64
	despawned  atomic.Uint64
	moved      atomic.Uint64
	updated    atomic.Uint64
	attributes atomic.Uint64
	applied    atomic.Uint64
	throttled  atomic.Uint64
}

// New creates a Simulator for tbl.
func New(tbl *table.Table, cfg Config, logger *slog.Logger) (*Simulator, error) {
	if cfg.Rate <= 0 {
		return nil, domain.ErrInvalidArgument.WithDetails("sim rate must be positive")
	}
	if cfg.Burst < 1 {
		return nil, domain.ErrInvalidArgument.WithDetails("sim burst must be at least 1")
	}
	if cfg.WorldSize <= 0 {
		cfg.WorldSize = DefaultWorldSize
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Simulator{
		tbl:     tbl,
		cfg:     cfg,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Populate adopts the entities already in the table, typically restored
// from a snapshot, and spawns Config.Entities more when it is empty.
func (s *Simulator) Populate() error {
	s.ids = s.ids[:0]
	mu := s.tbl.Locker()
	mu.Lock()
	for i := 0; i < s.tbl.ShardCount(); i++ {
		for _, e := range s.tbl.Shard(i) {
			s.ids = append(s.ids, e.ID)
		}
	}
	s.tbl.RangeOutside(func(e *domain.Entity) {
		s.ids = append(s.ids, e.ID)
	})
	mu.Unlock()

	if len(s.ids) > 0 {
		s.logger.Info("simulator adopted existing entities", "count", len(s.ids))
		return nil
	}

	for i := 0; i < s.cfg.Entities; i++ {
		if err := s.spawn(); err != nil {
			return fmt.Errorf("worldsim: populate: %w", err)
		}
	}
	s.logger.Info("simulator populated table",
		"count", len(s.ids),
		"seed", s.cfg.Seed)
	return nil
}

// Frame applies the mutations the limiter allows. Its signature matches
// storage.FrameFunc.
func (s *Simulator) Frame(ctx context.Context, _ uint64) {
	s.frames.Add(1)
	now := time.Now()
	for i := 0; i < s.cfg.Burst; i++ {
		if ctx.Err() != nil {
			return
		}
		if !s.limiter.AllowN(now, 1) {
			s.throttled.Add(1)
			return
		}
		if err := s.Step(); err != nil {
			s.logger.Warn("simulation step failed", "error", err)
		}
	}
}

// Step applies one random mutation.
func (s *Simulator) Step() error {
	if len(s.ids) == 0 {
		return s.spawn()
	}

	switch n := s.rng.Intn(100); {
	case n < 15:
		return s.spawn()
	case n < 25:
		return s.despawn()
	case n < 55:
		return s.move()
	case n < 75:
		return s.update()
	case n < 90:
		return s.editAttributes()
	default:
		return s.applyRemote()
	}
}

// PrepareSnapshot implements coordinator.Preparer.
func (s *Simulator) PrepareSnapshot(_ uint64, meta map[string]string) {
	meta["sim.seed"] = strconv.FormatInt(s.cfg.Seed, 10)
	meta["sim.frames"] = strconv.FormatUint(s.frames.Load(), 10)
}

// Stats returns the mutation counters.
func (s *Simulator) Stats() Stats {
	return Stats{
		Spawned:    s.spawned.Load(),
		Despawned:  s.despawned.Load(),
		Moved:      s.moved.Load(),
		Updated:    s.updated.Load(),
		Attributes: s.attributes.Load(),
		Applied:    s.applied.Load(),
		Throttled:  s.throttled.Load(),
	}
}

// Live returns the number of entities the simulator tracks.
func (s *Simulator) Live() int {
	return len(s.ids)
}

func (s *Simulator) randomPos() domain.Vec3 {
	half := s.cfg.WorldSize / 2
	return domain.Vec3{
		X: s.rng.Float32()*s.cfg.WorldSize - half,
		Y: s.rng.Float32() * 64,
		Z: s.rng.Float32()*s.cfg.WorldSize - half,
	}
}

func (s *Simulator) pick() (int, domain.EntityID) {
	i := s.rng.Intn(len(s.ids))
	return i, s.ids[i]
}

// forget drops the tracked ID at i.
func (s *Simulator) forget(i int) {
	last := len(s.ids) - 1
	s.ids[i] = s.ids[last]
	s.ids = s.ids[:last]
}

// check drops ids the table no longer knows and passes other errors on.
func (s *Simulator) check(i int, err error) error {
	if errors.Is(err, domain.ErrEntityNotFound) {
		s.forget(i)
		return nil
	}
	return err
}

func (s *Simulator) spawn() error {
	e := domain.NewEntity(int32(s.rng.Intn(DefaultPrefabs)), s.randomPos())
	// A few transient objects that never reach a snapshot.
	e.Persistent = s.rng.Intn(10) != 0

	var attrs *domain.Attributes
	if s.rng.Intn(2) == 0 {
		attrs = &domain.Attributes{}
		attrs.SetFloat(keyHealth, 100)
		attrs.SetInt(keyLevel, int32(1+s.rng.Intn(60)))
	}
	if err := s.tbl.AddWithAttributes(e, attrs); err != nil {
		return err
	}
	s.ids = append(s.ids, e.ID)
	s.spawned.Add(1)
	return nil
}

func (s *Simulator) despawn() error {
	i, id := s.pick()
	s.forget(i)
	if s.tbl.Remove(id) {
		s.despawned.Add(1)
	}
	return nil
}

func (s *Simulator) move() error {
	i, id := s.pick()
	if err := s.tbl.Move(id, s.randomPos()); err != nil {
		return s.check(i, err)
	}
	s.moved.Add(1)
	return nil
}

func (s *Simulator) update() error {
	i, id := s.pick()
	owner := s.rng.Int63n(16)
	dropPersistence := s.rng.Intn(50) == 0
	err := s.tbl.Update(id, func(e *domain.Entity) {
		e.SetOwner(owner)
		if dropPersistence {
			e.Persistent = false
		}
	})
	if err != nil {
		return s.check(i, err)
	}
	s.updated.Add(1)
	return nil
}

func (s *Simulator) editAttributes() error {
	i, id := s.pick()
	op := s.rng.Intn(4)
	hp := s.rng.Float32() * 100
	err := s.tbl.SetAttributes(id, func(a *domain.Attributes) {
		switch op {
		case 0:
			if a.Floats != nil {
				a.Floats.Remove(keyHealth)
			}
		case 1:
			a.SetString(keyName, "npc-"+strconv.Itoa(int(hp)))
		default:
			a.SetFloat(keyHealth, hp)
		}
	})
	if err != nil {
		return s.check(i, err)
	}
	s.attributes.Add(1)
	return nil
}

// applyRemote replays the entity as if a peer had sent its new state.
func (s *Simulator) applyRemote() error {
	i, id := s.pick()
	e, ok := s.tbl.Get(id)
	if !ok {
		s.forget(i)
		return nil
	}
	e.Revision++
	e.Rotation = domain.Quat{Y: s.rng.Float32(), W: 1}
	if err := s.tbl.Apply(e, s.tbl.CloneAttributes(id)); err != nil {
		return s.check(i, err)
	}
	s.applied.Add(1)
	return nil
}
