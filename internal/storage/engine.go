package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yndnr/tablesnap-go/internal/core/coordinator"
	"github.com/yndnr/tablesnap-go/internal/core/domain"
	"github.com/yndnr/tablesnap-go/internal/storage/attrstore"
	"github.com/yndnr/tablesnap-go/internal/storage/snapshot"
	"github.com/yndnr/tablesnap-go/internal/storage/table"
	"github.com/yndnr/tablesnap-go/internal/telemetry/metric"
)

// Default configuration values.
const (
	DefaultFrameInterval = 20 * time.Millisecond
	DefaultSaveInterval  = 20 * time.Minute
	DefaultSnapshotDir   = "snapshots"
	DefaultBadgerDir     = "badger"

	SinkFile   = "file"
	SinkBadger = "badger"
)

// Config configures the storage engine.
type Config struct {
	// DataDir is the base directory for all storage files.
	DataDir string

	// Sink selects the snapshot consumer: "file" or "badger".
	Sink string

	Snapshot snapshot.Config
	Badger   BadgerConfig

	// FrameInterval is the period of the frame loop that runs the
	// registered frame functions and one collection step.
	FrameInterval time.Duration

	// SaveInterval is the autosave period. Zero disables autosave.
	SaveInterval time.Duration

	// SaveOnShutdown forces a blocking save in Close even when no
	// collection is pending.
	SaveOnShutdown bool

	// BatchSize and Verbosity seed the coordinator.
	BatchSize int
	Verbosity coordinator.Verbosity

	// Sharder partitions the table. Defaults to a 64x64 grid.
	Sharder table.Sharder

	Logger  *slog.Logger
	Metrics *metric.Registry
}

// DefaultConfig returns the default storage configuration.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:       dataDir,
		Sink:          SinkFile,
		Snapshot:      snapshot.DefaultConfig(filepath.Join(dataDir, DefaultSnapshotDir)),
		Badger:        DefaultBadgerConfig(filepath.Join(dataDir, DefaultBadgerDir)),
		FrameInterval: DefaultFrameInterval,
		SaveInterval:  DefaultSaveInterval,
		BatchSize:     coordinator.DefaultBatchSize,
		Verbosity:     coordinator.VerbositySimple,
		Logger:        slog.Default(),
	}
}

// FrameFunc runs once per frame on the frame loop goroutine, before the
// collection step. It mutates the table through its public methods.
type FrameFunc func(ctx context.Context, frame uint64)

// Option configures the Engine.
type Option func(*Engine)

// WithSink replaces the sink built from Config.Sink.
func WithSink(s Sink) Option {
	return func(e *Engine) {
		e.sink = s
	}
}

// SaveResult describes the outcome of a save.
type SaveResult struct {
	Generation uint64        `json:"generation"`
	Entities   int           `json:"entities"`
	Written    bool          `json:"written"`
	Location   string        `json:"location,omitempty"`
	Size       int64         `json:"size,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	Sink                  string             `json:"sink"`
	Running               bool               `json:"running"`
	Frames                uint64             `json:"frames"`
	Entities              int                `json:"entities"`
	Collection            coordinator.Status `json:"collection"`
	LastWrittenGeneration uint64             `json:"last_written_generation"`
	LastWrittenAt         int64              `json:"last_written_at,omitempty"`
	LastError             string             `json:"last_error,omitempty"`
}

// Engine ties the entity table, the snapshot coordinator and a sink
// together and drives them from a frame loop.
type Engine struct {
	cfg     Config
	table   *table.Table
	coord   *coordinator.Coordinator
	sink    Sink
	logger  *slog.Logger
	metrics *metric.Registry

	framesMu sync.Mutex
	frames   []FrameFunc
	frame    atomic.Uint64

	// writeMu serializes sink writes. A snapshot not newer than
	// lastWritten is skipped.
	writeMu       sync.Mutex
	lastWritten   atomic.Uint64
	lastWrittenAt atomic.Int64
	lastErr       atomic.Pointer[string]

	writers sync.WaitGroup

	running atomic.Bool
	closed  atomic.Bool
	stopCh  chan struct{}
	loops   sync.WaitGroup
}

// New creates a new storage engine.
//
// This initializes all components but does NOT perform recovery or start
// the frame loop. Call Recover() and then Start().
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = DefaultFrameInterval
	}
	if cfg.Sharder == nil {
		cfg.Sharder = table.NewGridSharder(table.DefaultGridWidth)
	}

	e := &Engine{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.sink == nil {
		sink, err := openSink(cfg)
		if err != nil {
			return nil, err
		}
		e.sink = sink
	}

	e.table = table.New(
		table.WithSharder(cfg.Sharder),
		table.WithAttributes(attrstore.New()),
		table.WithLogger(cfg.Logger.With("component", "table")),
	)
	e.coord = coordinator.New(e.table,
		coordinator.WithLogger(cfg.Logger.With("component", "coordinator")),
		coordinator.WithMetrics(cfg.Metrics),
		coordinator.WithBatchSize(cfg.BatchSize),
		coordinator.WithVerbosity(cfg.Verbosity),
	)
	e.table.SetHooks(e.coord)

	if cfg.Metrics != nil {
		cfg.Metrics.MustRegister(metric.NewCollector(e.tableStats))
		if bs, ok := e.sink.(*BadgerSink); ok {
			bs.RegisterMetrics(cfg.Metrics.Prometheus())
		}
	}

	return e, nil
}

func openSink(cfg Config) (Sink, error) {
	switch cfg.Sink {
	case "", SinkFile:
		if cfg.Snapshot.Dir == "" {
			if cfg.DataDir == "" {
				return nil, fmt.Errorf("storage: data_dir is required")
			}
			cfg.Snapshot.Dir = filepath.Join(cfg.DataDir, DefaultSnapshotDir)
		}
		s, err := NewFileSink(cfg.Snapshot, cfg.Logger.With("component", "snapshot"))
		if err != nil {
			return nil, fmt.Errorf("storage: create file sink: %w", err)
		}
		return s, nil
	case SinkBadger:
		if cfg.Badger.Dir == "" {
			if cfg.DataDir == "" {
				return nil, fmt.Errorf("storage: data_dir is required")
			}
			cfg.Badger.Dir = filepath.Join(cfg.DataDir, DefaultBadgerDir)
		}
		s, err := NewBadgerSink(cfg.Badger, cfg.Logger.With("component", "badger"))
		if err != nil {
			return nil, fmt.Errorf("storage: create badger sink: %w", err)
		}
		return s, nil
	default:
		return nil, domain.ErrInvalidArgument.WithDetails("unknown sink: " + cfg.Sink)
	}
}

func (e *Engine) tableStats() metric.TableStats {
	gen, _ := e.coord.Active()
	return metric.TableStats{
		Entities:         e.table.Count(),
		WithAttributes:   e.table.Attributes().Count(),
		ActiveGeneration: gen,
	}
}

// Table returns the entity table.
func (e *Engine) Table() *table.Table { return e.table }

// Coordinator returns the snapshot coordinator.
func (e *Engine) Coordinator() *coordinator.Coordinator { return e.coord }

// SetBatchSize changes the collection batch size from the next step on.
func (e *Engine) SetBatchSize(n int) { e.coord.SetBatchSize(n) }

// SetVerbosity changes how much each collection logs.
func (e *Engine) SetVerbosity(v coordinator.Verbosity) { e.coord.SetVerbosity(v) }

// Sink returns the snapshot sink.
func (e *Engine) Sink() Sink { return e.sink }

// AddFrameFunc registers fn to run every frame.
func (e *Engine) AddFrameFunc(fn FrameFunc) {
	e.framesMu.Lock()
	defer e.framesMu.Unlock()
	e.frames = append(e.frames, fn)
}

// Recover loads the latest snapshot from the sink into the table.
//
// It must run before Start. The coordinator generation continues from
// the recovered snapshot.
func (e *Engine) Recover(ctx context.Context) error {
	if e.running.Load() {
		return fmt.Errorf("storage: recover on a running engine")
	}
	startTime := time.Now()
	e.logger.Info("storage recovery started", "sink", e.sink.Name())

	snap, err := e.sink.Latest(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap == nil {
		e.logger.Info("no snapshot found, starting with empty table")
		return nil
	}

	e.coord.Abort()
	if err := e.table.Restore(snap.Entities, snap.Attributes); err != nil {
		return fmt.Errorf("restore table: %w", err)
	}
	e.coord.EnsureGeneration(snap.Generation)
	e.lastWritten.Store(snap.Generation)
	e.lastWrittenAt.Store(snap.CreatedAt)

	e.logger.Info("recovery completed",
		"generation", snap.Generation,
		"entity_count", e.table.Count(),
		"elapsed", time.Since(startTime))
	return nil
}

// Start launches the frame loop and, when configured, the autosave loop.
func (e *Engine) Start() error {
	if e.closed.Load() {
		return domain.ErrEngineClosed
	}
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}

	e.loops.Add(1)
	go e.frameLoop()

	if e.cfg.SaveInterval > 0 {
		e.loops.Add(1)
		go e.autosaveLoop()
	}

	e.logger.Info("storage engine started",
		"frame_interval", e.cfg.FrameInterval,
		"save_interval", e.cfg.SaveInterval,
		"batch_size", e.coord.BatchSize(),
		"sink", e.sink.Name())
	return nil
}

// frameLoop runs the frame functions and one collection step per frame.
func (e *Engine) frameLoop() {
	defer e.loops.Done()

	ticker := time.NewTicker(e.cfg.FrameInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-ticker.C:
			e.runFrame(ctx)
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) runFrame(ctx context.Context) {
	frame := e.frame.Add(1)

	e.framesMu.Lock()
	frames := e.frames
	e.framesMu.Unlock()

	for _, fn := range frames {
		fn(ctx, frame)
	}
	e.coord.Tick()
}

// autosaveLoop runs periodic background saves.
func (e *Engine) autosaveLoop() {
	defer e.loops.Done()

	ticker := time.NewTicker(e.cfg.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := e.RequestSave(coordinator.Background); err != nil {
				if errors.Is(err, domain.ErrSaveInProgress) {
					e.logger.Debug("autosave skipped, collection in progress")
					continue
				}
				e.logger.Error("autosave failed", "error", err)
			}
		case <-e.stopCh:
			return
		}
	}
}

// RequestSave starts a collection and returns its completion signal
// without waiting for the write.
//
// A Background request collects over the following frames; a writer
// goroutine persists the snapshot once the signal resolves. A Blocking
// request supersedes any running collection, collects immediately and
// writes before returning.
func (e *Engine) RequestSave(urgency coordinator.Urgency) (*coordinator.Signal, error) {
	if e.closed.Load() {
		return nil, domain.ErrEngineClosed
	}
	return e.requestSave(context.Background(), urgency)
}

func (e *Engine) requestSave(ctx context.Context, urgency coordinator.Urgency) (*coordinator.Signal, error) {
	sig, err := e.coord.Begin(urgency)
	if err != nil {
		return nil, err
	}

	if urgency == coordinator.Blocking {
		snap, err := sig.Wait(ctx)
		if err != nil {
			return sig, err
		}
		_, err = e.write(ctx, snap)
		return sig, err
	}

	e.writers.Add(1)
	go func() {
		defer e.writers.Done()
		snap, err := sig.Wait(context.Background())
		if err != nil {
			e.logger.Info("background save not written", "generation", sig.Generation(), "reason", err)
			return
		}
		if _, err := e.write(context.Background(), snap); err != nil {
			e.logger.Error("background save failed", "generation", snap.Generation, "error", err)
		}
	}()
	return sig, nil
}

// Save collects and writes a snapshot and waits for the result.
//
// A Background save that is dropped or superseded is retried once as a
// Blocking save, so Save always persists a state at least as new as the
// table at call time.
func (e *Engine) Save(ctx context.Context, urgency coordinator.Urgency) (*SaveResult, error) {
	if e.closed.Load() {
		return nil, domain.ErrEngineClosed
	}
	if urgency == coordinator.Background {
		res, err := e.saveBackground(ctx)
		if !errors.Is(err, domain.ErrSaveSuperseded) && !errors.Is(err, domain.ErrSaveInProgress) {
			return res, err
		}
		e.logger.Info("background save retried as blocking", "reason", err)
	}
	return e.saveBlocking(ctx)
}

func (e *Engine) saveBackground(ctx context.Context) (*SaveResult, error) {
	sig, err := e.coord.Begin(coordinator.Background)
	if err != nil {
		return nil, err
	}

	var snap *domain.Snapshot
	if e.running.Load() {
		snap, err = sig.Wait(ctx)
	} else {
		// Nobody else ticks the coordinator.
		snap, err = e.coord.Run(ctx, sig)
	}
	if err != nil {
		return nil, err
	}
	return e.write(ctx, snap)
}

func (e *Engine) saveBlocking(ctx context.Context) (*SaveResult, error) {
	sig, err := e.coord.Begin(coordinator.Blocking)
	if err != nil {
		return nil, err
	}
	snap, err := sig.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return e.write(ctx, snap)
}

// write persists snap through the sink unless a newer snapshot was
// already written.
func (e *Engine) write(ctx context.Context, snap *domain.Snapshot) (*SaveResult, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	res := &SaveResult{Generation: snap.Generation, Entities: snap.Len()}
	if last := e.lastWritten.Load(); snap.Generation <= last {
		e.metrics.IncSnapshotSkipped()
		e.logger.Info("snapshot write skipped, newer snapshot already written",
			"generation", snap.Generation,
			"last_written", last)
		return res, nil
	}

	start := time.Now()
	wr, err := e.sink.Write(ctx, snap)
	res.Duration = time.Since(start)
	if err != nil {
		e.metrics.ObserveSnapshotWrite(res.Duration.Seconds(), 0, snap.Generation, err)
		msg := err.Error()
		e.lastErr.Store(&msg)
		return nil, domain.ErrSaveFailed.WithDetails(fmt.Sprintf("generation %d", snap.Generation)).WithCause(err)
	}

	res.Written = true
	res.Location = wr.Location
	res.Size = wr.Size
	e.lastWritten.Store(snap.Generation)
	e.lastWrittenAt.Store(time.Now().UnixMilli())
	e.lastErr.Store(nil)
	e.metrics.ObserveSnapshotWrite(res.Duration.Seconds(), wr.Size, snap.Generation, nil)

	e.logger.Info("snapshot written",
		"generation", snap.Generation,
		"entities", snap.Len(),
		"location", wr.Location,
		"size_bytes", wr.Size,
		"elapsed", res.Duration)
	return res, nil
}

// Status returns a point-in-time view of the engine.
func (e *Engine) Status() Status {
	st := Status{
		Sink:                  e.sink.Name(),
		Running:               e.running.Load() && !e.closed.Load(),
		Frames:                e.frame.Load(),
		Entities:              e.table.Count(),
		Collection:            e.coord.Status(),
		LastWrittenGeneration: e.lastWritten.Load(),
		LastWrittenAt:         e.lastWrittenAt.Load(),
	}
	if msg := e.lastErr.Load(); msg != nil {
		st.LastError = *msg
	}
	return st
}

// Close gracefully shuts down the storage engine.
//
// The loops stop first so the table is quiet. A pending collection, or
// any state at all when SaveOnShutdown is set, is then saved with a
// blocking save. Close waits for background writers before closing the
// sink.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.logger.Info("shutting down storage engine")

	close(e.stopCh)
	e.loops.Wait()

	var saveErr error
	if _, pending := e.coord.Active(); pending || e.cfg.SaveOnShutdown {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		_, saveErr = e.saveBlocking(ctx)
		cancel()
		if saveErr != nil {
			e.logger.Error("shutdown save failed", "error", saveErr)
		}
	}

	e.writers.Wait()

	if err := e.sink.Close(); err != nil {
		e.logger.Error("close sink failed", "error", err)
		return errors.Join(saveErr, err)
	}

	e.logger.Info("storage engine shutdown complete")
	return saveErr
}
