package migrate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync"

	"flexmc.dev/internal/bot"
	"flexmc.dev/internal/mc"
	"flexmc.dev/internal/nbt"
	"flexmc.dev/internal/region"
	"flexmc.dev/internal/server"
)

// ErrChunkUnavailable reports a chunk the engine could not obtain from
// a generated world even after forcing generation.
var ErrChunkUnavailable = errors.New("migrate: chunk unavailable after generation")

// Source is one world the engine reads from: a server working
// directory plus the version and directory layout its regions use.
type Source struct {
	Dir     string
	Version mc.Version
	Layout  mc.Layout

	mu     sync.Mutex
	stores map[mc.Dimension]*region.Store
}

func NewSource(dir string, version mc.Version, layout mc.Layout) *Source {
	return &Source{Dir: dir, Version: version, Layout: layout, stores: make(map[mc.Dimension]*region.Store)}
}

// Store returns the region store for one dimension, created on first
// use.
func (s *Source) Store(d mc.Dimension) *region.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stores[d]
	if !ok {
		st = region.NewStore(filepath.Join(s.Dir, mc.RegionDir(s.Layout, d)))
		s.stores[d] = st
	}
	return st
}

type Status string

const (
	StatusMigrated Status = "migrated"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
	StatusLossy    Status = "lossy"
	StatusCorrupt  Status = "corrupt"
)

// Event is one per-chunk outcome. Recorders receive every event in
// completion order.
type Event struct {
	Dim    mc.Dimension
	Pos    mc.ChunkPos
	Status Status
	Reason string
}

// Recorder consumes migration events. Implementations must tolerate
// concurrent calls.
type Recorder interface {
	Record(Event)
}

type Summary struct {
	Migrated int
	Skipped  int
	Failed   int
	Lossy    int
	Corrupt  int
}

type Config struct {
	Base   *Source // pristine world generated at the source version
	Custom *Source // the customized world being migrated
	Target *Source // pristine world generated at the destination version

	// DestDir receives the merged regions, laid out like Target.
	DestDir string

	Registry   *Registry
	Dimensions []mc.Dimension

	// Chunks restricts the run to an explicit set. Empty means every
	// chunk present in the custom world.
	Chunks []mc.ChunkPos

	Concurrency int
	DryRun      bool
}

func (c *Config) fill() {
	if c.Registry == nil {
		c.Registry = DefaultRegistry()
	}
	if len(c.Dimensions) == 0 {
		c.Dimensions = []mc.Dimension{mc.Overworld}
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
}

// Engine walks the custom world chunk by chunk and produces the merged
// destination world. Missing base or target chunks are generated on
// demand by driving live servers.
type Engine struct {
	cfg     Config
	manager *server.Manager
	ctrl    *bot.Controller
	logger  *log.Logger

	recorders []Recorder

	destMu sync.Mutex
	dest   map[mc.Dimension]*region.Store

	handleMu sync.Mutex
	handles  map[*Source]*server.Handle
}

func NewEngine(cfg Config, manager *server.Manager, ctrl *bot.Controller, logger *log.Logger, recorders ...Recorder) *Engine {
	cfg.fill()
	return &Engine{
		cfg:       cfg,
		manager:   manager,
		ctrl:      ctrl,
		logger:    logger,
		recorders: recorders,
		dest:      make(map[mc.Dimension]*region.Store),
		handles:   make(map[*Source]*server.Handle),
	}
}

func (e *Engine) destStore(d mc.Dimension) *region.Store {
	e.destMu.Lock()
	defer e.destMu.Unlock()
	st, ok := e.dest[d]
	if !ok {
		st = region.NewStore(filepath.Join(e.cfg.DestDir, mc.RegionDir(e.cfg.Target.Layout, d)))
		e.dest[d] = st
	}
	return st
}

func (e *Engine) emit(ev Event) {
	for _, r := range e.recorders {
		r.Record(ev)
	}
}

type task struct {
	dim mc.Dimension
	pos mc.ChunkPos
}

// Run migrates every selected chunk. Failures are isolated per chunk:
// the run continues and the summary counts them.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	defer e.shutdown()

	tasks, err := e.collect()
	if err != nil {
		return Summary{}, err
	}
	e.logger.Printf("migrating %d chunks across %d dimensions", len(tasks), len(e.cfg.Dimensions))

	var (
		mu  sync.Mutex
		sum Summary
		wg  sync.WaitGroup
	)
	ch := make(chan task)
	for i := 0; i < e.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range ch {
				st, lossy := e.migrateOne(ctx, t.dim, t.pos)
				mu.Lock()
				switch st {
				case StatusMigrated:
					sum.Migrated++
				case StatusSkipped:
					sum.Skipped++
				case StatusFailed:
					sum.Failed++
				}
				sum.Lossy += lossy
				mu.Unlock()
			}
		}()
	}

	var runErr error
loop:
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		select {
		case ch <- t:
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		}
	}
	close(ch)
	wg.Wait()

	sum.Corrupt = e.reportCorrupt()
	return sum, runErr
}

// reportCorrupt surfaces the custom world's unreadable slots. They are
// invisible to the task list (a corrupt slot reads as absent), so
// without this pass a damaged world would migrate green.
func (e *Engine) reportCorrupt() int {
	n := 0
	for _, dim := range e.cfg.Dimensions {
		for _, d := range e.cfg.Custom.Store(dim).Diagnostics() {
			pos := d.Region.ChunkAt(d.Slot.Local)
			e.logger.Printf("%s chunk %v corrupt in custom world: %s", dim, pos, d.Slot.Cause)
			e.emit(Event{Dim: dim, Pos: pos, Status: StatusCorrupt, Reason: d.Slot.Cause})
			n++
		}
	}
	return n
}

func (e *Engine) collect() ([]task, error) {
	var tasks []task
	for _, dim := range e.cfg.Dimensions {
		if len(e.cfg.Chunks) > 0 {
			for _, pos := range e.cfg.Chunks {
				tasks = append(tasks, task{dim, pos})
			}
			continue
		}
		chunks, err := e.cfg.Custom.Store(dim).ListChunks()
		if err != nil {
			return nil, fmt.Errorf("list %s chunks: %w", dim, err)
		}
		for _, pos := range chunks {
			tasks = append(tasks, task{dim, pos})
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].dim != tasks[j].dim {
			return tasks[i].dim < tasks[j].dim
		}
		if tasks[i].pos.X != tasks[j].pos.X {
			return tasks[i].pos.X < tasks[j].pos.X
		}
		return tasks[i].pos.Z < tasks[j].pos.Z
	})
	return tasks, nil
}

// migrateOne runs the full pipeline for one chunk and reports its
// outcome. All failures are recorded, never propagated.
func (e *Engine) migrateOne(ctx context.Context, dim mc.Dimension, pos mc.ChunkPos) (Status, int) {
	fail := func(stage string, err error) (Status, int) {
		e.logger.Printf("%s chunk %v %s: %v", dim, pos, stage, err)
		e.emit(Event{Dim: dim, Pos: pos, Status: StatusFailed, Reason: fmt.Sprintf("%s: %v", stage, err)})
		return StatusFailed, 0
	}

	customDoc, err := e.cfg.Custom.Store(dim).ReadDocument(pos)
	if err != nil {
		return fail("read custom", err)
	}
	if customDoc == nil {
		e.emit(Event{Dim: dim, Pos: pos, Status: StatusSkipped, Reason: "absent in custom world"})
		return StatusSkipped, 0
	}

	baseDoc, err := e.ensureChunk(ctx, e.cfg.Base, dim, pos)
	if err != nil {
		return fail("obtain base", err)
	}
	targetDoc, err := e.ensureChunk(ctx, e.cfg.Target, dim, pos)
	if err != nil {
		return fail("obtain target", err)
	}

	merged, losses := MergeChunk(baseDoc, customDoc, targetDoc, e.cfg.Registry, e.cfg.Custom.Version, e.cfg.Target.Version)
	for _, l := range losses {
		e.emit(Event{Dim: dim, Pos: pos, Status: StatusLossy,
			Reason: fmt.Sprintf("category %s not convertible %s to %s", l.Category, l.From, l.To)})
	}

	if !e.cfg.DryRun {
		if err := e.destStore(dim).WriteDocument(pos, merged); err != nil {
			return fail("write destination", err)
		}
	}
	e.emit(Event{Dim: dim, Pos: pos, Status: StatusMigrated})
	return StatusMigrated, len(losses)
}

// ensureChunk reads a chunk from a generated world, forcing the live
// server to produce it when absent.
func (e *Engine) ensureChunk(ctx context.Context, src *Source, dim mc.Dimension, pos mc.ChunkPos) (*nbt.Document, error) {
	store := src.Store(dim)
	doc, err := store.ReadDocument(pos)
	if err != nil {
		return nil, err
	}
	if doc != nil {
		return doc, nil
	}

	h, err := e.ensureServer(ctx, src)
	if err != nil {
		return nil, err
	}
	if err := e.ctrl.ForceGenerate(ctx, h, store, pos); err != nil {
		return nil, err
	}
	doc, err = store.ReadDocument(pos)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s %v in %s", ErrChunkUnavailable, dim, pos, src.Dir)
	}
	return doc, nil
}

// ensureServer starts (once) the server backing src. EnsureStarted
// already collapses concurrent starts per working directory; the local
// map only saves handles for shutdown.
func (e *Engine) ensureServer(ctx context.Context, src *Source) (*server.Handle, error) {
	h, err := e.manager.EnsureStarted(ctx, src.Dir, src.Layout, src.Version)
	if err != nil {
		return nil, err
	}
	e.handleMu.Lock()
	e.handles[src] = h
	e.handleMu.Unlock()
	return h, nil
}

func (e *Engine) shutdown() {
	e.handleMu.Lock()
	handles := make([]*server.Handle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	e.handles = make(map[*Source]*server.Handle)
	e.handleMu.Unlock()

	for _, h := range handles {
		e.ctrl.Release(h)
		if err := e.manager.Stop(h); err != nil {
			e.logger.Printf("stop server %s: %v", h.WorkDir, err)
		}
	}

	for _, st := range e.dest {
		if err := st.FlushAll(); err != nil {
			e.logger.Printf("flush destination: %v", err)
		}
	}
}
