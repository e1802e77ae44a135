// Package registry coordinates named anchor agents: their live handles in the
// host, the cells they keep active, and the durable records that bring them
// back after a restart.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"anchorkeep.ai/internal/anchor"
	"anchorkeep.ai/internal/directory"
	"anchorkeep.ai/internal/lease"
	"anchorkeep.ai/internal/persistence/journal"
	"anchorkeep.ai/internal/records"
	"anchorkeep.ai/internal/spatial"
)

// Host is the world the agents live in.
type Host interface {
	ResolvePartition(id string) (anchor.Partition, bool)
	CreateOrGetAgent(p anchor.Partition, identity uuid.UUID, name string) (anchor.Handle, error)
	PositionAgent(h anchor.Handle, pos spatial.Vec3) error
	IsPresent(p anchor.Partition, h anchor.Handle) bool
	SpawnIntoWorld(p anchor.Partition, h anchor.Handle) error
	Discard(h anchor.Handle) error
}

// Decorator is an optional Host capability. Failures are logged and ignored.
type Decorator interface {
	DecorateAgent(h anchor.Handle) error
}

type EventSink interface {
	Record(ev journal.Event) error
}

type Options struct {
	Host    Host
	Tracker *lease.Tracker
	Store   *records.Store
	Sink    EventSink
	Logger  *zap.Logger

	DefaultRadius int
	MaxRadius     int
}

type SpawnRequest struct {
	Name        string
	PartitionID string
	Position    spatial.Vec3
	// Radius nil keeps the radius of an existing record, or selects the
	// configured default for a new name.
	Radius *int
}

type SpawnResult struct {
	Agent   AgentInfo
	Created bool
}

type AgentInfo struct {
	Name        string          `json:"name"`
	Identity    uuid.UUID       `json:"identity"`
	PartitionID string          `json:"partition_id"`
	Position    spatial.Vec3    `json:"position"`
	Cell        spatial.CellKey `json:"cell"`
	Radius      int             `json:"radius"`
	Cells       int             `json:"cells"`
}

type SkippedRecord struct {
	Name        string `json:"name"`
	PartitionID string `json:"partition_id"`
	Reason      string `json:"reason"`
	Code        string `json:"code"`
}

type LoadReport struct {
	Loaded  int             `json:"loaded"`
	Skipped []SkippedRecord `json:"skipped,omitempty"`
	// StorageWarning is set when the stored set could not be read cleanly.
	StorageWarning string `json:"storage_warning,omitempty"`
}

type Stats struct {
	Live        int `json:"live"`
	Records     int `json:"records"`
	Owners      int `json:"owners"`
	ActiveCells int `json:"active_cells"`
}

type Registry struct {
	host      Host
	decorator Decorator
	tracker   *lease.Tracker
	store     *records.Store
	sink      EventSink
	log       *zap.Logger

	defaultRadius int
	maxRadius     int

	dir   *directory.Directory
	locks keyedMutex

	// life is held shared by operations that change live state and
	// exclusively by Shutdown.
	life   sync.RWMutex
	closed bool

	recMu sync.RWMutex
	recs  map[string]anchor.Record

	persistMu sync.Mutex
	loading   atomic.Bool
	// unread is set while the stored set has not been read successfully.
	// Writes re-read it first so records never seen are not overwritten.
	unread atomic.Bool
}

func New(opts Options) (*Registry, error) {
	if opts.Host == nil {
		return nil, errors.New("registry: nil host")
	}
	if opts.Tracker == nil {
		return nil, errors.New("registry: nil lease tracker")
	}
	if opts.Store == nil {
		return nil, errors.New("registry: nil record store")
	}
	if opts.DefaultRadius < 0 || opts.MaxRadius < opts.DefaultRadius {
		return nil, fmt.Errorf("%w: default %d max %d", anchor.ErrInvalidRadius, opts.DefaultRadius, opts.MaxRadius)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		host:          opts.Host,
		tracker:       opts.Tracker,
		store:         opts.Store,
		sink:          opts.Sink,
		log:           logger.With(zap.String("component", "registry")),
		defaultRadius: opts.DefaultRadius,
		maxRadius:     opts.MaxRadius,
		dir:           directory.New(),
		recs:          map[string]anchor.Record{},
	}
	if d, ok := opts.Host.(Decorator); ok {
		r.decorator = d
	}
	return r, nil
}

func (r *Registry) checkRadius(radius int) error {
	if radius < 0 || radius > r.maxRadius {
		return fmt.Errorf("%w: %d not in [0,%d]", anchor.ErrInvalidRadius, radius, r.maxRadius)
	}
	return nil
}

// enter admits an operation that changes live state. The returned func must
// be called when it is done.
func (r *Registry) enter() (func(), error) {
	r.life.RLock()
	if r.closed {
		r.life.RUnlock()
		return nil, anchor.ErrClosed
	}
	return r.life.RUnlock, nil
}

// Spawn makes name live at the requested position. A name that is already
// live is moved instead; Created reports which of the two happened.
func (r *Registry) Spawn(req SpawnRequest) (SpawnResult, error) {
	if err := anchor.ValidateName(req.Name); err != nil {
		return SpawnResult{}, err
	}
	if !req.Position.Finite() {
		return SpawnResult{}, fmt.Errorf("%w: %v", anchor.ErrInvalidPosition, req.Position)
	}
	if req.PartitionID == "" {
		return SpawnResult{}, fmt.Errorf("%w: empty partition id", anchor.ErrUnresolvedPartition)
	}
	if req.Radius != nil {
		if err := r.checkRadius(*req.Radius); err != nil {
			return SpawnResult{}, err
		}
	}

	leave, err := r.enter()
	if err != nil {
		return SpawnResult{}, err
	}
	defer leave()
	unlock := r.locks.Lock(anchor.Key(req.Name))
	defer unlock()

	identity := anchor.StableID(req.Name)
	radius := r.defaultRadius
	if rec, ok := r.record(req.Name); ok {
		if rec.Identity != uuid.Nil {
			identity = rec.Identity
		}
		if r.checkRadius(rec.Radius) == nil {
			radius = rec.Radius
		}
	}
	if req.Radius != nil {
		radius = *req.Radius
	}
	res, err := r.spawnLocked(req.Name, identity, req.PartitionID, req.Position, radius)
	if err != nil {
		return SpawnResult{}, err
	}
	r.persist()
	return res, nil
}

func (r *Registry) spawnLocked(name string, identity uuid.UUID, partitionID string, pos spatial.Vec3, radius int) (SpawnResult, error) {
	p, ok := r.host.ResolvePartition(partitionID)
	if !ok {
		return SpawnResult{}, fmt.Errorf("%w: %s", anchor.ErrUnresolvedPartition, partitionID)
	}
	if cur, live := r.dir.Get(name); live {
		return r.moveLocked(cur, p, pos, radius)
	}

	h, err := r.materialize(p, identity, name, pos)
	if err != nil {
		return SpawnResult{}, err
	}
	if !r.dir.TryRegister(name, h) {
		if cur, _ := r.dir.Get(name); cur != h {
			r.discard(h)
		}
		return SpawnResult{}, fmt.Errorf("%w: %s", anchor.ErrConflict, name)
	}
	fp, err := r.tracker.Acquire(anchor.Key(name), partitionID, spatial.CellOf(pos), radius)
	if err != nil {
		r.dir.Remove(name)
		r.discard(h)
		return SpawnResult{}, err
	}

	rec := anchor.Record{
		Name:        h.Name(),
		Identity:    h.Identity(),
		PartitionID: partitionID,
		X:           pos.X, Y: pos.Y, Z: pos.Z,
		Radius: radius,
	}
	r.putRecord(rec)
	r.log.Info("agent spawned",
		zap.String("name", rec.Name),
		zap.String("partition", partitionID),
		zap.Stringer("cell", fp.Center),
		zap.Int("radius", radius),
		zap.Int("cells", len(fp.Cells)))
	r.emit(journal.KindSpawn, rec, len(fp.Cells), "")
	return SpawnResult{Agent: infoOf(h, fp), Created: true}, nil
}

// materialize asks the host for a positioned, present agent. A handle that
// fails half way is discarded.
func (r *Registry) materialize(p anchor.Partition, identity uuid.UUID, name string, pos spatial.Vec3) (anchor.Handle, error) {
	h, err := r.host.CreateOrGetAgent(p, identity, name)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", anchor.ErrExternalFactory, name, err)
	}
	if err := r.host.PositionAgent(h, pos); err != nil {
		r.discard(h)
		return nil, fmt.Errorf("%w: position %s: %v", anchor.ErrExternalFactory, name, err)
	}
	if r.decorator != nil {
		if err := r.decorator.DecorateAgent(h); err != nil {
			r.log.Warn("decorate agent failed", zap.String("name", name), zap.Error(err))
		}
	}
	if !r.host.IsPresent(p, h) {
		if err := r.host.SpawnIntoWorld(p, h); err != nil {
			r.discard(h)
			return nil, fmt.Errorf("%w: spawn %s: %v", anchor.ErrExternalFactory, name, err)
		}
	}
	return h, nil
}

func (r *Registry) moveLocked(cur anchor.Handle, p anchor.Partition, pos spatial.Vec3, radius int) (SpawnResult, error) {
	name := cur.Name()
	key := anchor.Key(name)
	cell := spatial.CellOf(pos)

	var (
		h   anchor.Handle
		fp  lease.Footprint
		err error
	)
	if cur.PartitionID() == p.ID() {
		prev := cur.Position()
		if err := r.host.PositionAgent(cur, pos); err != nil {
			return SpawnResult{}, fmt.Errorf("%w: position %s: %v", anchor.ErrExternalFactory, name, err)
		}
		fp, err = r.tracker.Acquire(key, p.ID(), cell, radius)
		if err != nil {
			if perr := r.host.PositionAgent(cur, prev); perr != nil {
				r.log.Warn("restore position failed", zap.String("name", name), zap.Error(perr))
			}
			return SpawnResult{}, err
		}
		h = cur
	} else {
		h, err = r.materialize(p, cur.Identity(), name, pos)
		if err != nil {
			return SpawnResult{}, err
		}
		if !r.dir.Swap(name, cur, h) {
			r.discard(h)
			return SpawnResult{}, fmt.Errorf("%w: %s changed during move", anchor.ErrConflict, name)
		}
		fp, err = r.tracker.Acquire(key, p.ID(), cell, radius)
		if err != nil {
			r.dir.Swap(name, h, cur)
			r.discard(h)
			return SpawnResult{}, err
		}
		r.discard(cur)
	}

	rec := anchor.Record{
		Name:        name,
		Identity:    h.Identity(),
		PartitionID: p.ID(),
		X:           pos.X, Y: pos.Y, Z: pos.Z,
		Radius: radius,
	}
	r.putRecord(rec)
	r.log.Info("agent moved",
		zap.String("name", name),
		zap.String("partition", p.ID()),
		zap.Stringer("cell", cell),
		zap.Int("radius", radius))
	r.emit(journal.KindMove, rec, len(fp.Cells), "")
	return SpawnResult{Agent: infoOf(h, fp)}, nil
}

// Kill takes name out of the world and forgets its record. A name that is
// not live is reported as not found and nothing changes.
func (r *Registry) Kill(name string) error {
	leave, err := r.enter()
	if err != nil {
		return err
	}
	defer leave()
	unlock := r.locks.Lock(anchor.Key(name))
	defer unlock()

	h, ok := r.dir.Remove(name)
	if !ok {
		return fmt.Errorf("%w: %s", anchor.ErrNotFound, name)
	}
	if err := r.tracker.Release(anchor.Key(name)); err != nil {
		r.log.Warn("release footprint failed", zap.String("name", name), zap.Error(err))
	}
	r.discard(h)

	rec, _ := r.record(name)
	r.dropRecord(name)
	r.persist()
	r.log.Info("agent killed", zap.String("name", h.Name()))
	if rec.Name == "" {
		rec = anchor.Record{Name: h.Name(), Identity: h.Identity(), PartitionID: h.PartitionID()}
	}
	r.emit(journal.KindKill, rec, 0, "")
	return nil
}

// Forget drops the durable record of a name that is not live, such as one
// skipped at load because its partition no longer exists.
func (r *Registry) Forget(name string) error {
	leave, err := r.enter()
	if err != nil {
		return err
	}
	defer leave()
	unlock := r.locks.Lock(anchor.Key(name))
	defer unlock()

	if _, live := r.dir.Get(name); live {
		return fmt.Errorf("%w: %s is live, kill it instead", anchor.ErrConflict, name)
	}
	rec, ok := r.record(name)
	if !ok {
		return fmt.Errorf("%w: no record for %s", anchor.ErrNotFound, name)
	}
	r.dropRecord(name)
	r.persist()
	r.log.Info("record forgotten", zap.String("name", rec.Name), zap.String("partition", rec.PartitionID))
	r.emit(journal.KindForget, rec, 0, "")
	return nil
}

// Save writes the current record set. While the stored set has not been
// read successfully, Save reads it first and refuses to write if it still
// cannot.
func (r *Registry) Save() error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if r.unread.Load() {
		if err := r.adoptStoredLocked(); err != nil {
			return err
		}
	}
	return r.store.WriteAll(r.snapshotRecords())
}

// adoptStoredLocked retries the read that failed at load. Stored records with
// no counterpart in memory are kept as records, not brought live.
func (r *Registry) adoptStoredLocked() error {
	stored, err := r.store.ReadAll()
	if errors.Is(err, records.ErrUnreadable) {
		return fmt.Errorf("records not written: %w", err)
	}
	adopted := 0
	r.recMu.Lock()
	for _, rec := range stored {
		if _, ok := r.recs[rec.Key()]; !ok {
			r.recs[rec.Key()] = rec
			adopted++
		}
	}
	r.recMu.Unlock()
	r.unread.Store(false)
	r.log.Info("stored records readable again", zap.Int("adopted", adopted))
	return nil
}

// persist saves after a mutation. Failures are logged: the live state
// already changed and is not rolled back.
func (r *Registry) persist() {
	if r.loading.Load() {
		return
	}
	if err := r.Save(); err != nil {
		r.log.Error("save records failed", zap.String("path", r.store.Path()), zap.Error(err))
	}
}

// Load replays every stored record. Records that cannot be brought back stay
// durable and are reported; the rest load regardless.
//
// If the storage itself fails the read, nothing is written back until a
// later read succeeds.
func (r *Registry) Load() LoadReport {
	var rep LoadReport
	leave, err := r.enter()
	if err != nil {
		rep.StorageWarning = err.Error()
		return rep
	}
	defer leave()

	stored, warn := r.store.ReadAll()
	if warn != nil {
		rep.StorageWarning = warn.Error()
		r.log.Warn("stored records unreadable", zap.String("path", r.store.Path()), zap.Error(warn))
	}
	if errors.Is(warn, records.ErrUnreadable) {
		r.unread.Store(true)
	}

	r.loading.Store(true)
	for _, rec := range stored {
		if err := r.loadOne(rec); err != nil {
			rep.Skipped = append(rep.Skipped, SkippedRecord{
				Name:        rec.Name,
				PartitionID: rec.PartitionID,
				Reason:      err.Error(),
				Code:        anchor.Code(err),
			})
			r.log.Warn("record skipped",
				zap.String("name", rec.Name),
				zap.String("partition", rec.PartitionID),
				zap.Error(err))
			r.emit(journal.KindLoadSkip, rec, 0, err.Error())
			continue
		}
		rep.Loaded++
	}
	r.loading.Store(false)
	if !r.unread.Load() {
		r.persist()
	}

	r.log.Info("records loaded", zap.Int("loaded", rep.Loaded), zap.Int("skipped", len(rep.Skipped)))
	return rep
}

func (r *Registry) loadOne(rec anchor.Record) error {
	unlock := r.locks.Lock(rec.Key())
	defer unlock()

	err := anchor.ValidateName(rec.Name)
	if err == nil && !rec.Position().Finite() {
		err = fmt.Errorf("%w: %v", anchor.ErrInvalidPosition, rec.Position())
	}
	if err == nil {
		err = r.checkRadius(rec.Radius)
	}
	if err == nil {
		identity := rec.Identity
		if identity == uuid.Nil {
			identity = anchor.StableID(rec.Name)
		}
		_, err = r.spawnLocked(rec.Name, identity, rec.PartitionID, rec.Position(), rec.Radius)
	}
	if err != nil {
		if _, ok := r.record(rec.Name); !ok {
			r.putRecord(rec)
		}
		return err
	}
	return nil
}

// Shutdown saves, releases every footprint and discards every live handle.
// It waits for operations in flight and turns away later ones. It keeps
// going past individual failures and is safe to call twice.
func (r *Registry) Shutdown() error {
	r.life.Lock()
	defer r.life.Unlock()
	r.closed = true

	var errs []error
	if err := r.Save(); err != nil {
		errs = append(errs, fmt.Errorf("save: %w", err))
	}
	if err := r.tracker.ReleaseAll(); err != nil {
		errs = append(errs, fmt.Errorf("release: %w", err))
	}
	for _, h := range r.dir.Snapshot() {
		if _, ok := r.dir.Remove(h.Name()); !ok {
			continue
		}
		if err := r.host.Discard(h); err != nil {
			errs = append(errs, fmt.Errorf("discard %s: %w", h.Name(), err))
		}
	}
	err := errors.Join(errs...)
	reason := ""
	if err != nil {
		reason = err.Error()
		r.log.Error("shutdown incomplete", zap.Error(err))
	} else {
		r.log.Info("registry shut down")
	}
	r.emit(journal.KindShutdown, anchor.Record{}, 0, reason)
	return err
}

// List returns the live agents ordered by name.
func (r *Registry) List() []AgentInfo {
	hs := r.dir.Snapshot()
	out := make([]AgentInfo, 0, len(hs))
	for _, h := range hs {
		fp, _ := r.tracker.Footprint(anchor.Key(h.Name()))
		out = append(out, infoOf(h, fp))
	}
	return out
}

// Records lists what the store holds, whether or not it is live.
func (r *Registry) Records() ([]anchor.Record, error) {
	recs, err := r.store.List()
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key() < recs[j].Key() })
	return recs, err
}

func (r *Registry) Stats() Stats {
	r.recMu.RLock()
	n := len(r.recs)
	r.recMu.RUnlock()
	return Stats{
		Live:        r.dir.Len(),
		Records:     n,
		Owners:      len(r.tracker.Owners()),
		ActiveCells: r.tracker.ActiveCount(),
	}
}

// Autosave saves every interval until ctx is done.
func (r *Registry) Autosave(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.Save(); err != nil {
				r.log.Error("autosave failed", zap.Error(err))
			}
		}
	}
}

func (r *Registry) discard(h anchor.Handle) {
	if err := r.host.Discard(h); err != nil {
		r.log.Warn("discard agent failed", zap.String("name", h.Name()), zap.Error(err))
	}
}

func (r *Registry) record(name string) (anchor.Record, bool) {
	r.recMu.RLock()
	defer r.recMu.RUnlock()
	rec, ok := r.recs[anchor.Key(name)]
	return rec, ok
}

func (r *Registry) putRecord(rec anchor.Record) {
	r.recMu.Lock()
	r.recs[rec.Key()] = rec
	r.recMu.Unlock()
}

func (r *Registry) dropRecord(name string) {
	r.recMu.Lock()
	delete(r.recs, anchor.Key(name))
	r.recMu.Unlock()
}

func (r *Registry) snapshotRecords() []anchor.Record {
	r.recMu.RLock()
	defer r.recMu.RUnlock()
	out := make([]anchor.Record, 0, len(r.recs))
	for _, rec := range r.recs {
		out = append(out, rec)
	}
	return out
}

func (r *Registry) emit(kind journal.Kind, rec anchor.Record, cells int, reason string) {
	if r.sink == nil {
		return
	}
	ev := journal.Event{
		Kind:        kind,
		Name:        rec.Name,
		PartitionID: rec.PartitionID,
		X:           rec.X, Y: rec.Y, Z: rec.Z,
		Radius: rec.Radius,
		Cells:  cells,
		Reason: reason,
	}
	if rec.Identity != uuid.Nil {
		ev.Identity = rec.Identity.String()
	}
	if err := r.sink.Record(ev); err != nil {
		r.log.Warn("journal write failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func infoOf(h anchor.Handle, fp lease.Footprint) AgentInfo {
	pos := h.Position()
	return AgentInfo{
		Name:        h.Name(),
		Identity:    h.Identity(),
		PartitionID: h.PartitionID(),
		Position:    pos,
		Cell:        spatial.CellOf(pos),
		Radius:      fp.Radius,
		Cells:       len(fp.Cells),
	}
}
